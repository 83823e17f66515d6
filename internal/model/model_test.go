package model

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphforge/internal/config"
	"graphforge/internal/dataset"
	"graphforge/internal/device"
	"graphforge/internal/exec"
	"graphforge/internal/graph"
	"graphforge/internal/schema"
)

var smallRecommender = RecommenderConfig{Users: 20, Movies: 30, Categories: 18, TitleWords: 40, Tower: 8}

func smallSRL(labels int) SRLConfig {
	return SRLConfig{Words: 50, Verbs: 10, Labels: labels, WordDim: 4, Hidden: 8, Depth: 3}
}

var smallImage = ImageConfig{
	Size:         8,
	VGG:          []VGGBlock{{4, []float64{0.3, 0}}, {4, []float64{0}}},
	FCSize:       6,
	ResNetDepth:  8,
	ResNetWidths: [3]int{2, 4, 4},
}

// trainStep feeds the first n records of src through m and returns the loss
// and the number of parameter gradients.
func trainStep(t *testing.T, m *Model, src dataset.Source, n int) (float64, int) {
	t.Helper()
	records, err := dataset.ReadAll(context.Background(), dataset.Limit(src, n), 0)
	require.NoError(t, err)
	feeder, err := schema.NewFeeder(m.Schema)
	require.NoError(t, err)
	feed, err := feeder.Feed(records)
	require.NoError(t, err)

	scope := exec.NewScope()
	require.NoError(t, scope.Init(m.Program, 1))
	frame, err := exec.NewExecutor(device.CPU()).Forward(context.Background(), m.Program, scope, feed, exec.RunOptions{Train: true, Seed: 1})
	require.NoError(t, err)
	out, err := frame.Fetch(m.Loss, m.Prediction)
	require.NoError(t, err)
	grads, err := frame.Backward(m.Loss)
	require.NoError(t, err)
	return out[0].Scalar(), len(grads)
}

func trainable(p *graph.Program) int {
	n := 0
	for _, spec := range p.Params {
		if spec.Trainable {
			n++
		}
	}
	return n
}

func dataNames(p *graph.Program) []string {
	var names []string
	for _, v := range p.DataVars() {
		names = append(names, v.Name)
	}
	return names
}

func TestBuildersAreDeterministic(t *testing.T) {
	builds := map[string]func() (*Model, error){
		"recommender": func() (*Model, error) { return Recommender(RecommenderSchema(), smallRecommender) },
		"srl":         func() (*Model, error) { return SRL(SRLSchema(), smallSRL(7)) },
		"vgg":         func() (*Model, error) { return ImageClassifier(NetVGG, ImageSchema(8), smallImage) },
		"resnet":      func() (*Model, error) { return ImageClassifier(NetResNet, ImageSchema(8), smallImage) },
	}
	for name, build := range builds {
		t.Run(name, func(t *testing.T) {
			a, err := build()
			require.NoError(t, err)
			b, err := build()
			require.NoError(t, err)
			assert.Equal(t, a.Program.ParamNames(), b.Program.ParamNames())
			assert.Equal(t, dataNames(a.Program), dataNames(b.Program))
			assert.Equal(t, a.Schema.Names(), dataNames(a.Program))
			assert.Equal(t, a.Prediction, b.Prediction)
		})
	}
}

func TestBuildersRejectMissingFields(t *testing.T) {
	s, err := RecommenderSchema().Select("user_id", "movie_id", "score")
	require.NoError(t, err)
	_, err = Recommender(s, smallRecommender)
	assert.ErrorIs(t, err, schema.ErrMissingField)

	s, err = SRLSchema().Select(SRLFeeds...)
	require.NoError(t, err)
	_, err = SRL(s, smallSRL(7))
	assert.ErrorIs(t, err, schema.ErrMissingField)

	s, err = ImageSchema(8).Select(dataset.PixelField)
	require.NoError(t, err)
	_, err = ImageClassifier(NetVGG, s, smallImage)
	assert.ErrorIs(t, err, schema.ErrMissingField)
}

func TestParseNet(t *testing.T) {
	net, err := ParseNet("resnet")
	require.NoError(t, err)
	assert.Equal(t, NetResNet, net)

	_, err = ParseNet("alexnet")
	assert.ErrorIs(t, err, config.ErrConfiguration)
	assert.Contains(t, err.Error(), "alexnet network is not supported")

	_, err = ImageClassifier(Net("lenet"), ImageSchema(8), smallImage)
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestRecommenderTrainsOnSyntheticRatings(t *testing.T) {
	m, err := Recommender(RecommenderSchema(), smallRecommender)
	require.NoError(t, err)
	for _, table := range []string{"user_table", "gender_table", "age_table", "job_table", "movie_table"} {
		_, ok := m.Program.Param(table)
		assert.True(t, ok, table)
	}
	src := dataset.Movielens(dataset.MovielensOptions{Records: 8, Users: 20, Movies: 30, TitleWords: 40})
	loss, grads := trainStep(t, m, src, 8)
	assert.False(t, math.IsNaN(loss))
	assert.GreaterOrEqual(t, loss, 0.0)
	assert.Equal(t, len(m.Program.Params), grads)

	infer, err := m.InferenceProgram()
	require.NoError(t, err)
	assert.Equal(t, RecommenderFeeds, dataNames(infer))
}

func TestSRLSharesParameters(t *testing.T) {
	opts := dataset.ConllOptions{Sentences: 4, Words: 50, Verbs: 10, ChunkTypes: 3, MaxLen: 6}
	m, err := SRL(SRLSchema(), smallSRL(opts.Labels()))
	require.NoError(t, err)

	emb, ok := m.Program.Param(WordEmbedding)
	require.True(t, ok)
	assert.False(t, emb.Trainable)
	assert.Equal(t, []int{50, 4}, emb.Shape)
	crf, ok := m.Program.Param(CRFWeights)
	require.True(t, ok)
	assert.Equal(t, []int{opts.Labels() + 2, opts.Labels()}, crf.Shape)
	assert.Equal(t, 1e-3, crf.LearningRate)

	lstms := 0
	for _, op := range m.Program.Ops {
		if op.Type == "lstm" {
			lstms++
			assert.Equal(t, lstms%2 == 0, op.Attrs.Reverse)
			assert.Equal(t, graph.ActRelu, op.Attrs.CandAct)
		}
	}
	assert.Equal(t, 3, lstms)

	loss, _ := trainStep(t, m, dataset.Conll(opts), 4)
	assert.False(t, math.IsNaN(loss))
	assert.Greater(t, loss, 0.0)

	infer, err := m.InferenceProgram()
	require.NoError(t, err)
	assert.ElementsMatch(t, SRLFeeds, dataNames(infer))
	_, ok = infer.Var("target")
	assert.False(t, ok)
}

func TestImageClassifiersTrainOnSyntheticImages(t *testing.T) {
	src := dataset.Images(dataset.ImageSetOptions{Records: 3, Size: 8})
	for _, net := range []Net{NetVGG, NetResNet} {
		t.Run(string(net), func(t *testing.T) {
			m, err := ImageClassifier(net, ImageSchema(8), smallImage)
			require.NoError(t, err)
			loss, grads := trainStep(t, m, src, 3)
			assert.False(t, math.IsNaN(loss))
			assert.Greater(t, loss, 0.0)
			assert.Equal(t, trainable(m.Program), grads)
		})
	}
}

func TestResNetDepth(t *testing.T) {
	cfg := smallImage
	cfg.ResNetDepth = 10
	_, err := ImageClassifier(NetResNet, ImageSchema(8), cfg)
	assert.Error(t, err)

	cfg.ResNetDepth = 14
	m, err := ImageClassifier(NetResNet, ImageSchema(8), cfg)
	require.NoError(t, err)
	adds := 0
	for _, op := range m.Program.Ops {
		if op.Type == "elementwise_add" {
			adds++
		}
	}
	assert.Equal(t, 6, adds)
}

func TestResNetProjectsDownsampledShortcuts(t *testing.T) {
	for _, widths := range [][3]int{{4, 4, 4}, {4, 4, 8}, {2, 4, 4}} {
		cfg := smallImage
		cfg.ResNetWidths = widths
		m, err := ImageClassifier(NetResNet, ImageSchema(8), cfg)
		require.NoError(t, err, "%v", widths)
		convs := 0
		for _, op := range m.Program.Ops {
			if op.Type == "conv2d" {
				convs++
			}
		}
		// stem, two per block, one shortcut per downsampling stage
		assert.Equal(t, 9, convs, "%v", widths)

		src := dataset.Images(dataset.ImageSetOptions{Records: 2, Size: 8})
		loss, _ := trainStep(t, m, src, 2)
		assert.False(t, math.IsNaN(loss), "%v", widths)
	}
}
