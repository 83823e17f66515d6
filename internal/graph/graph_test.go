package graph

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphforge/internal/schema"
)

func tinyNet(b *Builder) (*Var, *Var) {
	words := b.Data(schema.IntSequence("words"))
	score := b.Data(schema.FloatField("score", 1))
	emb := b.Embedding(words, 10, 4, Named("emb"))
	pooled := b.SequencePool(emb, PoolSum)
	pred := b.FC(pooled, 1, ActNone, ParamAttr{})
	return pred, b.Mean(b.SquareError(pred, score))
}

func TestBuilderIsDeterministic(t *testing.T) {
	build := func() *Program {
		b := NewBuilder()
		tinyNet(b)
		p, err := b.Program()
		require.NoError(t, err)
		return p
	}
	a, c := build(), build()
	assert.Equal(t, a.ParamNames(), c.ParamNames())
	assert.Equal(t, []string{"emb", "fc_0.w_0", "fc_0.b_0"}, a.ParamNames())
	assert.Equal(t, a.Ops, c.Ops)
}

func TestSharedAndConflictingParams(t *testing.T) {
	b := NewBuilder()
	x := b.Data(schema.IntField("x"))
	y := b.Data(schema.IntField("y"))
	b.Embedding(x, 5, 3, Named("table"))
	b.Embedding(y, 5, 3, Named("table"))
	p, err := b.Program()
	require.NoError(t, err)
	assert.Len(t, p.Params, 1)

	b.Embedding(y, 6, 3, Named("table"))
	_, err = b.Program()
	assert.ErrorContains(t, err, "reused with shape")
}

func TestFrozenParamAndLearningRate(t *testing.T) {
	b := NewBuilder()
	x := b.Data(schema.IntSequence("x"))
	b.Embedding(x, 5, 3, ParamAttr{Name: "emb", Frozen: true})
	emission := b.FC(b.Embedding(x, 5, 3, ParamAttr{}), 2, ActNone, ParamAttr{})
	b.LinearChainCRF(emission, b.Data(schema.IntSequence("tag")), ParamAttr{Name: "crfw", LearningRate: 1e-3})
	p, err := b.Program()
	require.NoError(t, err)

	emb, ok := p.Param("emb")
	require.True(t, ok)
	assert.False(t, emb.Trainable)
	crf, ok := p.Param("crfw")
	require.True(t, ok)
	assert.Equal(t, []int{4, 2}, crf.Shape)
	assert.Equal(t, 1e-3, crf.LearningRate)
	fc, _ := p.Param("fc_0.w_0")
	assert.Equal(t, 1.0, fc.LearningRate)
}

func TestBuilderErrorsStick(t *testing.T) {
	b := NewBuilder()
	x := b.Data(schema.FloatField("x", 2))
	b.SequencePool(x, PoolSum)
	b.FC(x, 0, ActNone, ParamAttr{})
	_, err := b.Program()
	assert.ErrorContains(t, err, "not a sequence")
}

func TestPrune(t *testing.T) {
	b := NewBuilder()
	pred, loss := tinyNet(b)
	p, err := b.Program()
	require.NoError(t, err)

	infer, err := p.Prune([]string{"words"}, []string{pred.Name})
	require.NoError(t, err)
	for _, op := range infer.Ops {
		assert.NotEqual(t, "square_error_cost", op.Type)
	}
	assert.Len(t, infer.DataVars(), 1)
	_, ok := infer.Var(loss.Name)
	assert.False(t, ok)

	_, err = p.Prune([]string{"words"}, []string{loss.Name})
	assert.ErrorContains(t, err, "not fed")
	_, err = p.Prune([]string{"fc_0.tmp_0"}, []string{pred.Name})
	assert.ErrorContains(t, err, "not a data variable")
	_, err = p.Prune([]string{"words"}, []string{"nope"})
	assert.Error(t, err)
}

func TestProgramJSONRoundTrip(t *testing.T) {
	b := NewBuilder()
	tinyNet(b)
	p, err := b.Program()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, p.Encode(&buf))
	q, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, p.Ops, q.Ops)
	assert.Equal(t, p.Params, q.Params)
	v, ok := q.Var("words")
	require.True(t, ok)
	assert.True(t, v.Sequence)

	_, err = Decode(bytes.NewBufferString(`{"vars":[],"ops":[{"type":"fc","inputs":["x"],"output":"y"}]}`))
	assert.Error(t, err)
}

func TestConvShapes(t *testing.T) {
	b := NewBuilder()
	img := b.Data(schema.FloatField("pixel", 3, 32, 32))
	conv := b.Conv2D(img, 8, ConvOptions{Filter: 3, Padding: 1}, ParamAttr{})
	pool := b.Pool2D(conv, 2, 2, 0, PoolMax)
	_, err := b.Program()
	require.NoError(t, err)
	assert.Equal(t, []int{8, 32, 32}, conv.Shape)
	assert.Equal(t, []int{8, 16, 16}, pool.Shape)
}
