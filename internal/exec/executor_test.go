package exec

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphforge/internal/device"
	"graphforge/internal/graph"
	"graphforge/internal/schema"
	"graphforge/internal/tensor"
)

func forwardLoss(t *testing.T, prog *graph.Program, scope *Scope, feed map[string]*tensor.Tensor, loss string) float64 {
	t.Helper()
	f, err := NewExecutor(device.CPU()).Forward(context.Background(), prog, scope, feed, RunOptions{Train: true, Seed: 3})
	require.NoError(t, err)
	out, err := f.Fetch(loss)
	require.NoError(t, err)
	return out[0].Scalar()
}

// checkGrads compares analytic parameter gradients with central differences.
func checkGrads(t *testing.T, prog *graph.Program, scope *Scope, feed map[string]*tensor.Tensor, loss string) {
	t.Helper()
	f, err := NewExecutor(device.CPU()).Forward(context.Background(), prog, scope, feed, RunOptions{Train: true, Seed: 3})
	require.NoError(t, err)
	grads, err := f.Backward(loss)
	require.NoError(t, err)

	const h = 1e-5
	rng := rand.New(rand.NewSource(11))
	for _, spec := range prog.Params {
		g, ok := grads[spec.Name]
		if !ok && !spec.Trainable {
			continue
		}
		require.True(t, ok, "no gradient for %s", spec.Name)
		p, _ := scope.Get(spec.Name)
		for n := 0; n < 6; n++ {
			i := rng.Intn(len(p.Float))
			orig := p.Float[i]
			p.Float[i] = orig + h
			plus := forwardLoss(t, prog, scope, feed, loss)
			p.Float[i] = orig - h
			minus := forwardLoss(t, prog, scope, feed, loss)
			p.Float[i] = orig
			num := (plus - minus) / (2 * h)
			assert.InDelta(t, num, g.Float[i], 1e-5+1e-3*math.Abs(num), "%s[%d]", spec.Name, i)
		}
	}
}

func build(t *testing.T, fn func(b *graph.Builder) *graph.Var) (*graph.Program, string) {
	t.Helper()
	b := graph.NewBuilder()
	loss := fn(b)
	prog, err := b.Program()
	require.NoError(t, err)
	return prog, loss.Name
}

func initScope(t *testing.T, prog *graph.Program) *Scope {
	t.Helper()
	s := NewScope()
	require.NoError(t, s.Init(prog, 7))
	return s
}

func floats(t *testing.T, shape []int, data ...float64) *tensor.Tensor {
	t.Helper()
	out, err := tensor.FromFloats(shape, data)
	require.NoError(t, err)
	return out
}

func TestGradientsDenseTowers(t *testing.T) {
	prog, loss := build(t, func(b *graph.Builder) *graph.Var {
		id := b.Data(schema.IntField("id"))
		feat := b.Data(schema.FloatField("feat", 3))
		score := b.Data(schema.FloatField("score", 1))
		left := b.FC(b.Embedding(id, 5, 4, graph.ParamAttr{}), 4, graph.ActTanh, graph.ParamAttr{})
		right := b.FC(feat, 4, graph.ActSigmoid, graph.ParamAttr{})
		joined := b.FC(b.Concat(left, right), 4, graph.ActTanh, graph.ParamAttr{})
		sim := b.Scale(b.CosSim(joined, right), 5)
		return b.Mean(b.SquareError(sim, score))
	})
	scope := initScope(t, prog)
	ids, err := tensor.FromInts([]int{3, 1}, []int64{0, 4, 2})
	require.NoError(t, err)
	feed := map[string]*tensor.Tensor{
		"id":    ids,
		"feat":  floats(t, []int{3, 3}, 0.1, -0.4, 0.7, 0.3, 0.2, -0.9, -0.5, 0.6, 0.05),
		"score": floats(t, []int{3, 1}, 4, 1, 3),
	}
	checkGrads(t, prog, scope, feed, loss)
}

func TestGradientsSequenceLayers(t *testing.T) {
	for _, pool := range []string{graph.PoolSum, graph.PoolAverage} {
		t.Run(pool, func(t *testing.T) {
			prog, loss := build(t, func(b *graph.Builder) *graph.Var {
				words := b.Data(schema.IntSequence("words"))
				emb := b.Embedding(words, 6, 3, graph.ParamAttr{})
				conv := b.SequenceConvPool(emb, 4, 3, graph.ActTanh, pool)
				return b.Mean(b.FC(conv, 2, graph.ActTanh, graph.ParamAttr{}))
			})
			feed := map[string]*tensor.Tensor{
				"words": tensor.FromSequences([][]int64{{1, 2, 5, 0}, {3}, {4, 4}}),
			}
			checkGrads(t, prog, initScope(t, prog), feed, loss)
		})
	}
}

func TestGradientsLSTMAndCRF(t *testing.T) {
	prog, loss := build(t, func(b *graph.Builder) *graph.Var {
		words := b.Data(schema.IntSequence("words"))
		label := b.Data(schema.IntSequence("label"))
		emb := b.Embedding(words, 6, 3, graph.ParamAttr{})
		fwd := b.LSTM(b.FC(emb, 8, graph.ActNone, graph.ParamAttr{}), 2, graph.LSTMOptions{}, graph.ParamAttr{})
		bwd := b.LSTM(fwd, 2, graph.LSTMOptions{Reverse: true, CandAct: graph.ActTanh, GateAct: graph.ActSigmoid, CellAct: graph.ActSigmoid}, graph.ParamAttr{})
		emission := b.Sums(b.FC(fwd, 3, graph.ActNone, graph.ParamAttr{}), b.FC(bwd, 3, graph.ActNone, graph.ParamAttr{}))
		return b.Mean(b.LinearChainCRF(emission, label, graph.Named("crfw")))
	})
	feed := map[string]*tensor.Tensor{
		"words": tensor.FromSequences([][]int64{{1, 2, 5}, {3, 0, 4, 2}}),
		"label": tensor.FromSequences([][]int64{{0, 1, 2}, {2, 2, 1, 0}}),
	}
	checkGrads(t, prog, initScope(t, prog), feed, loss)
}

func TestGradientsImageLayers(t *testing.T) {
	prog, loss := build(t, func(b *graph.Builder) *graph.Var {
		pixel := b.Data(schema.FloatField("pixel", 2, 4, 4))
		label := b.Data(schema.IntField("label"))
		conv := b.Conv2D(pixel, 3, graph.ConvOptions{Filter: 3, Padding: 1}, graph.ParamAttr{})
		bn := b.BatchNorm(conv, graph.ActTanh)
		pool := b.Pool2D(bn, 2, 2, 0, graph.PoolAvg)
		short := b.Conv2D(pixel, 3, graph.ConvOptions{Filter: 1, Stride: 2, NoBias: true}, graph.ParamAttr{})
		res := b.ElementwiseAdd(pool, short, graph.ActTanh)
		prob := b.FC(res, 4, graph.ActSoftmax, graph.ParamAttr{})
		return b.Mean(b.CrossEntropy(prob, label))
	})
	rng := rand.New(rand.NewSource(5))
	data := make([]float64, 3*2*4*4)
	for i := range data {
		data[i] = rng.Float64()*2 - 1
	}
	labels, err := tensor.FromInts([]int{3, 1}, []int64{0, 3, 1})
	require.NoError(t, err)
	feed := map[string]*tensor.Tensor{
		"pixel": floats(t, []int{3, 2, 4, 4}, data...),
		"label": labels,
	}
	checkGrads(t, prog, initScope(t, prog), feed, loss)
}

func TestCRFMatchesEnumeration(t *testing.T) {
	const tags = 3
	prog, loss := build(t, func(b *graph.Builder) *graph.Var {
		em := b.Data(schema.Field{Name: "em", DType: tensor.Float32, Shape: []int{tags}, Sequence: true})
		label := b.Data(schema.IntSequence("label"))
		b.CRFDecoding(em, graph.Named("crfw"))
		return b.LinearChainCRF(em, label, graph.Named("crfw"))
	})
	scope := initScope(t, prog)
	w, _ := scope.Get("crfw")
	rng := rand.New(rand.NewSource(9))
	for i := range w.Float {
		w.Float[i] = rng.NormFloat64()
	}
	emissions := floats(t, []int{3, tags}, 0.5, -1, 0.2, 1.1, 0.3, -0.7, -0.2, 0.9, 0.4)
	require.NoError(t, emissions.SetLoD([]int{0, 3}))
	label := tensor.FromSequences([][]int64{{2, 0, 1}})

	f, err := NewExecutor(device.CPU()).Forward(context.Background(), prog, scope, map[string]*tensor.Tensor{"em": emissions, "label": label}, RunOptions{})
	require.NoError(t, err)

	cw, err := newCRFWeights(w, tags)
	require.NoError(t, err)
	var scores []float64
	best, bestPath := math.Inf(-1), []int64(nil)
	for a := 0; a < tags; a++ {
		for b := 0; b < tags; b++ {
			for c := 0; c < tags; c++ {
				path := []int64{int64(a), int64(b), int64(c)}
				s := cw.pathScore(emissions, path, 0, 3)
				scores = append(scores, s)
				if s > best {
					best, bestPath = s, path
				}
			}
		}
	}
	want := logSumExp(scores) - cw.pathScore(emissions, label.Int, 0, 3)

	nll, err := f.Fetch(loss)
	require.NoError(t, err)
	assert.InDelta(t, want, nll[0].Scalar(), 1e-9)

	decoded, ok := f.Value("crf_decoding_0.tmp_0")
	require.True(t, ok)
	assert.Equal(t, bestPath, decoded.Int)
	assert.Equal(t, []int{0, 3}, decoded.LoD)
}

func TestSequencePoolMax(t *testing.T) {
	prog, _ := build(t, func(b *graph.Builder) *graph.Var {
		x := b.Data(schema.Field{Name: "x", DType: tensor.Float32, Shape: []int{2}, Sequence: true})
		return b.SequencePool(x, graph.PoolMax)
	})
	x := floats(t, []int{3, 2}, 1, 5, 3, 2, 7, -1)
	require.NoError(t, x.SetLoD([]int{0, 2, 3}))
	f, err := NewExecutor(device.CPU()).Forward(context.Background(), prog, NewScope(), map[string]*tensor.Tensor{"x": x}, RunOptions{})
	require.NoError(t, err)
	out, _ := f.Value("sequence_pool_0.tmp_0")
	assert.Equal(t, []int{2, 2}, out.Shape)
	assert.Equal(t, []float64{3, 5, 7, -1}, out.Float)
	assert.Nil(t, out.LoD)
}

func TestDropoutIsIdentityAtInference(t *testing.T) {
	prog, _ := build(t, func(b *graph.Builder) *graph.Var {
		return b.Dropout(b.Data(schema.FloatField("x", 4)), 0.5)
	})
	x := floats(t, []int{1, 4}, 1, 2, 3, 4)
	feed := map[string]*tensor.Tensor{"x": x}
	ex := NewExecutor(device.CPU())

	f, err := ex.Forward(context.Background(), prog, NewScope(), feed, RunOptions{})
	require.NoError(t, err)
	out, _ := f.Value("dropout_0.tmp_0")
	assert.Equal(t, x.Float, out.Float)

	f, err = ex.Forward(context.Background(), prog, NewScope(), feed, RunOptions{Train: true, Seed: 1})
	require.NoError(t, err)
	out, _ = f.Value("dropout_0.tmp_0")
	for i, v := range out.Float {
		assert.True(t, v == 0 || v == 2*x.Float[i], "element %d = %v", i, v)
	}
}

func TestForwardRejectsBadFeeds(t *testing.T) {
	prog, _ := build(t, func(b *graph.Builder) *graph.Var {
		w := b.Data(schema.IntSequence("words"))
		return b.SequencePool(b.Embedding(w, 4, 2, graph.ParamAttr{}), graph.PoolSum)
	})
	scope := initScope(t, prog)
	ex := NewExecutor(device.CPU())
	ctx := context.Background()

	_, err := ex.Forward(ctx, prog, scope, map[string]*tensor.Tensor{}, RunOptions{})
	assert.ErrorContains(t, err, "not fed")

	flat, _ := tensor.FromInts([]int{2, 1}, []int64{1, 2})
	_, err = ex.Forward(ctx, prog, scope, map[string]*tensor.Tensor{"words": flat}, RunOptions{})
	assert.ErrorContains(t, err, "without lod")

	bad := tensor.FromSequences([][]int64{{1, 2}})
	bad.LoD = []int{0, 3}
	_, err = ex.Forward(ctx, prog, scope, map[string]*tensor.Tensor{"words": bad}, RunOptions{})
	assert.ErrorIs(t, err, tensor.ErrInvalidLoD)

	oov := tensor.FromSequences([][]int64{{1, 9}})
	_, err = ex.Forward(ctx, prog, scope, map[string]*tensor.Tensor{"words": oov}, RunOptions{})
	assert.ErrorContains(t, err, "outside vocabulary")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ex.Forward(cancelled, prog, scope, map[string]*tensor.Tensor{"words": tensor.FromSequences([][]int64{{1}})}, RunOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackwardNeedsTrainingPass(t *testing.T) {
	prog, loss := build(t, func(b *graph.Builder) *graph.Var {
		return b.Mean(b.FC(b.Data(schema.FloatField("x", 2)), 1, graph.ActNone, graph.ParamAttr{}))
	})
	f, err := NewExecutor(device.CPU()).Forward(context.Background(), prog, initScope(t, prog), map[string]*tensor.Tensor{"x": floats(t, []int{1, 2}, 1, 2)}, RunOptions{})
	require.NoError(t, err)
	_, err = f.Backward(loss)
	assert.Error(t, err)
}

func TestScopeInit(t *testing.T) {
	prog, _ := build(t, func(b *graph.Builder) *graph.Var {
		return b.FC(b.Data(schema.FloatField("x", 3)), 2, graph.ActNone, graph.ParamAttr{})
	})
	a, b := NewScope(), NewScope()
	require.NoError(t, a.Init(prog, 1))
	require.NoError(t, b.Init(prog, 1))
	wa, _ := a.Get("fc_0.w_0")
	wb, _ := b.Get("fc_0.w_0")
	assert.Equal(t, wa.Float, wb.Float)
	bias, _ := a.Get("fc_0.b_0")
	assert.Equal(t, []float64{0, 0}, bias.Float)
	assert.Equal(t, []string{"fc_0.b_0", "fc_0.w_0"}, a.Names())

	pre := NewScope()
	pre.Set("fc_0.w_0", tensor.Zeros(3, 2))
	require.NoError(t, pre.Init(prog, 1))
	w, _ := pre.Get("fc_0.w_0")
	assert.Equal(t, make([]float64, 6), w.Float)

	wrong := NewScope()
	wrong.Set("fc_0.w_0", tensor.Zeros(2, 2))
	assert.Error(t, wrong.Init(prog, 1))
}

func TestBatchNormTracksRunningStatistics(t *testing.T) {
	prog, _ := build(t, func(b *graph.Builder) *graph.Var {
		x := b.Data(schema.FloatField("x", 2))
		return b.BatchNorm(x, graph.ActNone)
	})
	mean, ok := prog.Param("batch_norm_0.w_1")
	require.True(t, ok)
	assert.False(t, mean.Trainable)
	variance, ok := prog.Param("batch_norm_0.w_2")
	require.True(t, ok)
	assert.False(t, variance.Trainable)

	scope := initScope(t, prog)
	ex := NewExecutor(device.CPU())
	batch := map[string]*tensor.Tensor{"x": floats(t, []int{2, 2}, 1, 10, 3, 30)}
	_, err := ex.Forward(context.Background(), prog, scope, batch, RunOptions{Train: true})
	require.NoError(t, err)

	// batch means 2 and 20, variances 1 and 100, folded in with momentum 0.9
	m, _ := scope.Get("batch_norm_0.w_1")
	v, _ := scope.Get("batch_norm_0.w_2")
	assert.InDeltaSlice(t, []float64{0.2, 2}, m.Float, 1e-12)
	assert.InDeltaSlice(t, []float64{1, 10.9}, v.Float, 1e-12)

	// a single row is normalized with the running statistics, not its own
	single := map[string]*tensor.Tensor{"x": floats(t, []int{1, 2}, 5, 50)}
	f, err := ex.Forward(context.Background(), prog, scope, single, RunOptions{})
	require.NoError(t, err)
	out, err := f.Fetch(prog.Ops[0].Output)
	require.NoError(t, err)
	assert.InDelta(t, (5-0.2)/math.Sqrt(1+1e-5), out[0].Float[0], 1e-9)
	assert.InDelta(t, (50-2)/math.Sqrt(10.9+1e-5), out[0].Float[1], 1e-9)

	other := map[string]*tensor.Tensor{"x": floats(t, []int{1, 2}, -5, 0)}
	f, err = ex.Forward(context.Background(), prog, scope, other, RunOptions{})
	require.NoError(t, err)
	out2, err := f.Fetch(prog.Ops[0].Output)
	require.NoError(t, err)
	assert.NotEqual(t, out[0].Float, out2[0].Float, "inference output depends on the input")
	assert.InDeltaSlice(t, []float64{0.2, 2}, m.Float, 1e-12, "inference leaves running statistics alone")
}
