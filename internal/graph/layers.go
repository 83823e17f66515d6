package graph

import (
	"graphforge/internal/tensor"
)

// Activations accepted by layers that take an act argument.
const (
	ActNone    = ""
	ActTanh    = "tanh"
	ActRelu    = "relu"
	ActSigmoid = "sigmoid"
	ActSoftmax = "softmax"
)

// Pooling types.
const (
	PoolSum     = "sum"
	PoolAverage = "average"
	PoolMax     = "max"
	PoolAvg     = "avg"
)

func validAct(act string) bool {
	switch act {
	case ActNone, ActTanh, ActRelu, ActSigmoid, ActSoftmax:
		return true
	}
	return false
}

// Embedding looks every id of x up in a [vocab, dim] table.
func (b *Builder) Embedding(x *Var, vocab, dim int, attr ParamAttr) *Var {
	if x.DType.IsFloat() || x.Width() != 1 {
		return b.fail("embedding input %q must be a single integer id per row", x.Name)
	}
	if vocab <= 0 || dim <= 0 {
		return b.fail("embedding size [%d, %d] must be positive", vocab, dim)
	}
	name := b.unique("embedding")
	table := b.param(attr, name+".w_0", []int{vocab, dim}, XavierInit)
	out := b.temp(name, tensor.Float64, []int{dim}, x.Sequence)
	return b.op("lookup_table", []string{x.Name}, []string{table}, out, Attrs{})
}

// FC is a fully connected layer over the flattened row of x.
func (b *Builder) FC(x *Var, size int, act string, attr ParamAttr) *Var {
	if size <= 0 {
		return b.fail("fc size must be positive, got %d", size)
	}
	if !validAct(act) {
		return b.fail("fc: unknown activation %q", act)
	}
	name := b.unique("fc")
	w := b.param(attr, name+".w_0", []int{x.Width(), size}, XavierInit)
	bias := b.param(ParamAttr{}, name+".b_0", []int{size}, ZeroInit)
	out := b.temp(name, tensor.Float64, []int{size}, x.Sequence)
	return b.op("fc", []string{x.Name}, []string{w, bias}, out, Attrs{Act: act})
}

// Concat joins rows of xs along the feature axis.
func (b *Builder) Concat(xs ...*Var) *Var {
	if len(xs) == 0 {
		return b.fail("concat of nothing")
	}
	width := 0
	for _, x := range xs {
		if x.Sequence != xs[0].Sequence {
			return b.fail("concat mixes sequence and non-sequence inputs")
		}
		width += x.Width()
	}
	name := b.unique("concat")
	out := b.temp(name, tensor.Float64, []int{width}, xs[0].Sequence)
	return b.op("concat", names(xs), nil, out, Attrs{})
}

// Sums adds xs element-wise.
func (b *Builder) Sums(xs ...*Var) *Var {
	if len(xs) == 0 {
		return b.fail("sums of nothing")
	}
	for _, x := range xs {
		if x.Width() != xs[0].Width() {
			return b.fail("sums: width %d of %q differs from %d", x.Width(), x.Name, xs[0].Width())
		}
	}
	name := b.unique("sum")
	out := b.temp(name, tensor.Float64, append([]int(nil), xs[0].Shape...), xs[0].Sequence)
	return b.op("sum", names(xs), nil, out, Attrs{})
}

// SequencePool reduces every sequence of x to one row.
func (b *Builder) SequencePool(x *Var, pool string) *Var {
	if !x.Sequence {
		return b.fail("sequence_pool input %q is not a sequence", x.Name)
	}
	switch pool {
	case PoolSum, PoolAverage, PoolMax:
	default:
		return b.fail("sequence_pool: unknown pool type %q", pool)
	}
	name := b.unique("sequence_pool")
	out := b.temp(name, tensor.Float64, append([]int(nil), x.Shape...), false)
	return b.op("sequence_pool", []string{x.Name}, nil, out, Attrs{Pool: pool})
}

// SequenceConv applies a context window of the given length to each
// sequence, zero-padding at the sequence boundaries.
func (b *Builder) SequenceConv(x *Var, filters, window int, act string, attr ParamAttr) *Var {
	if !x.Sequence {
		return b.fail("sequence_conv input %q is not a sequence", x.Name)
	}
	if filters <= 0 || window <= 0 {
		return b.fail("sequence_conv needs positive filters and window")
	}
	if !validAct(act) || act == ActSoftmax {
		return b.fail("sequence_conv: unsupported activation %q", act)
	}
	name := b.unique("sequence_conv")
	w := b.param(attr, name+".w_0", []int{window * x.Width(), filters}, XavierInit)
	bias := b.param(ParamAttr{}, name+".b_0", []int{filters}, ZeroInit)
	out := b.temp(name, tensor.Float64, []int{filters}, true)
	return b.op("sequence_conv", []string{x.Name}, []string{w, bias}, out, Attrs{Act: act, Window: window})
}

// SequenceConvPool is a sequence convolution followed by sequence pooling.
func (b *Builder) SequenceConvPool(x *Var, filters, window int, act, pool string) *Var {
	return b.SequencePool(b.SequenceConv(x, filters, window, act, ParamAttr{}), pool)
}

// CosSim is the row-wise cosine similarity of x and y.
func (b *Builder) CosSim(x, y *Var) *Var {
	if x.Width() != y.Width() {
		return b.fail("cos_sim widths differ: %d vs %d", x.Width(), y.Width())
	}
	name := b.unique("cos_sim")
	out := b.temp(name, tensor.Float64, []int{1}, x.Sequence)
	return b.op("cos_sim", []string{x.Name, y.Name}, nil, out, Attrs{})
}

// Scale multiplies x by s.
func (b *Builder) Scale(x *Var, s float64) *Var {
	name := b.unique("scale")
	out := b.temp(name, tensor.Float64, append([]int(nil), x.Shape...), x.Sequence)
	return b.op("scale", []string{x.Name}, nil, out, Attrs{Scale: s})
}

// SquareError is (pred - label)² per element.
func (b *Builder) SquareError(pred, label *Var) *Var {
	if pred.Width() != label.Width() {
		return b.fail("square_error_cost widths differ: %d vs %d", pred.Width(), label.Width())
	}
	name := b.unique("square_error_cost")
	out := b.temp(name, tensor.Float64, append([]int(nil), pred.Shape...), pred.Sequence)
	return b.op("square_error_cost", []string{pred.Name, label.Name}, nil, out, Attrs{})
}

// Mean averages every element of x into a scalar.
func (b *Builder) Mean(x *Var) *Var {
	name := b.unique("mean")
	out := b.temp(name, tensor.Float64, []int{1}, false)
	return b.op("mean", []string{x.Name}, nil, out, Attrs{})
}

// CrossEntropy is -log(prob[label]) per row.
func (b *Builder) CrossEntropy(prob, label *Var) *Var {
	if label.DType.IsFloat() || label.Width() != 1 {
		return b.fail("cross_entropy label %q must be one integer per row", label.Name)
	}
	name := b.unique("cross_entropy")
	out := b.temp(name, tensor.Float64, []int{1}, prob.Sequence)
	return b.op("cross_entropy", []string{prob.Name, label.Name}, nil, out, Attrs{})
}

// LSTMOptions configures LSTM activations and direction.
type LSTMOptions struct {
	Reverse bool
	GateAct string
	CellAct string
	CandAct string
}

// LSTM runs a recurrent layer over every sequence of x, including the input
// projection.
func (b *Builder) LSTM(x *Var, size int, opts LSTMOptions, attr ParamAttr) *Var {
	if !x.Sequence {
		return b.fail("lstm input %q is not a sequence", x.Name)
	}
	if size <= 0 {
		return b.fail("lstm size must be positive")
	}
	if opts.GateAct == "" {
		opts.GateAct = ActSigmoid
	}
	if opts.CellAct == "" {
		opts.CellAct = ActTanh
	}
	if opts.CandAct == "" {
		opts.CandAct = ActTanh
	}
	for _, act := range []string{opts.GateAct, opts.CellAct, opts.CandAct} {
		if act == ActNone || act == ActSoftmax || !validAct(act) {
			return b.fail("lstm: unsupported activation %q", act)
		}
	}
	name := b.unique("lstm")
	wx := b.param(attr, name+".w_0", []int{x.Width(), 4 * size}, XavierInit)
	wh := b.param(ParamAttr{}, name+".w_1", []int{size, 4 * size}, XavierInit)
	bias := b.param(ParamAttr{}, name+".b_0", []int{4 * size}, ZeroInit)
	out := b.temp(name, tensor.Float64, []int{size}, true)
	return b.op("lstm", []string{x.Name}, []string{wx, wh, bias}, out, Attrs{
		Reverse: opts.Reverse,
		GateAct: opts.GateAct,
		CellAct: opts.CellAct,
		CandAct: opts.CandAct,
	})
}

func (b *Builder) crfParam(emission *Var, attr ParamAttr) string {
	tags := emission.Width()
	return b.param(attr, b.unique("crf")+".w_0", []int{tags + 2, tags}, NormalInit(0.01))
}

// LinearChainCRF is the negative log-likelihood of label under a linear-chain
// CRF over emission, one row per sequence. The transition parameter has
// shape [tags+2, tags]: row 0 holds start weights, row 1 end weights.
func (b *Builder) LinearChainCRF(emission, label *Var, attr ParamAttr) *Var {
	if !emission.Sequence || !label.Sequence {
		return b.fail("linear_chain_crf needs sequence emission and label")
	}
	if label.DType.IsFloat() || label.Width() != 1 {
		return b.fail("linear_chain_crf label %q must be one integer per row", label.Name)
	}
	trans := b.crfParam(emission, attr)
	name := b.unique("linear_chain_crf")
	out := b.temp(name, tensor.Float64, []int{1}, false)
	return b.op("linear_chain_crf", []string{emission.Name, label.Name}, []string{trans}, out, Attrs{})
}

// CRFDecoding returns the Viterbi tag path of every sequence.
func (b *Builder) CRFDecoding(emission *Var, attr ParamAttr) *Var {
	if !emission.Sequence {
		return b.fail("crf_decoding needs a sequence emission")
	}
	trans := b.crfParam(emission, attr)
	name := b.unique("crf_decoding")
	out := b.temp(name, tensor.Int64, []int{1}, true)
	return b.op("crf_decoding", []string{emission.Name}, []string{trans}, out, Attrs{})
}

// ConvOptions configures Conv2D.
type ConvOptions struct {
	Filter  int
	Stride  int
	Padding int
	Act     string
	NoBias  bool
}

// Conv2D convolves a [C, H, W] input with Filters kernels.
func (b *Builder) Conv2D(x *Var, filters int, opts ConvOptions, attr ParamAttr) *Var {
	if len(x.Shape) != 3 {
		return b.fail("conv2d input %q must be [C, H, W], got %v", x.Name, x.Shape)
	}
	if opts.Stride == 0 {
		opts.Stride = 1
	}
	if filters <= 0 || opts.Filter <= 0 {
		return b.fail("conv2d needs positive filters and filter size")
	}
	if opts.Act == ActSoftmax || !validAct(opts.Act) {
		return b.fail("conv2d: unsupported activation %q", opts.Act)
	}
	c, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	oh := (h+2*opts.Padding-opts.Filter)/opts.Stride + 1
	ow := (w+2*opts.Padding-opts.Filter)/opts.Stride + 1
	if oh <= 0 || ow <= 0 {
		return b.fail("conv2d on %v with filter %d leaves no output", x.Shape, opts.Filter)
	}
	name := b.unique("conv2d")
	params := []string{b.param(attr, name+".w_0", []int{filters, c * opts.Filter * opts.Filter}, XavierInit)}
	if !opts.NoBias {
		params = append(params, b.param(ParamAttr{}, name+".b_0", []int{filters}, ZeroInit))
	}
	out := b.temp(name, tensor.Float64, []int{filters, oh, ow}, false)
	return b.op("conv2d", []string{x.Name}, params, out, Attrs{
		Act:     opts.Act,
		Filter:  opts.Filter,
		Stride:  opts.Stride,
		Padding: opts.Padding,
	})
}

// BatchNormMomentum is the decay of the running statistics kept by
// BatchNorm.
const BatchNormMomentum = 0.9

// BatchNorm normalizes each channel (first per-row dimension) and applies a
// learned scale and shift. Training passes use batch statistics and fold
// them into the frozen running mean (.w_1) and variance (.w_2), which
// inference passes normalize with.
func (b *Builder) BatchNorm(x *Var, act string) *Var {
	if act == ActSoftmax || !validAct(act) {
		return b.fail("batch_norm: unsupported activation %q", act)
	}
	channels := x.Shape[0]
	name := b.unique("batch_norm")
	scale := b.param(ParamAttr{}, name+".w_0", []int{channels}, OneInit)
	shift := b.param(ParamAttr{}, name+".b_0", []int{channels}, ZeroInit)
	mean := b.param(ParamAttr{Frozen: true}, name+".w_1", []int{channels}, ZeroInit)
	variance := b.param(ParamAttr{Frozen: true}, name+".w_2", []int{channels}, OneInit)
	out := b.temp(name, tensor.Float64, append([]int(nil), x.Shape...), x.Sequence)
	return b.op("batch_norm", []string{x.Name}, []string{scale, shift, mean, variance}, out,
		Attrs{Act: act, Epsilon: 1e-5, Momentum: BatchNormMomentum})
}

// Pool2D pools a [C, H, W] input with a square window.
func (b *Builder) Pool2D(x *Var, size, stride, padding int, pool string) *Var {
	if len(x.Shape) != 3 {
		return b.fail("pool2d input %q must be [C, H, W], got %v", x.Name, x.Shape)
	}
	if pool != PoolMax && pool != PoolAvg {
		return b.fail("pool2d: unknown pool type %q", pool)
	}
	if stride == 0 {
		stride = 1
	}
	c, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	oh := (h+2*padding-size)/stride + 1
	ow := (w+2*padding-size)/stride + 1
	if size <= 0 || oh <= 0 || ow <= 0 {
		return b.fail("pool2d window %d does not fit %v", size, x.Shape)
	}
	name := b.unique("pool2d")
	out := b.temp(name, tensor.Float64, []int{c, oh, ow}, false)
	return b.op("pool2d", []string{x.Name}, nil, out, Attrs{Pool: pool, Filter: size, Stride: stride, Padding: padding})
}

// Dropout zeroes elements with probability prob while training and scales
// the survivors; it is the identity at inference.
func (b *Builder) Dropout(x *Var, prob float64) *Var {
	if prob < 0 || prob >= 1 {
		return b.fail("dropout probability %v out of [0, 1)", prob)
	}
	name := b.unique("dropout")
	out := b.temp(name, tensor.Float64, append([]int(nil), x.Shape...), x.Sequence)
	return b.op("dropout", []string{x.Name}, nil, out, Attrs{Prob: prob})
}

// ElementwiseAdd adds two same-shaped inputs and applies act.
func (b *Builder) ElementwiseAdd(x, y *Var, act string) *Var {
	if !equalInts(x.Shape, y.Shape) {
		return b.fail("elementwise_add shapes differ: %v vs %v", x.Shape, y.Shape)
	}
	if act == ActSoftmax || !validAct(act) {
		return b.fail("elementwise_add: unsupported activation %q", act)
	}
	name := b.unique("elementwise_add")
	out := b.temp(name, tensor.Float64, append([]int(nil), x.Shape...), x.Sequence)
	return b.op("elementwise_add", []string{x.Name, y.Name}, nil, out, Attrs{Act: act})
}
