package exec

import (
	"context"
	"fmt"
	"math/rand"

	"k8s.io/klog/v2"

	"graphforge/internal/device"
	"graphforge/internal/graph"
	"graphforge/internal/tensor"
)

// Executor interprets programs on a place.
type Executor struct {
	place device.Place
}

// NewExecutor returns an executor for place.
func NewExecutor(place device.Place) *Executor {
	klog.V(1).Infof("executor place=%s", place)
	return &Executor{place: place}
}

// Place returns where the executor runs.
func (e *Executor) Place() device.Place { return e.place }

// RunOptions configures one forward pass.
type RunOptions struct {
	// Train enables dropout and records what Backward needs.
	Train bool
	// Seed drives dropout masks.
	Seed int64
}

// Frame holds the values produced by one forward pass.
type Frame struct {
	prog   *graph.Program
	scope  *Scope
	values map[string]*tensor.Tensor
	aux    []any
	rng    *rand.Rand
	train  bool
	ran    bool
}

// Forward checks feed against the program's data variables and runs every
// op in order.
func (e *Executor) Forward(ctx context.Context, prog *graph.Program, scope *Scope, feed map[string]*tensor.Tensor, opts RunOptions) (*Frame, error) {
	f := &Frame{
		prog:   prog,
		scope:  scope,
		values: make(map[string]*tensor.Tensor, len(prog.Vars)),
		aux:    make([]any, len(prog.Ops)),
		rng:    rand.New(rand.NewSource(opts.Seed)),
		train:  opts.Train,
	}
	for _, v := range prog.DataVars() {
		t, ok := feed[v.Name]
		if !ok {
			return nil, fmt.Errorf("exec: data %q not fed", v.Name)
		}
		if err := checkFeed(v, t); err != nil {
			return nil, err
		}
		f.values[v.Name] = t
	}
	for i := range prog.Ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		op := &prog.Ops[i]
		k, ok := kernels[op.Type]
		if !ok {
			return nil, fmt.Errorf("exec: no kernel for op %q", op.Type)
		}
		c, err := f.opContext(i)
		if err != nil {
			return nil, err
		}
		out, err := k.forward(c)
		if err != nil {
			return nil, fmt.Errorf("exec: %s -> %s: %w", op.Type, op.Output, err)
		}
		f.values[op.Output] = out
	}
	f.ran = true
	return f, nil
}

func checkFeed(v *graph.Var, t *tensor.Tensor) error {
	if t == nil {
		return fmt.Errorf("exec: data %q fed nil", v.Name)
	}
	if v.DType.IsFloat() != t.DType.IsFloat() {
		return fmt.Errorf("exec: data %q wants %s, fed %s", v.Name, v.DType, t.DType)
	}
	if t.Cols() != v.Width() {
		return fmt.Errorf("exec: data %q wants %d values per row, fed shape %v", v.Name, v.Width(), t.Shape)
	}
	n := len(t.Float)
	if !t.DType.IsFloat() {
		n = len(t.Int)
	}
	if n != t.Len() {
		return fmt.Errorf("exec: data %q shape %v does not match %d values", v.Name, t.Shape, n)
	}
	if v.Sequence && len(t.LoD) == 0 {
		return fmt.Errorf("exec: sequence data %q fed without lod", v.Name)
	}
	if err := tensor.ValidateLoD(t.LoD, t.Rows()); err != nil {
		return fmt.Errorf("exec: data %q: %w", v.Name, err)
	}
	return nil
}

// Value returns a value computed (or fed) during the pass.
func (f *Frame) Value(name string) (*tensor.Tensor, bool) {
	t, ok := f.values[name]
	return t, ok
}

// Fetch returns the named values in order.
func (f *Frame) Fetch(names ...string) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(names))
	for i, name := range names {
		t, ok := f.values[name]
		if !ok {
			return nil, fmt.Errorf("exec: fetch %q: not computed", name)
		}
		out[i] = t
	}
	return out, nil
}

// Backward propagates d(loss)/d(loss) = 1 through the recorded pass and
// returns the gradient of every parameter that influences loss.
func (f *Frame) Backward(loss string) (map[string]*tensor.Tensor, error) {
	if !f.ran || !f.train {
		return nil, fmt.Errorf("exec: backward needs a completed training pass")
	}
	lv, ok := f.values[loss]
	if !ok {
		return nil, fmt.Errorf("exec: loss %q not computed", loss)
	}
	if lv.Len() != 1 {
		return nil, fmt.Errorf("exec: loss %q must be a scalar, has shape %v", loss, lv.Shape)
	}
	grads := map[string]*tensor.Tensor{loss: tensor.ZerosLike(lv)}
	grads[loss].Float[0] = 1

	for i := len(f.prog.Ops) - 1; i >= 0; i-- {
		op := &f.prog.Ops[i]
		dout, ok := grads[op.Output]
		if !ok {
			continue
		}
		k := kernels[op.Type]
		if k.backward == nil {
			continue
		}
		c, err := f.opContext(i)
		if err != nil {
			return nil, err
		}
		c.out = f.values[op.Output]
		c.dout = dout
		c.grads = grads
		if err := k.backward(c); err != nil {
			return nil, fmt.Errorf("exec: backward %s -> %s: %w", op.Type, op.Output, err)
		}
	}

	out := make(map[string]*tensor.Tensor)
	for _, spec := range f.prog.Params {
		if g, ok := grads[spec.Name]; ok {
			out[spec.Name] = g
		}
	}
	return out, nil
}

func (f *Frame) opContext(i int) (*opContext, error) {
	op := &f.prog.Ops[i]
	c := &opContext{frame: f, op: op, index: i}
	c.in = make([]*tensor.Tensor, len(op.Inputs))
	for j, name := range op.Inputs {
		t, ok := f.values[name]
		if !ok {
			return nil, fmt.Errorf("exec: op %s reads %q before it is computed", op.Type, name)
		}
		c.in[j] = t
	}
	c.params = make([]*tensor.Tensor, len(op.Params))
	for j, name := range op.Params {
		t, ok := f.scope.Get(name)
		if !ok {
			return nil, fmt.Errorf("exec: parameter %q not initialized", name)
		}
		c.params[j] = t
	}
	return c, nil
}

// opContext is what a kernel sees of the frame.
type opContext struct {
	frame  *Frame
	op     *graph.Op
	index  int
	in     []*tensor.Tensor
	params []*tensor.Tensor
	out    *tensor.Tensor
	dout   *tensor.Tensor
	grads  map[string]*tensor.Tensor
}

func (c *opContext) attrs() graph.Attrs { return c.op.Attrs }

func (c *opContext) setAux(v any) {
	if c.frame.train {
		c.frame.aux[c.index] = v
	}
}

func (c *opContext) getAux() any { return c.frame.aux[c.index] }

func (c *opContext) training() bool { return c.frame.train }

func (c *opContext) rng() *rand.Rand { return c.frame.rng }

// gradIn returns the accumulator for the gradient of input i.
func (c *opContext) gradIn(i int) *tensor.Tensor {
	return c.accumulator(c.op.Inputs[i], c.in[i])
}

// gradParam returns the accumulator for the gradient of parameter i.
func (c *opContext) gradParam(i int) *tensor.Tensor {
	return c.accumulator(c.op.Params[i], c.params[i])
}

func (c *opContext) accumulator(name string, like *tensor.Tensor) *tensor.Tensor {
	g, ok := c.grads[name]
	if !ok {
		g = tensor.ZerosLike(like)
		c.grads[name] = g
	}
	return g
}

type kernel struct {
	forward  func(c *opContext) (*tensor.Tensor, error)
	backward func(c *opContext) error
}

var kernels = map[string]kernel{}

func register(name string, k kernel) {
	if _, dup := kernels[name]; dup {
		panic("exec: kernel registered twice: " + name)
	}
	kernels[name] = k
}

// Kernels lists the op types the executor can run.
func Kernels() []string {
	out := make([]string, 0, len(kernels))
	for name := range kernels {
		out = append(out, name)
	}
	return out
}
