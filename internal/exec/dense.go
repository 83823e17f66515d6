package exec

import (
	"fmt"

	"graphforge/internal/tensor"
)

func init() {
	register("lookup_table", kernel{forward: lookupForward, backward: lookupBackward})
	register("fc", kernel{forward: fcForward, backward: fcBackward})
	register("concat", kernel{forward: concatForward, backward: concatBackward})
	register("sum", kernel{forward: sumForward, backward: sumBackward})
	register("scale", kernel{forward: scaleForward, backward: scaleBackward})
	register("elementwise_add", kernel{forward: addForward, backward: addBackward})
	register("dropout", kernel{forward: dropoutForward, backward: dropoutBackward})
}

// withLoD copies the offset table of src onto t.
func withLoD(t, src *tensor.Tensor) *tensor.Tensor {
	if src.LoD != nil {
		t.LoD = append([]int(nil), src.LoD...)
	}
	return t
}

func lookupForward(c *opContext) (*tensor.Tensor, error) {
	ids, table := c.in[0], c.params[0]
	vocab, dim := table.Rows(), table.Cols()
	out := withLoD(tensor.Zeros(ids.Rows(), dim), ids)
	for i, id := range ids.Int {
		if id < 0 || int(id) >= vocab {
			return nil, fmt.Errorf("id %d at row %d outside vocabulary of %d", id, i, vocab)
		}
		copy(out.Row(i), table.Row(int(id)))
	}
	return out, nil
}

func lookupBackward(c *opContext) error {
	ids := c.in[0]
	dt := c.gradParam(0)
	for i, id := range ids.Int {
		row := dt.Row(int(id))
		for j, g := range c.dout.Row(i) {
			row[j] += g
		}
	}
	return nil
}

func fcForward(c *opContext) (*tensor.Tensor, error) {
	x, w, b := c.in[0], c.params[0], c.params[1]
	in, size := w.Rows(), w.Cols()
	if x.Cols() != in {
		return nil, fmt.Errorf("input has %d columns, weight expects %d", x.Cols(), in)
	}
	n := x.Rows()
	out := withLoD(tensor.Zeros(n, size), x)
	for r := 0; r < n; r++ {
		xr := x.Row(r)
		yr := out.Row(r)
		copy(yr, b.Float)
		for k, xv := range xr {
			if xv == 0 {
				continue
			}
			wk := w.Float[k*size : (k+1)*size]
			for j := range yr {
				yr[j] += xv * wk[j]
			}
		}
	}
	applyRows(c.attrs().Act, out.Float, size)
	return out, nil
}

func fcBackward(c *opContext) error {
	x, w := c.in[0], c.params[0]
	size := w.Cols()
	dz, err := activationGrad(c.attrs().Act, c.out.Float, c.dout.Float, size)
	if err != nil {
		return err
	}
	dx, dw, db := c.gradIn(0), c.gradParam(0), c.gradParam(1)
	for r := 0; r < x.Rows(); r++ {
		xr := x.Row(r)
		dxr := dx.Row(r)
		dzr := dz[r*size : (r+1)*size]
		for j, g := range dzr {
			db.Float[j] += g
		}
		for k, xv := range xr {
			wk := w.Float[k*size : (k+1)*size]
			dwk := dw.Float[k*size : (k+1)*size]
			acc := 0.0
			for j, g := range dzr {
				dwk[j] += xv * g
				acc += g * wk[j]
			}
			dxr[k] += acc
		}
	}
	return nil
}

func concatForward(c *opContext) (*tensor.Tensor, error) {
	n := c.in[0].Rows()
	width := 0
	for _, x := range c.in {
		if x.Rows() != n {
			return nil, fmt.Errorf("inputs have %d and %d rows", n, x.Rows())
		}
		width += x.Cols()
	}
	out := withLoD(tensor.Zeros(n, width), c.in[0])
	for r := 0; r < n; r++ {
		row := out.Row(r)
		off := 0
		for _, x := range c.in {
			off += copy(row[off:], x.Row(r))
		}
	}
	return out, nil
}

func concatBackward(c *opContext) error {
	off := 0
	for i, x := range c.in {
		dx := c.gradIn(i)
		w := x.Cols()
		for r := 0; r < x.Rows(); r++ {
			src := c.dout.Row(r)[off : off+w]
			dst := dx.Row(r)
			for j, g := range src {
				dst[j] += g
			}
		}
		off += w
	}
	return nil
}

func sumForward(c *opContext) (*tensor.Tensor, error) {
	first := c.in[0]
	out := withLoD(tensor.Zeros(first.Shape...), first)
	for _, x := range c.in {
		if x.Len() != out.Len() {
			return nil, fmt.Errorf("inputs have %d and %d elements", out.Len(), x.Len())
		}
		for i, v := range x.Float {
			out.Float[i] += v
		}
	}
	return out, nil
}

func sumBackward(c *opContext) error {
	for i := range c.in {
		dx := c.gradIn(i)
		for j, g := range c.dout.Float {
			dx.Float[j] += g
		}
	}
	return nil
}

func scaleForward(c *opContext) (*tensor.Tensor, error) {
	x := c.in[0]
	s := c.attrs().Scale
	out := withLoD(tensor.Zeros(x.Shape...), x)
	for i, v := range x.Float {
		out.Float[i] = v * s
	}
	return out, nil
}

func scaleBackward(c *opContext) error {
	s := c.attrs().Scale
	dx := c.gradIn(0)
	for i, g := range c.dout.Float {
		dx.Float[i] += g * s
	}
	return nil
}

func addForward(c *opContext) (*tensor.Tensor, error) {
	x, y := c.in[0], c.in[1]
	if x.Len() != y.Len() {
		return nil, fmt.Errorf("inputs have %d and %d elements", x.Len(), y.Len())
	}
	out := withLoD(tensor.Zeros(x.Shape...), x)
	for i := range out.Float {
		out.Float[i] = x.Float[i] + y.Float[i]
	}
	applyRows(c.attrs().Act, out.Float, out.Cols())
	return out, nil
}

func addBackward(c *opContext) error {
	dz, err := activationGrad(c.attrs().Act, c.out.Float, c.dout.Float, c.out.Cols())
	if err != nil {
		return err
	}
	dx, dy := c.gradIn(0), c.gradIn(1)
	for i, g := range dz {
		dx.Float[i] += g
		dy.Float[i] += g
	}
	return nil
}

// Dropout scales kept activations by 1/(1-p) while training so inference is
// the identity.
func dropoutForward(c *opContext) (*tensor.Tensor, error) {
	x := c.in[0]
	out := withLoD(x.Clone(), x)
	out.DType = tensor.Float64
	p := c.attrs().Prob
	if !c.training() || p == 0 {
		return out, nil
	}
	keep := 1 / (1 - p)
	mask := make([]float64, len(out.Float))
	rng := c.rng()
	for i := range mask {
		if rng.Float64() >= p {
			mask[i] = keep
		}
		out.Float[i] *= mask[i]
	}
	c.setAux(mask)
	return out, nil
}

func dropoutBackward(c *opContext) error {
	dx := c.gradIn(0)
	mask, _ := c.getAux().([]float64)
	for i, g := range c.dout.Float {
		if mask != nil {
			g *= mask[i]
		}
		dx.Float[i] += g
	}
	return nil
}
