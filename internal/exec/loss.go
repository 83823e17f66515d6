package exec

import (
	"fmt"
	"math"

	"graphforge/internal/tensor"
)

const (
	cosEps  = 1e-12
	probEps = 1e-9
)

func init() {
	register("cos_sim", kernel{forward: cosSimForward, backward: cosSimBackward})
	register("square_error_cost", kernel{forward: squareErrorForward, backward: squareErrorBackward})
	register("mean", kernel{forward: meanForward, backward: meanBackward})
	register("cross_entropy", kernel{forward: crossEntropyForward, backward: crossEntropyBackward})
}

func norm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

func cosSimForward(c *opContext) (*tensor.Tensor, error) {
	x, y := c.in[0], c.in[1]
	if x.Rows() != y.Rows() || x.Cols() != y.Cols() {
		return nil, fmt.Errorf("inputs have shapes %v and %v", x.Shape, y.Shape)
	}
	out := withLoD(tensor.Zeros(x.Rows(), 1), x)
	for r := 0; r < x.Rows(); r++ {
		xr, yr := x.Row(r), y.Row(r)
		dot := 0.0
		for j := range xr {
			dot += xr[j] * yr[j]
		}
		out.Float[r] = dot / math.Max(norm(xr)*norm(yr), cosEps)
	}
	return out, nil
}

func cosSimBackward(c *opContext) error {
	x, y := c.in[0], c.in[1]
	dx, dy := c.gradIn(0), c.gradIn(1)
	for r := 0; r < x.Rows(); r++ {
		xr, yr := x.Row(r), y.Row(r)
		nx, ny := norm(xr), norm(yr)
		if nx*ny < cosEps {
			continue
		}
		cos := c.out.Float[r]
		g := c.dout.Float[r]
		dxr, dyr := dx.Row(r), dy.Row(r)
		for j := range xr {
			dxr[j] += g * (yr[j]/(nx*ny) - cos*xr[j]/(nx*nx))
			dyr[j] += g * (xr[j]/(nx*ny) - cos*yr[j]/(ny*ny))
		}
	}
	return nil
}

func squareErrorForward(c *opContext) (*tensor.Tensor, error) {
	pred, label := c.in[0], c.in[1]
	if pred.Len() != label.Len() {
		return nil, fmt.Errorf("prediction shape %v, label shape %v", pred.Shape, label.Shape)
	}
	out := withLoD(tensor.Zeros(pred.Shape...), pred)
	for i, p := range pred.Float {
		d := p - label.Float[i]
		out.Float[i] = d * d
	}
	return out, nil
}

func squareErrorBackward(c *opContext) error {
	pred, label := c.in[0], c.in[1]
	dp := c.gradIn(0)
	for i, g := range c.dout.Float {
		dp.Float[i] += 2 * (pred.Float[i] - label.Float[i]) * g
	}
	return nil
}

func meanForward(c *opContext) (*tensor.Tensor, error) {
	x := c.in[0]
	if x.Len() == 0 {
		return nil, fmt.Errorf("mean of an empty tensor")
	}
	out := tensor.Zeros(1, 1)
	for _, v := range x.Float {
		out.Float[0] += v
	}
	out.Float[0] /= float64(x.Len())
	return out, nil
}

func meanBackward(c *opContext) error {
	dx := c.gradIn(0)
	g := c.dout.Float[0] / float64(dx.Len())
	for i := range dx.Float {
		dx.Float[i] += g
	}
	return nil
}

func crossEntropyForward(c *opContext) (*tensor.Tensor, error) {
	prob, label := c.in[0], c.in[1]
	if label.Rows() != prob.Rows() {
		return nil, fmt.Errorf("%d probability rows, %d labels", prob.Rows(), label.Rows())
	}
	classes := prob.Cols()
	out := withLoD(tensor.Zeros(prob.Rows(), 1), prob)
	for r, l := range label.Int {
		if l < 0 || int(l) >= classes {
			return nil, fmt.Errorf("label %d at row %d outside %d classes", l, r, classes)
		}
		out.Float[r] = -math.Log(math.Max(prob.Row(r)[l], probEps))
	}
	return out, nil
}

func crossEntropyBackward(c *opContext) error {
	prob, label := c.in[0], c.in[1]
	dp := c.gradIn(0)
	for r, l := range label.Int {
		p := prob.Row(r)[l]
		if p < probEps {
			continue
		}
		dp.Row(r)[l] -= c.dout.Float[r] / p
	}
	return nil
}
