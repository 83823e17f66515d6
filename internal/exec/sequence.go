package exec

import (
	"fmt"
	"math"

	"graphforge/internal/graph"
	"graphforge/internal/tensor"
)

func init() {
	register("sequence_pool", kernel{forward: seqPoolForward, backward: seqPoolBackward})
	register("sequence_conv", kernel{forward: seqConvForward, backward: seqConvBackward})
}

func needLoD(x *tensor.Tensor) error {
	if len(x.LoD) == 0 {
		return fmt.Errorf("input of %d rows has no lod", x.Rows())
	}
	return nil
}

func seqPoolForward(c *opContext) (*tensor.Tensor, error) {
	x := c.in[0]
	if err := needLoD(x); err != nil {
		return nil, err
	}
	n, width := x.NumSequences(), x.Cols()
	out := tensor.Zeros(append([]int{n}, x.Shape[1:]...)...)
	pool := c.attrs().Pool
	var argmax []int
	if pool == graph.PoolMax {
		argmax = make([]int, n*width)
	}
	for s := 0; s < n; s++ {
		b, e := x.Sequence(s)
		row := out.Row(s)
		if b == e {
			continue
		}
		switch pool {
		case graph.PoolMax:
			for j := range row {
				row[j] = math.Inf(-1)
			}
			for r := b; r < e; r++ {
				for j, v := range x.Row(r) {
					if v > row[j] {
						row[j] = v
						argmax[s*width+j] = r
					}
				}
			}
		default:
			for r := b; r < e; r++ {
				for j, v := range x.Row(r) {
					row[j] += v
				}
			}
			if pool == graph.PoolAverage {
				inv := 1 / float64(e-b)
				for j := range row {
					row[j] *= inv
				}
			}
		}
	}
	if argmax != nil {
		c.setAux(argmax)
	}
	return out, nil
}

func seqPoolBackward(c *opContext) error {
	x := c.in[0]
	dx := c.gradIn(0)
	width := x.Cols()
	pool := c.attrs().Pool
	for s := 0; s < x.NumSequences(); s++ {
		b, e := x.Sequence(s)
		if b == e {
			continue
		}
		g := c.dout.Row(s)
		switch pool {
		case graph.PoolMax:
			argmax, ok := c.getAux().([]int)
			if !ok {
				return fmt.Errorf("max pool positions were not recorded")
			}
			for j, v := range g {
				dx.Row(argmax[s*width+j])[j] += v
			}
		default:
			scale := 1.0
			if pool == graph.PoolAverage {
				scale = 1 / float64(e-b)
			}
			for r := b; r < e; r++ {
				dr := dx.Row(r)
				for j, v := range g {
					dr[j] += v * scale
				}
			}
		}
	}
	return nil
}

// seqContext gathers the window rows around every row of x into one wide
// row, leaving zeros where the window crosses its sequence's boundary.
func seqContext(x *tensor.Tensor, window int) *tensor.Tensor {
	width := x.Cols()
	start := -(window / 2)
	col := tensor.Zeros(x.Rows(), window*width)
	for s := 0; s < x.NumSequences(); s++ {
		b, e := x.Sequence(s)
		for r := b; r < e; r++ {
			dst := col.Row(r)
			for k := 0; k < window; k++ {
				src := r + start + k
				if src < b || src >= e {
					continue
				}
				copy(dst[k*width:(k+1)*width], x.Row(src))
			}
		}
	}
	return col
}

func seqConvForward(c *opContext) (*tensor.Tensor, error) {
	x, w, bias := c.in[0], c.params[0], c.params[1]
	if err := needLoD(x); err != nil {
		return nil, err
	}
	window := c.attrs().Window
	if w.Rows() != window*x.Cols() {
		return nil, fmt.Errorf("weight has %d rows, window %d over width %d needs %d", w.Rows(), window, x.Cols(), window*x.Cols())
	}
	col := seqContext(x, window)
	filters := w.Cols()
	out := withLoD(tensor.Zeros(x.Rows(), filters), x)
	matmulAdd(out.Float, col.Float, w.Float, x.Rows(), col.Cols(), filters)
	for r := 0; r < x.Rows(); r++ {
		row := out.Row(r)
		for j := range row {
			row[j] += bias.Float[j]
		}
	}
	applyRows(c.attrs().Act, out.Float, filters)
	c.setAux(col)
	return out, nil
}

func seqConvBackward(c *opContext) error {
	x, w := c.in[0], c.params[0]
	col, ok := c.getAux().(*tensor.Tensor)
	if !ok {
		return fmt.Errorf("context rows were not recorded")
	}
	filters := w.Cols()
	dz, err := activationGrad(c.attrs().Act, c.out.Float, c.dout.Float, filters)
	if err != nil {
		return err
	}
	dw, db := c.gradParam(0), c.gradParam(1)
	rows, k := x.Rows(), col.Cols()
	// dW += colᵀ·dz, dcol = dz·Wᵀ
	dcol := make([]float64, rows*k)
	for r := 0; r < rows; r++ {
		dzr := dz[r*filters : (r+1)*filters]
		cr := col.Row(r)
		for j, g := range dzr {
			db.Float[j] += g
		}
		for i := 0; i < k; i++ {
			wi := w.Float[i*filters : (i+1)*filters]
			dwi := dw.Float[i*filters : (i+1)*filters]
			acc := 0.0
			for j, g := range dzr {
				dwi[j] += cr[i] * g
				acc += g * wi[j]
			}
			dcol[r*k+i] = acc
		}
	}

	dx := c.gradIn(0)
	width := x.Cols()
	window := c.attrs().Window
	start := -(window / 2)
	for s := 0; s < x.NumSequences(); s++ {
		b, e := x.Sequence(s)
		for r := b; r < e; r++ {
			src := dcol[r*k : (r+1)*k]
			for kk := 0; kk < window; kk++ {
				pos := r + start + kk
				if pos < b || pos >= e {
					continue
				}
				dr := dx.Row(pos)
				for j := 0; j < width; j++ {
					dr[j] += src[kk*width+j]
				}
			}
		}
	}
	return nil
}

// matmulAdd computes out[m×n] += a[m×k]·b[k×n].
func matmulAdd(out, a, b []float64, m, k, n int) {
	for i := 0; i < m; i++ {
		oi := out[i*n : (i+1)*n]
		ai := a[i*k : (i+1)*k]
		for p, av := range ai {
			if av == 0 {
				continue
			}
			bp := b[p*n : (p+1)*n]
			for j := range oi {
				oi[j] += av * bp[j]
			}
		}
	}
}
