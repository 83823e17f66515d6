package exec

import (
	"fmt"

	"graphforge/internal/tensor"
)

func init() {
	register("lstm", kernel{forward: lstmForward, backward: lstmBackward})
}

// lstmCache keeps the post-activation gates (i|f|c|o), the cell state and
// the activated cell state of every row.
type lstmCache struct {
	gates   []float64
	cell    []float64
	cellAct []float64
}

// lstmSteps returns the rows of sequence [b, e) in processing order.
func lstmSteps(b, e int, reverse bool) []int {
	steps := make([]int, 0, e-b)
	if reverse {
		for r := e - 1; r >= b; r-- {
			steps = append(steps, r)
		}
		return steps
	}
	for r := b; r < e; r++ {
		steps = append(steps, r)
	}
	return steps
}

func lstmForward(c *opContext) (*tensor.Tensor, error) {
	x, wx, wh, bias := c.in[0], c.params[0], c.params[1], c.params[2]
	if err := needLoD(x); err != nil {
		return nil, err
	}
	hidden := wh.Rows()
	if wx.Rows() != x.Cols() || wx.Cols() != 4*hidden {
		return nil, fmt.Errorf("input weight %v does not fit input width %d and hidden %d", wx.Shape, x.Cols(), hidden)
	}
	a := c.attrs()
	rows := x.Rows()
	out := withLoD(tensor.Zeros(rows, hidden), x)
	cache := &lstmCache{
		gates:   make([]float64, rows*4*hidden),
		cell:    make([]float64, rows*hidden),
		cellAct: make([]float64, rows*hidden),
	}
	// input projection for every row at once
	matmulAdd(cache.gates, x.Float, wx.Float, rows, x.Cols(), 4*hidden)

	for s := 0; s < x.NumSequences(); s++ {
		b, e := x.Sequence(s)
		prev := -1
		for _, r := range lstmSteps(b, e, a.Reverse) {
			z := cache.gates[r*4*hidden : (r+1)*4*hidden]
			for j := range z {
				z[j] += bias.Float[j]
			}
			if prev >= 0 {
				matmulAdd(z, out.Row(prev), wh.Float, 1, hidden, 4*hidden)
			}
			ig, fg, cg, og := z[:hidden], z[hidden:2*hidden], z[2*hidden:3*hidden], z[3*hidden:]
			cell := cache.cell[r*hidden : (r+1)*hidden]
			cellAct := cache.cellAct[r*hidden : (r+1)*hidden]
			h := out.Row(r)
			for j := 0; j < hidden; j++ {
				ig[j] = activate(a.GateAct, ig[j])
				fg[j] = activate(a.GateAct, fg[j])
				cg[j] = activate(a.CandAct, cg[j])
				og[j] = activate(a.GateAct, og[j])
				cell[j] = ig[j] * cg[j]
				if prev >= 0 {
					cell[j] += fg[j] * cache.cell[prev*hidden+j]
				}
				cellAct[j] = activate(a.CellAct, cell[j])
				h[j] = og[j] * cellAct[j]
			}
			prev = r
		}
	}
	c.setAux(cache)
	return out, nil
}

func lstmBackward(c *opContext) error {
	x, wx, wh := c.in[0], c.params[0], c.params[1]
	cache, ok := c.getAux().(*lstmCache)
	if !ok {
		return fmt.Errorf("lstm state was not recorded")
	}
	a := c.attrs()
	hidden := wh.Rows()
	in := x.Cols()
	dx, dwx, dwh, db := c.gradIn(0), c.gradParam(0), c.gradParam(1), c.gradParam(2)
	dz := make([]float64, 4*hidden)
	dhNext := make([]float64, hidden)
	dcNext := make([]float64, hidden)

	for s := 0; s < x.NumSequences(); s++ {
		b, e := x.Sequence(s)
		steps := lstmSteps(b, e, a.Reverse)
		for j := range dhNext {
			dhNext[j], dcNext[j] = 0, 0
		}
		for t := len(steps) - 1; t >= 0; t-- {
			r := steps[t]
			prev := -1
			if t > 0 {
				prev = steps[t-1]
			}
			g := cache.gates[r*4*hidden : (r+1)*4*hidden]
			ig, fg, cg, og := g[:hidden], g[hidden:2*hidden], g[2*hidden:3*hidden], g[3*hidden:]
			cellAct := cache.cellAct[r*hidden : (r+1)*hidden]
			dout := c.dout.Row(r)
			for j := 0; j < hidden; j++ {
				dh := dout[j] + dhNext[j]
				dc := dh*og[j]*derivFromOutput(a.CellAct, cellAct[j]) + dcNext[j]
				cPrev := 0.0
				if prev >= 0 {
					cPrev = cache.cell[prev*hidden+j]
				}
				dz[j] = dc * cg[j] * derivFromOutput(a.GateAct, ig[j])
				dz[hidden+j] = dc * cPrev * derivFromOutput(a.GateAct, fg[j])
				dz[2*hidden+j] = dc * ig[j] * derivFromOutput(a.CandAct, cg[j])
				dz[3*hidden+j] = dh * cellAct[j] * derivFromOutput(a.GateAct, og[j])
				dcNext[j] = dc * fg[j]
			}
			for j, v := range dz {
				db.Float[j] += v
			}
			xr, dxr := x.Row(r), dx.Row(r)
			for k := 0; k < in; k++ {
				w := wx.Float[k*4*hidden : (k+1)*4*hidden]
				dw := dwx.Float[k*4*hidden : (k+1)*4*hidden]
				acc := 0.0
				for j, v := range dz {
					dw[j] += xr[k] * v
					acc += v * w[j]
				}
				dxr[k] += acc
			}
			for k := 0; k < hidden; k++ {
				w := wh.Float[k*4*hidden : (k+1)*4*hidden]
				acc := 0.0
				for j, v := range dz {
					acc += v * w[j]
				}
				dhNext[k] = acc
				if prev >= 0 {
					hp := c.out.Row(prev)[k]
					dw := dwh.Float[k*4*hidden : (k+1)*4*hidden]
					for j, v := range dz {
						dw[j] += hp * v
					}
				}
			}
		}
	}
	return nil
}
