package exec

import (
	"fmt"
	"math"

	"graphforge/internal/graph"
	"graphforge/internal/tensor"
)

func init() {
	register("conv2d", kernel{forward: convForward, backward: convBackward})
	register("batch_norm", kernel{forward: batchNormForward, backward: batchNormBackward})
	register("pool2d", kernel{forward: poolForward, backward: poolBackward})
}

// window describes a square sliding window over a [C, H, W] image.
type window struct {
	c, h, w    int
	size       int
	stride     int
	pad        int
	outH, outW int
}

func newWindow(shape []int, size, stride, pad int) (window, error) {
	if len(shape) != 4 {
		return window{}, fmt.Errorf("want [N, C, H, W], got %v", shape)
	}
	if stride <= 0 {
		stride = 1
	}
	win := window{c: shape[1], h: shape[2], w: shape[3], size: size, stride: stride, pad: pad}
	win.outH = (win.h+2*pad-size)/stride + 1
	win.outW = (win.w+2*pad-size)/stride + 1
	if win.outH <= 0 || win.outW <= 0 {
		return window{}, fmt.Errorf("window %d does not fit %v", size, shape)
	}
	return win, nil
}

// im2col lays image out as [C*size*size, outH*outW].
func (win window) im2col(image []float64) []float64 {
	k := win.size
	cols := win.outH * win.outW
	out := make([]float64, win.c*k*k*cols)
	for ch := 0; ch < win.c; ch++ {
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := (ch*k+ki)*k + kj
				for oy := 0; oy < win.outH; oy++ {
					y := oy*win.stride - win.pad + ki
					if y < 0 || y >= win.h {
						continue
					}
					for ox := 0; ox < win.outW; ox++ {
						x := ox*win.stride - win.pad + kj
						if x < 0 || x >= win.w {
							continue
						}
						out[row*cols+oy*win.outW+ox] = image[(ch*win.h+y)*win.w+x]
					}
				}
			}
		}
	}
	return out
}

// col2im adds col back onto the image gradient.
func (win window) col2im(col, image []float64) {
	k := win.size
	cols := win.outH * win.outW
	for ch := 0; ch < win.c; ch++ {
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := (ch*k+ki)*k + kj
				for oy := 0; oy < win.outH; oy++ {
					y := oy*win.stride - win.pad + ki
					if y < 0 || y >= win.h {
						continue
					}
					for ox := 0; ox < win.outW; ox++ {
						x := ox*win.stride - win.pad + kj
						if x < 0 || x >= win.w {
							continue
						}
						image[(ch*win.h+y)*win.w+x] += col[row*cols+oy*win.outW+ox]
					}
				}
			}
		}
	}
}

func convWindow(c *opContext) (window, error) {
	a := c.attrs()
	win, err := newWindow(c.in[0].Shape, a.Filter, a.Stride, a.Padding)
	if err != nil {
		return window{}, err
	}
	if w := c.params[0]; w.Cols() != win.c*a.Filter*a.Filter {
		return window{}, fmt.Errorf("weight %v does not fit %d channels", w.Shape, win.c)
	}
	return win, nil
}

func convForward(c *opContext) (*tensor.Tensor, error) {
	x, w := c.in[0], c.params[0]
	win, err := convWindow(c)
	if err != nil {
		return nil, err
	}
	filters := w.Rows()
	n, plane := x.Rows(), win.outH*win.outW
	out := tensor.Zeros(n, filters, win.outH, win.outW)
	for i := 0; i < n; i++ {
		col := win.im2col(x.Row(i))
		dst := out.Row(i)
		matmulAdd(dst, w.Float, col, filters, w.Cols(), plane)
		if len(c.params) > 1 {
			bias := c.params[1]
			for f := 0; f < filters; f++ {
				for p := 0; p < plane; p++ {
					dst[f*plane+p] += bias.Float[f]
				}
			}
		}
	}
	applyRows(c.attrs().Act, out.Float, out.Cols())
	return out, nil
}

func convBackward(c *opContext) error {
	x, w := c.in[0], c.params[0]
	win, err := convWindow(c)
	if err != nil {
		return err
	}
	dz, err := activationGrad(c.attrs().Act, c.out.Float, c.dout.Float, c.out.Cols())
	if err != nil {
		return err
	}
	filters, k := w.Rows(), w.Cols()
	plane := win.outH * win.outW
	dx, dw := c.gradIn(0), c.gradParam(0)
	var db *tensor.Tensor
	if len(c.params) > 1 {
		db = c.gradParam(1)
	}
	dcol := make([]float64, k*plane)
	for i := 0; i < x.Rows(); i++ {
		col := win.im2col(x.Row(i))
		g := dz[i*filters*plane : (i+1)*filters*plane]
		for j := range dcol {
			dcol[j] = 0
		}
		for f := 0; f < filters; f++ {
			gf := g[f*plane : (f+1)*plane]
			wf := w.Float[f*k : (f+1)*k]
			dwf := dw.Float[f*k : (f+1)*k]
			if db != nil {
				for _, v := range gf {
					db.Float[f] += v
				}
			}
			for r := 0; r < k; r++ {
				cr := col[r*plane : (r+1)*plane]
				dr := dcol[r*plane : (r+1)*plane]
				acc := 0.0
				for p, v := range gf {
					acc += v * cr[p]
					dr[p] += v * wf[r]
				}
				dwf[r] += acc
			}
		}
		win.col2im(dcol, dx.Row(i))
	}
	return nil
}

// batchNormCache keeps the normalized input and per-channel 1/std.
type batchNormCache struct {
	xhat   []float64
	invStd []float64
}

// bnLayout returns the channel count and the number of values per channel
// within one row.
func bnLayout(x *tensor.Tensor) (int, int) {
	if len(x.Shape) < 2 {
		return 1, 1
	}
	channels := x.Shape[1]
	return channels, x.Cols() / channels
}

func batchNormForward(c *opContext) (*tensor.Tensor, error) {
	x, scale, shift := c.in[0], c.params[0], c.params[1]
	movingMean, movingVar := c.params[2], c.params[3]
	channels, spatial := bnLayout(x)
	if scale.Len() != channels {
		return nil, fmt.Errorf("scale has %d values for %d channels", scale.Len(), channels)
	}
	n := x.Rows()
	m := float64(n * spatial)
	eps := c.attrs().Epsilon
	momentum := c.attrs().Momentum
	out := withLoD(tensor.Zeros(x.Shape...), x)
	cache := &batchNormCache{xhat: make([]float64, x.Len()), invStd: make([]float64, channels)}
	width := x.Cols()
	for ch := 0; ch < channels; ch++ {
		mean, variance := movingMean.Float[ch], movingVar.Float[ch]
		if c.training() {
			mean, variance = 0, 0
			for i := 0; i < n; i++ {
				for _, v := range x.Float[i*width+ch*spatial : i*width+(ch+1)*spatial] {
					mean += v
				}
			}
			mean /= m
			for i := 0; i < n; i++ {
				for _, v := range x.Float[i*width+ch*spatial : i*width+(ch+1)*spatial] {
					variance += (v - mean) * (v - mean)
				}
			}
			variance /= m
			movingMean.Float[ch] = momentum*movingMean.Float[ch] + (1-momentum)*mean
			movingVar.Float[ch] = momentum*movingVar.Float[ch] + (1-momentum)*variance
		}
		inv := 1 / math.Sqrt(variance+eps)
		cache.invStd[ch] = inv
		for i := 0; i < n; i++ {
			base := i*width + ch*spatial
			for p := 0; p < spatial; p++ {
				xh := (x.Float[base+p] - mean) * inv
				cache.xhat[base+p] = xh
				out.Float[base+p] = scale.Float[ch]*xh + shift.Float[ch]
			}
		}
	}
	applyRows(c.attrs().Act, out.Float, width)
	c.setAux(cache)
	return out, nil
}

func batchNormBackward(c *opContext) error {
	x, scale := c.in[0], c.params[0]
	cache, ok := c.getAux().(*batchNormCache)
	if !ok {
		return fmt.Errorf("batch statistics were not recorded")
	}
	width := x.Cols()
	dy, err := activationGrad(c.attrs().Act, c.out.Float, c.dout.Float, width)
	if err != nil {
		return err
	}
	channels, spatial := bnLayout(x)
	n := x.Rows()
	m := float64(n * spatial)
	dx, dscale, dshift := c.gradIn(0), c.gradParam(0), c.gradParam(1)
	for ch := 0; ch < channels; ch++ {
		sumDy, sumDyXhat := 0.0, 0.0
		for i := 0; i < n; i++ {
			base := i*width + ch*spatial
			for p := 0; p < spatial; p++ {
				sumDy += dy[base+p]
				sumDyXhat += dy[base+p] * cache.xhat[base+p]
			}
		}
		dscale.Float[ch] += sumDyXhat
		dshift.Float[ch] += sumDy
		k := scale.Float[ch] * cache.invStd[ch] / m
		for i := 0; i < n; i++ {
			base := i*width + ch*spatial
			for p := 0; p < spatial; p++ {
				dx.Float[base+p] += k * (m*dy[base+p] - sumDy - cache.xhat[base+p]*sumDyXhat)
			}
		}
	}
	return nil
}

func poolForward(c *opContext) (*tensor.Tensor, error) {
	x := c.in[0]
	a := c.attrs()
	win, err := newWindow(x.Shape, a.Filter, a.Stride, a.Padding)
	if err != nil {
		return nil, err
	}
	n := x.Rows()
	out := tensor.Zeros(n, win.c, win.outH, win.outW)
	var argmax []int
	if a.Pool == graph.PoolMax {
		argmax = make([]int, out.Len())
	}
	for i := 0; i < n; i++ {
		img := x.Row(i)
		dst := out.Row(i)
		for ch := 0; ch < win.c; ch++ {
			for oy := 0; oy < win.outH; oy++ {
				for ox := 0; ox < win.outW; ox++ {
					o := (ch*win.outH+oy)*win.outW + ox
					best, arg, sum, count := math.Inf(-1), -1, 0.0, 0
					win.each(oy, ox, func(y, x int) {
						idx := (ch*win.h+y)*win.w + x
						v := img[idx]
						sum += v
						count++
						if v > best {
							best, arg = v, idx
						}
					})
					if a.Pool == graph.PoolMax {
						dst[o] = best
						argmax[i*out.Cols()+o] = arg
					} else if count > 0 {
						dst[o] = sum / float64(count)
					}
				}
			}
		}
	}
	if argmax != nil {
		c.setAux(argmax)
	}
	return out, nil
}

func poolBackward(c *opContext) error {
	x := c.in[0]
	a := c.attrs()
	win, err := newWindow(x.Shape, a.Filter, a.Stride, a.Padding)
	if err != nil {
		return err
	}
	dx := c.gradIn(0)
	per := c.out.Cols()
	if a.Pool == graph.PoolMax {
		argmax, ok := c.getAux().([]int)
		if !ok {
			return fmt.Errorf("max pool positions were not recorded")
		}
		for i := 0; i < x.Rows(); i++ {
			row := dx.Row(i)
			for o, g := range c.dout.Row(i) {
				if arg := argmax[i*per+o]; arg >= 0 {
					row[arg] += g
				}
			}
		}
		return nil
	}
	for i := 0; i < x.Rows(); i++ {
		row := dx.Row(i)
		g := c.dout.Row(i)
		for ch := 0; ch < win.c; ch++ {
			for oy := 0; oy < win.outH; oy++ {
				for ox := 0; ox < win.outW; ox++ {
					o := (ch*win.outH+oy)*win.outW + ox
					count := 0
					win.each(oy, ox, func(int, int) { count++ })
					if count == 0 {
						continue
					}
					share := g[o] / float64(count)
					win.each(oy, ox, func(y, x int) {
						row[(ch*win.h+y)*win.w+x] += share
					})
				}
			}
		}
	}
	return nil
}

// each visits the in-bounds input positions under output cell (oy, ox).
func (win window) each(oy, ox int, fn func(y, x int)) {
	for ki := 0; ki < win.size; ki++ {
		y := oy*win.stride - win.pad + ki
		if y < 0 || y >= win.h {
			continue
		}
		for kj := 0; kj < win.size; kj++ {
			x := ox*win.stride - win.pad + kj
			if x < 0 || x >= win.w {
				continue
			}
			fn(y, x)
		}
	}
}
