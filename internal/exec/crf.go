package exec

import (
	"fmt"
	"math"

	"graphforge/internal/tensor"
)

func init() {
	register("linear_chain_crf", kernel{forward: crfForward, backward: crfBackward})
	register("crf_decoding", kernel{forward: crfDecodeForward})
}

// crfWeights views a [tags+2, tags] transition parameter.
type crfWeights struct {
	tags  int
	start []float64
	end   []float64
	trans []float64
}

func newCRFWeights(w *tensor.Tensor, tags int) (crfWeights, error) {
	if w.Rows() != tags+2 || w.Cols() != tags {
		return crfWeights{}, fmt.Errorf("transition shape %v does not fit %d tags", w.Shape, tags)
	}
	return crfWeights{
		tags:  tags,
		start: w.Float[:tags],
		end:   w.Float[tags : 2*tags],
		trans: w.Float[2*tags:],
	}, nil
}

func (w crfWeights) t(i, j int) float64 { return w.trans[i*w.tags+j] }

// lattice runs forward-backward over emission rows [b, e) and returns the
// alpha and beta tables together with log Z.
func (w crfWeights) lattice(x *tensor.Tensor, b, e int) (alpha, beta []float64, logZ float64) {
	n, k := e-b, w.tags
	alpha = make([]float64, n*k)
	beta = make([]float64, n*k)
	buf := make([]float64, k)
	for j := 0; j < k; j++ {
		alpha[j] = w.start[j] + x.Row(b)[j]
	}
	for t := 1; t < n; t++ {
		em := x.Row(b + t)
		for j := 0; j < k; j++ {
			for i := 0; i < k; i++ {
				buf[i] = alpha[(t-1)*k+i] + w.t(i, j)
			}
			alpha[t*k+j] = em[j] + logSumExp(buf)
		}
	}
	copy(beta[(n-1)*k:], w.end)
	for t := n - 2; t >= 0; t-- {
		em := x.Row(b + t + 1)
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				buf[j] = w.t(i, j) + em[j] + beta[(t+1)*k+j]
			}
			beta[t*k+i] = logSumExp(buf)
		}
	}
	for j := 0; j < k; j++ {
		buf[j] = alpha[(n-1)*k+j] + w.end[j]
	}
	return alpha, beta, logSumExp(buf)
}

func (w crfWeights) pathScore(x *tensor.Tensor, labels []int64, b, e int) float64 {
	s := w.start[labels[b]] + w.end[labels[e-1]]
	for r := b; r < e; r++ {
		s += x.Row(r)[labels[r]]
		if r > b {
			s += w.t(int(labels[r-1]), int(labels[r]))
		}
	}
	return s
}

func crfInputs(c *opContext) (*tensor.Tensor, *tensor.Tensor, crfWeights, error) {
	x, label := c.in[0], c.in[1]
	if err := needLoD(x); err != nil {
		return nil, nil, crfWeights{}, err
	}
	if label.Rows() != x.Rows() {
		return nil, nil, crfWeights{}, fmt.Errorf("%d emission rows, %d labels", x.Rows(), label.Rows())
	}
	w, err := newCRFWeights(c.params[0], x.Cols())
	if err != nil {
		return nil, nil, crfWeights{}, err
	}
	for r, l := range label.Int {
		if l < 0 || int(l) >= w.tags {
			return nil, nil, crfWeights{}, fmt.Errorf("label %d at row %d outside %d tags", l, r, w.tags)
		}
	}
	return x, label, w, nil
}

func crfForward(c *opContext) (*tensor.Tensor, error) {
	x, label, w, err := crfInputs(c)
	if err != nil {
		return nil, err
	}
	n := x.NumSequences()
	out := tensor.Zeros(n, 1)
	for s := 0; s < n; s++ {
		b, e := x.Sequence(s)
		if b == e {
			continue
		}
		_, _, logZ := w.lattice(x, b, e)
		out.Float[s] = logZ - w.pathScore(x, label.Int, b, e)
	}
	return out, nil
}

func crfBackward(c *opContext) error {
	x, label, w, err := crfInputs(c)
	if err != nil {
		return err
	}
	k := w.tags
	dx := c.gradIn(0)
	dw, _ := newCRFWeights(c.gradParam(0), k)
	for s := 0; s < x.NumSequences(); s++ {
		b, e := x.Sequence(s)
		if b == e {
			continue
		}
		g := c.dout.Float[s]
		alpha, beta, logZ := w.lattice(x, b, e)
		n := e - b
		for t := 0; t < n; t++ {
			dr := dx.Row(b + t)
			for j := 0; j < k; j++ {
				dr[j] += g * math.Exp(alpha[t*k+j]+beta[t*k+j]-logZ)
			}
			dr[label.Int[b+t]] -= g
		}
		for j := 0; j < k; j++ {
			dw.start[j] += g * math.Exp(alpha[j]+beta[j]-logZ)
			dw.end[j] += g * math.Exp(alpha[(n-1)*k+j]+beta[(n-1)*k+j]-logZ)
		}
		dw.start[label.Int[b]] -= g
		dw.end[label.Int[e-1]] -= g
		for t := 1; t < n; t++ {
			em := x.Row(b + t)
			for i := 0; i < k; i++ {
				for j := 0; j < k; j++ {
					p := math.Exp(alpha[(t-1)*k+i] + w.t(i, j) + em[j] + beta[t*k+j] - logZ)
					dw.trans[i*k+j] += g * p
				}
			}
			dw.trans[int(label.Int[b+t-1])*k+int(label.Int[b+t])] -= g
		}
	}
	return nil
}

// Viterbi decodes the highest-scoring tag path of every sequence.
func crfDecodeForward(c *opContext) (*tensor.Tensor, error) {
	x := c.in[0]
	if err := needLoD(x); err != nil {
		return nil, err
	}
	w, err := newCRFWeights(c.params[0], x.Cols())
	if err != nil {
		return nil, err
	}
	k := w.tags
	out := tensor.New(tensor.Int64, x.Rows(), 1)
	out.LoD = append([]int(nil), x.LoD...)
	for s := 0; s < x.NumSequences(); s++ {
		b, e := x.Sequence(s)
		if b == e {
			continue
		}
		n := e - b
		score := make([]float64, n*k)
		back := make([]int, n*k)
		for j := 0; j < k; j++ {
			score[j] = w.start[j] + x.Row(b)[j]
		}
		for t := 1; t < n; t++ {
			em := x.Row(b + t)
			for j := 0; j < k; j++ {
				best, arg := math.Inf(-1), 0
				for i := 0; i < k; i++ {
					if v := score[(t-1)*k+i] + w.t(i, j); v > best {
						best, arg = v, i
					}
				}
				score[t*k+j] = best + em[j]
				back[t*k+j] = arg
			}
		}
		best, tag := math.Inf(-1), 0
		for j := 0; j < k; j++ {
			if v := score[(n-1)*k+j] + w.end[j]; v > best {
				best, tag = v, j
			}
		}
		for t := n - 1; t >= 0; t-- {
			out.Int[b+t] = int64(tag)
			tag = back[t*k+tag]
		}
	}
	return out, nil
}
