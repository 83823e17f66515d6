package exec

import (
	"fmt"
	"math"

	"graphforge/internal/graph"
)

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func activate(act string, x float64) float64 {
	switch act {
	case graph.ActTanh:
		return math.Tanh(x)
	case graph.ActRelu:
		if x > 0 {
			return x
		}
		return 0
	case graph.ActSigmoid:
		return sigmoid(x)
	default:
		return x
	}
}

// derivFromOutput is d act / d x written in terms of y = act(x).
func derivFromOutput(act string, y float64) float64 {
	switch act {
	case graph.ActTanh:
		return 1 - y*y
	case graph.ActRelu:
		if y > 0 {
			return 1
		}
		return 0
	case graph.ActSigmoid:
		return y * (1 - y)
	default:
		return 1
	}
}

// applyRows applies act in place to every row of width cols.
func applyRows(act string, data []float64, cols int) {
	if act == graph.ActSoftmax {
		for start := 0; start < len(data); start += cols {
			softmax(data[start : start+cols])
		}
		return
	}
	if act == graph.ActNone {
		return
	}
	for i, v := range data {
		data[i] = activate(act, v)
	}
}

// activationGrad turns dy into dx for rows of width cols given outputs y.
func activationGrad(act string, y, dy []float64, cols int) ([]float64, error) {
	if len(y) != len(dy) {
		return nil, fmt.Errorf("activation grad: %d outputs, %d grads", len(y), len(dy))
	}
	dx := make([]float64, len(dy))
	if act == graph.ActSoftmax {
		for start := 0; start < len(y); start += cols {
			row := y[start : start+cols]
			drow := dy[start : start+cols]
			dot := 0.0
			for j := range row {
				dot += row[j] * drow[j]
			}
			for j := range row {
				dx[start+j] = row[j] * (drow[j] - dot)
			}
		}
		return dx, nil
	}
	for i := range dy {
		dx[i] = dy[i] * derivFromOutput(act, y[i])
	}
	return dx, nil
}

func softmax(logits []float64) {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	for i, v := range logits {
		exp := math.Exp(v - maxLogit)
		logits[i] = exp
		sum += exp
	}
	inv := 1.0 / sum
	for i := range logits {
		logits[i] *= inv
	}
}

func logSumExp(xs []float64) float64 {
	m := math.Inf(-1)
	for _, v := range xs {
		if v > m {
			m = v
		}
	}
	if math.IsInf(m, -1) {
		return m
	}
	sum := 0.0
	for _, v := range xs {
		sum += math.Exp(v - m)
	}
	return m + math.Log(sum)
}
