package metrics

import (
	"fmt"

	"graphforge/internal/tensor"
)

// Accuracy tracks top-1 accuracy of class probabilities against labels.
type Accuracy struct {
	correct int
	total   int
}

// Update scores one batch of [N, classes] probabilities against [N, 1]
// labels and returns the batch accuracy.
func (a *Accuracy) Update(prob, label *tensor.Tensor) (float64, error) {
	if prob.Rows() != label.Len() {
		return 0, fmt.Errorf("metrics: %d predictions, %d labels", prob.Rows(), label.Len())
	}
	correct := 0
	for r := 0; r < prob.Rows(); r++ {
		row := prob.Row(r)
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		if int64(best) == label.Int[r] {
			correct++
		}
	}
	a.correct += correct
	a.total += prob.Rows()
	return ratio(correct, prob.Rows()), nil
}

// Value is the accuracy since the last Reset.
func (a *Accuracy) Value() float64 { return ratio(a.correct, a.total) }

// Reset clears the running totals.
func (a *Accuracy) Reset() { *a = Accuracy{} }
