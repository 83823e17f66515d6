package metrics

import "time"

// Window accumulates timing and loss across the steps between two log lines.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lossSum  float64
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
	w.lastLoss = loss
}

// Steps is the number of measurements since the last snapshot.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.SamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.AvgLoss = w.lossSum / float64(w.steps)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	SamplesPerSec float64
	AvgDataMS     float64
	AvgComputeMS  float64
	AvgLoss       float64
	LastLoss      float64
}

// MeanCost averages costs, typically over the batches of a test pass.
type MeanCost struct {
	sum float64
	n   int
}

// Add records one cost.
func (m *MeanCost) Add(cost float64) {
	m.sum += cost
	m.n++
}

// Mean is the average of the recorded costs, or 0 when there are none.
func (m *MeanCost) Mean() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

// Count is the number of recorded costs.
func (m *MeanCost) Count() int { return m.n }

// Reset forgets every recorded cost.
func (m *MeanCost) Reset() { *m = MeanCost{} }
