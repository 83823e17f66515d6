package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond, 1.2)
	w.Record(64, 10*time.Millisecond, 20*time.Millisecond, 0.8)
	assert.Equal(t, 2, w.Steps())

	snap := w.Snapshot()
	assert.InDelta(t, 2133.3333, snap.SamplesPerSec, 1)
	assert.InDelta(t, 15.0, snap.AvgDataMS, 1e-9)
	assert.InDelta(t, 1.0, snap.AvgLoss, 1e-9)
	assert.Equal(t, 0.8, snap.LastLoss)
	assert.Zero(t, w.Steps(), "window was not reset")
}

func TestMeanCost(t *testing.T) {
	var m MeanCost
	assert.Zero(t, m.Mean())
	m.Add(2)
	m.Add(4)
	assert.Equal(t, 3.0, m.Mean())
	assert.Equal(t, 2, m.Count())
	m.Reset()
	assert.Zero(t, m.Count())
}
