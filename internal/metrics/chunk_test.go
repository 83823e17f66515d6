package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphforge/internal/tensor"
)

func TestChunkTypesForLabels(t *testing.T) {
	assert.Equal(t, 3, ChunkTypesForLabels(7))
	assert.Equal(t, 3, ChunkTypesForLabels(6))
	assert.Equal(t, 29, ChunkTypesForLabels(59))
}

func TestChunksIOB(t *testing.T) {
	e := NewChunkEvaluator(2)
	// B-0 I-0 O I-1 I-1 B-1 I-0
	chunks := e.Chunks([]int64{0, 1, 4, 3, 3, 2, 1})
	assert.Equal(t, []Chunk{
		{Begin: 0, End: 2, Type: 0},
		{Begin: 3, End: 5, Type: 1},
		{Begin: 5, End: 6, Type: 1},
		{Begin: 6, End: 7, Type: 0},
	}, chunks)
}

func TestChunkEvaluatorCounts(t *testing.T) {
	e := NewChunkEvaluator(2)
	gold := []int64{0, 1, 4, 2, 0, 1}
	pred := []int64{0, 1, 4, 2, 0, 4}
	batch, err := e.Update(pred, gold, []int{0, 3, 6})
	require.NoError(t, err)
	assert.Equal(t, ChunkCounts{Inferred: 3, Labeled: 3, Correct: 2}, batch)
	assert.InDelta(t, 2.0/3, batch.Precision(), 1e-12)
	assert.InDelta(t, 2.0/3, batch.F1(), 1e-12)

	_, err = e.Update([]int64{4}, []int64{0}, nil)
	require.NoError(t, err)
	assert.Equal(t, ChunkCounts{Inferred: 3, Labeled: 4, Correct: 2}, e.Result())

	e.Reset()
	assert.Zero(t, e.Result().Precision())

	_, err = e.Update([]int64{1}, []int64{1, 2}, nil)
	assert.Error(t, err)
}

func TestAccuracy(t *testing.T) {
	prob, err := tensor.FromFloats([]int{3, 2}, []float64{0.9, 0.1, 0.2, 0.8, 0.6, 0.4})
	require.NoError(t, err)
	label, err := tensor.FromInts([]int{3, 1}, []int64{0, 1, 1})
	require.NoError(t, err)

	var acc Accuracy
	batch, err := acc.Update(prob, label)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, batch, 1e-12)
	assert.InDelta(t, 2.0/3, acc.Value(), 1e-12)
	acc.Reset()
	assert.Zero(t, acc.Value())
}
