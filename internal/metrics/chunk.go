package metrics

import "fmt"

// Chunk is a labelled span [Begin, End) within one sequence.
type Chunk struct {
	Begin, End int
	Type       int
}

// ChunkCounts are the raw counts behind precision and recall.
type ChunkCounts struct {
	Inferred int
	Labeled  int
	Correct  int
}

// Precision is Correct/Inferred, 0 when nothing was inferred.
func (c ChunkCounts) Precision() float64 { return ratio(c.Correct, c.Inferred) }

// Recall is Correct/Labeled, 0 when nothing was labelled.
func (c ChunkCounts) Recall() float64 { return ratio(c.Correct, c.Labeled) }

// F1 is the harmonic mean of precision and recall.
func (c ChunkCounts) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (c *ChunkCounts) add(o ChunkCounts) {
	c.Inferred += o.Inferred
	c.Labeled += o.Labeled
	c.Correct += o.Correct
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// ChunkEvaluator scores tag sequences in the IOB scheme: tag 2*t marks the
// beginning of a chunk of type t, 2*t+1 its inside, and any tag from
// 2*numChunkTypes on is outside.
type ChunkEvaluator struct {
	numChunkTypes int
	total         ChunkCounts
}

// NewChunkEvaluator returns an evaluator for numChunkTypes chunk types.
func NewChunkEvaluator(numChunkTypes int) *ChunkEvaluator {
	return &ChunkEvaluator{numChunkTypes: numChunkTypes}
}

// ChunkTypesForLabels is ceil((labels-1)/2), the chunk type count of an IOB
// dictionary with labels entries.
func ChunkTypesForLabels(labels int) int {
	return labels / 2
}

// Chunks extracts the chunks of one tag sequence.
func (e *ChunkEvaluator) Chunks(tags []int64) []Chunk {
	var out []Chunk
	open := -1
	typ := -1
	closeChunk := func(end int) {
		if open >= 0 {
			out = append(out, Chunk{Begin: open, End: end, Type: typ})
		}
		open, typ = -1, -1
	}
	for i, tag := range tags {
		if tag < 0 || int(tag) >= 2*e.numChunkTypes {
			closeChunk(i)
			continue
		}
		t, inside := int(tag)/2, tag%2 == 1
		if inside && open >= 0 && t == typ {
			continue
		}
		closeChunk(i)
		open, typ = i, t
	}
	closeChunk(len(tags))
	return out
}

// Update scores one batch of predicted and gold tags packed with lod and
// adds it to the running totals. It returns the batch counts.
func (e *ChunkEvaluator) Update(pred, gold []int64, lod []int) (ChunkCounts, error) {
	if len(pred) != len(gold) {
		return ChunkCounts{}, fmt.Errorf("metrics: %d predicted tags, %d gold tags", len(pred), len(gold))
	}
	if len(lod) == 0 {
		lod = []int{0, len(pred)}
	}
	if lod[len(lod)-1] != len(pred) {
		return ChunkCounts{}, fmt.Errorf("metrics: lod %v does not cover %d tags", lod, len(pred))
	}
	var batch ChunkCounts
	for s := 0; s+1 < len(lod); s++ {
		b, end := lod[s], lod[s+1]
		inferred := e.Chunks(pred[b:end])
		labeled := e.Chunks(gold[b:end])
		batch.Inferred += len(inferred)
		batch.Labeled += len(labeled)
		gset := make(map[Chunk]bool, len(labeled))
		for _, c := range labeled {
			gset[c] = true
		}
		for _, c := range inferred {
			if gset[c] {
				batch.Correct++
			}
		}
	}
	e.total.add(batch)
	return batch, nil
}

// Result returns the counts accumulated since the last Reset.
func (e *ChunkEvaluator) Result() ChunkCounts { return e.total }

// Reset clears the running totals, typically at the start of a pass.
func (e *ChunkEvaluator) Reset() { e.total = ChunkCounts{} }
