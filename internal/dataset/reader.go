package dataset

import (
	"context"
	"errors"
	"math/rand"

	"graphforge/internal/schema"
)

// ErrEndOfData marks the end of one pass over a dataset.
var ErrEndOfData = errors.New("dataset: end of data")

// Reader yields the records of one pass. Next returns ErrEndOfData once the
// pass is exhausted.
type Reader interface {
	Next(ctx context.Context) (schema.Record, error)
}

// Source opens a fresh reader for pass (numbered from 0). Readers may keep
// goroutines tied to ctx alive until it is cancelled.
type Source func(ctx context.Context, pass int) (Reader, error)

type sliceReader struct {
	records []schema.Record
	next    int
}

func (r *sliceReader) Next(ctx context.Context) (schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.next >= len(r.records) {
		return nil, ErrEndOfData
	}
	rec := r.records[r.next]
	r.next++
	return rec, nil
}

// FromRecords serves the same records, in order, on every pass.
func FromRecords(records []schema.Record) Source {
	return func(context.Context, int) (Reader, error) {
		return &sliceReader{records: records}, nil
	}
}

// Shuffle wraps src with a buffered shuffle of bufSize records. The order
// depends only on seed and the pass number.
func Shuffle(src Source, bufSize int, seed int64) Source {
	if bufSize <= 1 {
		return src
	}
	return func(ctx context.Context, pass int) (Reader, error) {
		inner, err := src(ctx, pass)
		if err != nil {
			return nil, err
		}
		return &shuffleReader{
			inner: inner,
			size:  bufSize,
			rng:   rand.New(rand.NewSource(seed + int64(pass)*7919)),
		}, nil
	}
}

type shuffleReader struct {
	inner   Reader
	size    int
	rng     *rand.Rand
	buf     []schema.Record
	drained bool
}

func (r *shuffleReader) Next(ctx context.Context) (schema.Record, error) {
	for !r.drained && len(r.buf) < r.size {
		rec, err := r.inner.Next(ctx)
		if errors.Is(err, ErrEndOfData) {
			r.drained = true
			break
		}
		if err != nil {
			return nil, err
		}
		r.buf = append(r.buf, rec)
	}
	if len(r.buf) == 0 {
		return nil, ErrEndOfData
	}
	i := r.rng.Intn(len(r.buf))
	rec := r.buf[i]
	last := len(r.buf) - 1
	r.buf[i] = r.buf[last]
	r.buf = r.buf[:last]
	return rec, nil
}

// Batcher groups the records of a reader into batches of at most size.
type Batcher struct {
	r    Reader
	size int
}

// NewBatcher returns a batcher over r.
func NewBatcher(r Reader, size int) *Batcher {
	if size <= 0 {
		size = 1
	}
	return &Batcher{r: r, size: size}
}

// Next returns the next batch. A final short batch is returned before
// ErrEndOfData.
func (b *Batcher) Next(ctx context.Context) (schema.Batch, error) {
	batch := make(schema.Batch, 0, b.size)
	for len(batch) < b.size {
		rec, err := b.r.Next(ctx)
		if errors.Is(err, ErrEndOfData) {
			break
		}
		if err != nil {
			return nil, err
		}
		batch = append(batch, rec)
	}
	if len(batch) == 0 {
		return nil, ErrEndOfData
	}
	return batch, nil
}

// ReadAll drains one pass of src.
func ReadAll(ctx context.Context, src Source, pass int) ([]schema.Record, error) {
	r, err := src(ctx, pass)
	if err != nil {
		return nil, err
	}
	var out []schema.Record
	for {
		rec, err := r.Next(ctx)
		if errors.Is(err, ErrEndOfData) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}
