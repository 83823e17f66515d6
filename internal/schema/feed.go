package schema

import (
	"fmt"

	"graphforge/internal/tensor"
)

// Value holds one field of one record.
type Value struct {
	Ints   []int64
	Floats []float64
}

// Ints wraps integer values.
func Ints(v ...int64) Value { return Value{Ints: v} }

// Floats wraps float values.
func Floats(v ...float64) Value { return Value{Floats: v} }

func (v Value) len() int {
	if v.Ints != nil {
		return len(v.Ints)
	}
	return len(v.Floats)
}

// Record maps field names to values.
type Record map[string]Value

// Batch is an ordered group of records.
type Batch []Record

// Feeder converts batches into named tensors following a schema.
type Feeder struct {
	schema Schema
}

// NewFeeder validates s and returns a feeder for it.
func NewFeeder(s Schema) (*Feeder, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Feeder{schema: s}, nil
}

// Schema returns the fields the feeder produces.
func (f *Feeder) Schema() Schema { return f.schema }

// Feed converts b into one tensor per field. Sequence fields are packed with
// an LoD built from the record lengths.
func (f *Feeder) Feed(b Batch) (map[string]*tensor.Tensor, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("schema: empty batch")
	}
	out := make(map[string]*tensor.Tensor, len(f.schema.Fields))
	for _, field := range f.schema.Fields {
		t, err := packField(field, b)
		if err != nil {
			return nil, err
		}
		out[field.Name] = t
	}
	return out, nil
}

func packField(field Field, b Batch) (*tensor.Tensor, error) {
	width := field.Width()
	rows := 0
	var lod []int
	if field.Sequence {
		lod = make([]int, 1, len(b)+1)
	}
	for i, rec := range b {
		v, ok := rec[field.Name]
		if !ok {
			return nil, fmt.Errorf("%w: record %d lacks %q", ErrMissingField, i, field.Name)
		}
		if field.DType.IsFloat() && v.Floats == nil && v.Ints != nil {
			return nil, fmt.Errorf("schema: field %q expects floats", field.Name)
		}
		if !field.DType.IsFloat() && v.Ints == nil && v.Floats != nil {
			return nil, fmt.Errorf("schema: field %q expects integers", field.Name)
		}
		n := v.len()
		if field.Sequence {
			if n%width != 0 {
				return nil, fmt.Errorf("schema: field %q record %d has %d values, not a multiple of %d", field.Name, i, n, width)
			}
			rows += n / width
			lod = append(lod, rows)
			continue
		}
		if n != width {
			return nil, fmt.Errorf("schema: field %q record %d has %d values, want %d", field.Name, i, n, width)
		}
		rows++
	}

	t := tensor.New(field.DType, append([]int{rows}, field.Shape...)...)
	off := 0
	for _, rec := range b {
		v := rec[field.Name]
		if t.DType.IsFloat() {
			off += copy(t.Float[off:], v.Floats)
		} else {
			off += copy(t.Int[off:], v.Ints)
		}
	}
	if lod != nil {
		if err := t.SetLoD(lod); err != nil {
			return nil, fmt.Errorf("schema: field %q: %w", field.Name, err)
		}
	}
	return t, nil
}
