package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidLoD reports an offset table that is not a valid partition of the rows.
var ErrInvalidLoD = errors.New("tensor: invalid lod")

// Tensor is a dense row-major buffer with an optional one-level LoD.
//
// Floating point tensors keep their values in Float, integer and boolean
// tensors in Int. The first dimension of Shape is the row count; LoD, when
// present, partitions those rows into variable-length sequences.
type Tensor struct {
	DType DType
	Shape []int
	Float []float64
	Int   []int64
	LoD   []int
}

// New returns a zero-filled tensor of the given dtype and shape.
func New(dt DType, shape ...int) *Tensor {
	t := &Tensor{DType: dt, Shape: append([]int(nil), shape...)}
	n := Numel(shape)
	if dt.IsFloat() {
		t.Float = make([]float64, n)
	} else {
		t.Int = make([]int64, n)
	}
	return t
}

// Zeros returns a float64 tensor filled with zeros.
func Zeros(shape ...int) *Tensor {
	return New(Float64, shape...)
}

// FromFloats wraps data without copying it.
func FromFloats(shape []int, data []float64) (*Tensor, error) {
	if Numel(shape) != len(data) {
		return nil, fmt.Errorf("tensor: shape %v needs %d values, got %d", shape, Numel(shape), len(data))
	}
	return &Tensor{DType: Float64, Shape: append([]int(nil), shape...), Float: data}, nil
}

// FromInts wraps data without copying it.
func FromInts(shape []int, data []int64) (*Tensor, error) {
	if Numel(shape) != len(data) {
		return nil, fmt.Errorf("tensor: shape %v needs %d values, got %d", shape, Numel(shape), len(data))
	}
	return &Tensor{DType: Int64, Shape: append([]int(nil), shape...), Int: data}, nil
}

// FromSequences packs integer sequences into a [total, 1] tensor whose LoD
// records where every sequence starts.
func FromSequences(seqs [][]int64) *Tensor {
	lod := make([]int, 1, len(seqs)+1)
	var data []int64
	for _, s := range seqs {
		data = append(data, s...)
		lod = append(lod, len(data))
	}
	return &Tensor{DType: Int64, Shape: []int{len(data), 1}, Int: data, LoD: lod}
}

// Numel is the number of elements described by shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Rows is the size of the first dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// Cols is the number of elements per row.
func (t *Tensor) Cols() int {
	if len(t.Shape) <= 1 {
		return 1
	}
	return Numel(t.Shape[1:])
}

// Len is the total number of elements.
func (t *Tensor) Len() int {
	return Numel(t.Shape)
}

// Row returns a view of row i of a float tensor.
func (t *Tensor) Row(i int) []float64 {
	c := t.Cols()
	return t.Float[i*c : (i+1)*c]
}

// SetLoD validates and attaches an offset table.
func (t *Tensor) SetLoD(lod []int) error {
	if err := ValidateLoD(lod, t.Rows()); err != nil {
		return err
	}
	t.LoD = append([]int(nil), lod...)
	return nil
}

// NumSequences returns how many sequences the LoD describes, or the row
// count for tensors without one.
func (t *Tensor) NumSequences() int {
	if len(t.LoD) == 0 {
		return t.Rows()
	}
	return len(t.LoD) - 1
}

// Sequence returns the [begin, end) row range of sequence i.
func (t *Tensor) Sequence(i int) (int, int) {
	if len(t.LoD) == 0 {
		return i, i + 1
	}
	return t.LoD[i], t.LoD[i+1]
}

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{DType: t.DType, Shape: append([]int(nil), t.Shape...)}
	if t.Float != nil {
		out.Float = append([]float64(nil), t.Float...)
	}
	if t.Int != nil {
		out.Int = append([]int64(nil), t.Int...)
	}
	if t.LoD != nil {
		out.LoD = append([]int(nil), t.LoD...)
	}
	return out
}

// ZerosLike returns a float tensor with the same shape and LoD as t.
func ZerosLike(t *Tensor) *Tensor {
	out := Zeros(t.Shape...)
	if t.LoD != nil {
		out.LoD = append([]int(nil), t.LoD...)
	}
	return out
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// HasNaN reports whether any float element is NaN.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Float {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// Scalar returns the first float element.
func (t *Tensor) Scalar() float64 {
	if len(t.Float) == 0 {
		return math.NaN()
	}
	return t.Float[0]
}

// ValidateLoD checks that lod starts at zero, never decreases and ends at rows.
func ValidateLoD(lod []int, rows int) error {
	if len(lod) == 0 {
		return nil
	}
	if len(lod) < 2 {
		return fmt.Errorf("%w: need at least two offsets, got %v", ErrInvalidLoD, lod)
	}
	if lod[0] != 0 {
		return fmt.Errorf("%w: first offset must be 0, got %d", ErrInvalidLoD, lod[0])
	}
	for i := 1; i < len(lod); i++ {
		if lod[i] < lod[i-1] {
			return fmt.Errorf("%w: offsets decrease at %d (%d < %d)", ErrInvalidLoD, i, lod[i], lod[i-1])
		}
	}
	if last := lod[len(lod)-1]; last != rows {
		return fmt.Errorf("%w: last offset %d does not match %d rows", ErrInvalidLoD, last, rows)
	}
	return nil
}
