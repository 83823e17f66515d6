package schema

import (
	"errors"
	"fmt"

	"graphforge/internal/tensor"
)

// ErrMissingField is returned when a model needs a field the schema lacks.
var ErrMissingField = errors.New("schema: missing required field")

// Field declares one named model input.
type Field struct {
	Name     string       `json:"name"`
	DType    tensor.DType `json:"dtype"`
	Shape    []int        `json:"shape"`
	Sequence bool         `json:"sequence,omitempty"`
}

// Rank is the number of per-record dimensions.
func (f Field) Rank() int { return len(f.Shape) }

// Width is the number of elements one record (or one sequence step) holds.
func (f Field) Width() int { return tensor.Numel(f.Shape) }

// IntField declares a fixed single integer id.
func IntField(name string) Field {
	return Field{Name: name, DType: tensor.Int64, Shape: []int{1}}
}

// IntSequence declares a variable-length sequence of integer ids.
func IntSequence(name string) Field {
	return Field{Name: name, DType: tensor.Int64, Shape: []int{1}, Sequence: true}
}

// FloatField declares a fixed float field of the given per-record shape.
func FloatField(name string, shape ...int) Field {
	return Field{Name: name, DType: tensor.Float32, Shape: shape}
}

// Schema is an ordered list of fields.
type Schema struct {
	Fields []Field `json:"fields"`
}

// New builds a schema from fields in declaration order.
func New(fields ...Field) Schema {
	return Schema{Fields: append([]Field(nil), fields...)}
}

// Names lists field names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Field looks a field up by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks names are unique and non-empty and shapes are usable.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return errors.New("schema: no fields declared")
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema: field %d has no name", i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("schema: duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if !f.DType.Valid() {
			return fmt.Errorf("schema: field %q has invalid dtype", f.Name)
		}
		if len(f.Shape) == 0 {
			return fmt.Errorf("schema: field %q has no shape", f.Name)
		}
		for _, d := range f.Shape {
			if d <= 0 {
				return fmt.Errorf("schema: field %q has non-positive dimension in %v", f.Name, f.Shape)
			}
		}
	}
	return nil
}

// Require returns ErrMissingField naming the first absent field.
func (s Schema) Require(names ...string) error {
	for _, name := range names {
		if _, ok := s.Field(name); !ok {
			return fmt.Errorf("%w: %q", ErrMissingField, name)
		}
	}
	return nil
}

// Select returns the sub-schema with the named fields, in the given order.
func (s Schema) Select(names ...string) (Schema, error) {
	out := Schema{Fields: make([]Field, 0, len(names))}
	for _, name := range names {
		f, ok := s.Field(name)
		if !ok {
			return Schema{}, fmt.Errorf("%w: %q", ErrMissingField, name)
		}
		out.Fields = append(out.Fields, f)
	}
	return out, nil
}
