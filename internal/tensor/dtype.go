package tensor

import (
	"fmt"
	"strings"
)

// DType is the element type of a tensor or field.
type DType uint8

const (
	Float32 DType = iota + 1
	Float64
	Int32
	Int64
	Bool
)

var dtypeNames = [...]string{
	Float32: "float32",
	Float64: "float64",
	Int32:   "int32",
	Int64:   "int64",
	Bool:    "bool",
}

// Valid reports whether dt is one of the supported types.
func (dt DType) Valid() bool {
	return dt >= Float32 && dt <= Bool
}

// IsFloat reports whether values of this type live in Tensor.Float.
func (dt DType) IsFloat() bool {
	return dt == Float32 || dt == Float64
}

func (dt DType) String() string {
	if !dt.Valid() {
		return fmt.Sprintf("DType(%d)", uint8(dt))
	}
	return dtypeNames[dt]
}

// ParseDType is the inverse of String.
func ParseDType(s string) (DType, error) {
	for dt, name := range dtypeNames {
		if name != "" && strings.EqualFold(name, s) {
			return DType(dt), nil
		}
	}
	return 0, fmt.Errorf("tensor: unknown dtype %q", s)
}

// MarshalText encodes the dtype by name.
func (dt DType) MarshalText() ([]byte, error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("tensor: invalid dtype %d", uint8(dt))
	}
	return []byte(dt.String()), nil
}

// UnmarshalText decodes a dtype name.
func (dt *DType) UnmarshalText(text []byte) error {
	v, err := ParseDType(string(text))
	if err != nil {
		return err
	}
	*dt = v
	return nil
}
