package gpu

import "fmt"

// DType tags the element type of device and host arrays.
type DType uint8

const (
	Byte DType = iota
	Float32
	Float64
	Complex64
	Complex128
	Int32
	Int64
)

var dtypeNames = [...]string{
	Byte:       "u8",
	Float32:    "f32",
	Float64:    "f64",
	Complex64:  "c64",
	Complex128: "c128",
	Int32:      "i32",
	Int64:      "i64",
}

var dtypeSizes = [...]int{
	Byte:       1,
	Float32:    4,
	Float64:    8,
	Complex64:  8,
	Complex128: 16,
	Int32:      4,
	Int64:      8,
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	if int(d) >= len(dtypeSizes) {
		return 0
	}
	return dtypeSizes[d]
}

func (d DType) String() string {
	if int(d) >= len(dtypeNames) {
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
	return dtypeNames[d]
}

// ParseDType accepts the short names produced by String ("f32", "c64", ...).
func ParseDType(s string) (DType, error) {
	for i, name := range dtypeNames {
		if name == s {
			return DType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown dtype %q", ErrInvalidArgument, s)
}

// Element is the set of Go types that map onto a DType.
type Element interface {
	uint8 | float32 | float64 | complex64 | complex128 | int32 | int64
}

// DTypeOf returns the tag for T.
func DTypeOf[T Element]() DType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case complex64:
		return Complex64
	case complex128:
		return Complex128
	case int32:
		return Int32
	case int64:
		return Int64
	default:
		return Byte
	}
}
