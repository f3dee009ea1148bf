package gpu

import (
	"fmt"
	"unsafe"
)

// HostArray is a typed, shaped view over Go-allocated host memory. It does not
// copy: transfers read from and write to the backing slice directly.
type HostArray struct {
	dtype DType
	dims  Dims
	data  []byte
}

// Host wraps data as a row-major array. Without a shape the array is a vector
// of len(data) elements.
func Host[T Element](data []T, shape ...int) (HostArray, error) {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	return HostStrided(data, Shape(shape...))
}

// HostVector wraps data as a vector.
func HostVector[T Element](data []T) HostArray {
	return HostArray{dtype: DTypeOf[T](), dims: Shape(len(data)), data: asBytes(data)}
}

// HostStrided wraps data with explicit dims. Every addressed element must lie
// inside data.
func HostStrided[T Element](data []T, dims Dims) (HostArray, error) {
	if len(data) == 0 {
		return HostArray{}, fmt.Errorf("%w: empty host array", ErrInvalidArgument)
	}
	if err := dims.Validate(); err != nil {
		return HostArray{}, err
	}
	if span := dims.Span(); span > len(data) {
		return HostArray{}, fmt.Errorf("%w: shape %v addresses %d elements, slice holds %d",
			ErrSizeMismatch, dims.Extents, span, len(data))
	}
	return HostArray{dtype: DTypeOf[T](), dims: dims, data: asBytes(data)}, nil
}

// HostBytes wraps raw bytes.
func HostBytes(b []byte) HostArray {
	return HostArray{dtype: Byte, dims: Shape(len(b)), data: b}
}

// NewHost allocates a zeroed host array.
func NewHost(dt DType, shape ...int) (HostArray, error) {
	d := Shape(shape...)
	if err := d.Validate(); err != nil {
		return HostArray{}, err
	}
	n := d.Elements()
	var data []byte
	switch dt {
	case Byte:
		data = make([]byte, n)
	case Float32:
		data = asBytes(make([]float32, n))
	case Float64:
		data = asBytes(make([]float64, n))
	case Complex64:
		data = asBytes(make([]complex64, n))
	case Complex128:
		data = asBytes(make([]complex128, n))
	case Int32:
		data = asBytes(make([]int32, n))
	case Int64:
		data = asBytes(make([]int64, n))
	default:
		return HostArray{}, fmt.Errorf("%w: %s", ErrInvalidArgument, dt)
	}
	return HostArray{dtype: dt, dims: d, data: data}, nil
}

func asBytes[T Element](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	size := int(unsafe.Sizeof(data[0]))
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), len(data)*size)
}

func (h HostArray) DType() DType { return h.dtype }
func (h HostArray) Dims() Dims   { return h.dims }

// Len returns the number of logical elements.
func (h HostArray) Len() int { return h.dims.Elements() }

// ByteSize returns the size in bytes of the addressed region.
func (h HostArray) ByteSize() int { return h.dims.Span() * h.dtype.Size() }

// Bytes returns the addressed region of the backing memory.
func (h HostArray) Bytes() []byte { return h.data[:h.ByteSize()] }

func (h HostArray) pointer() unsafe.Pointer {
	if len(h.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&h.data[0])
}

// Slice returns the backing memory of h as a []T.
func Slice[T Element](h HostArray) ([]T, error) {
	if want := DTypeOf[T](); want != h.dtype {
		return nil, fmt.Errorf("%w: host array holds %s, not %s", ErrTypeMismatch, h.dtype, want)
	}
	if len(h.data) == 0 {
		return nil, nil
	}
	var zero T
	n := len(h.data) / int(unsafe.Sizeof(zero))
	return unsafe.Slice((*T)(unsafe.Pointer(&h.data[0])), n), nil
}
