package gpu

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/fxnlabs/cuwrap/internal/native"
	"go.uber.org/multierr"
)

// marshal validates args against the routine's argument kinds and lays them
// out as native words, stream excluded. It never calls into the module, so a
// rejected call issues no native work at all.
//
// Accepted Go values per kind:
//
//	device: *Buffer of the expected dtype
//	shape:  Dims, HostArray or *Buffer (their dims)
//	scalar: the Go type of the expected dtype; int for i32 and i64
func marshal(c *Context, r *Routine, args []any) ([]native.Arg, error) {
	kinds := r.userArgs()
	if len(args) != len(kinds) {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrTypeMismatch, r.Name(), len(kinds), len(args))
	}

	words := make([]native.Arg, 0, native.MaxArgs)
	bufs := make([]*Buffer, len(kinds))
	for i, k := range kinds {
		switch k.Class {
		case ClassDevice:
			b, ok := args[i].(*Buffer)
			if !ok || b == nil {
				return nil, fmt.Errorf("%w: argument %d of %s: want device buffer of %s, got %T",
					ErrTypeMismatch, i, r.Name(), k.DType, args[i])
			}
			if b.ctx != c {
				return nil, &BufferError{Op: "invoke " + r.Name(), ID: b.id, Err: ErrForeignHandle}
			}
			ptr, err := b.acquire("invoke " + r.Name())
			if err != nil {
				return nil, err
			}
			if b.dtype != k.DType {
				return nil, &BufferError{Op: "invoke " + r.Name(), ID: b.id,
					Err: fmt.Errorf("%w: argument %d expects a %s device pointer, buffer holds %s", ErrTypeMismatch, i, k.DType, b.dtype)}
			}
			bufs[i] = b
			words = append(words, native.Value(uintptr(ptr)), native.Value(uintptr(b.Len())))

		case ClassShape:
			d, err := dimsOf(args[i])
			if err != nil {
				return nil, fmt.Errorf("argument %d of %s: %w", i, r.Name(), err)
			}
			if !d.Satisfies(k.Layout) {
				return nil, fmt.Errorf("%w: argument %d of %s must be %s-major, got %v",
					ErrLayoutMismatch, i, r.Name(), k.Layout, d)
			}
			if k.Of >= 0 {
				b := bufs[k.Of]
				if span := d.Span(); span > b.Len() {
					return nil, &BufferError{Op: "invoke " + r.Name(), ID: b.id,
						Err: fmt.Errorf("%w: shape %v addresses %d elements, buffer holds %d", ErrSizeMismatch, d.Extents, span, b.Len())}
				}
			}
			desc, err := d.desc()
			if err != nil {
				return nil, fmt.Errorf("argument %d of %s: %w", i, r.Name(), err)
			}
			words = append(words, native.Pointer(unsafe.Pointer(&desc)))

		case ClassScalar:
			w, err := scalarWord(k.DType, args[i])
			if err != nil {
				return nil, fmt.Errorf("argument %d of %s: %w", i, r.Name(), err)
			}
			words = append(words, w)
		}
	}
	return words, nil
}

func dimsOf(v any) (Dims, error) {
	switch d := v.(type) {
	case Dims:
		return d, nil
	case *Dims:
		return *d, nil
	case HostArray:
		return d.Dims(), nil
	case *Buffer:
		return d.Dims(), nil
	}
	return Dims{}, fmt.Errorf("%w: want a shape descriptor, got %T", ErrTypeMismatch, v)
}

// scalarWord copies a scalar to the heap and returns its address as a word.
func scalarWord(dt DType, v any) (native.Arg, error) {
	mismatch := func() (native.Arg, error) {
		return native.Arg{}, fmt.Errorf("%w: want %s scalar, got %T", ErrTypeMismatch, dt, v)
	}
	switch dt {
	case Float32:
		x, ok := v.(float32)
		if !ok {
			return mismatch()
		}
		return native.Pointer(unsafe.Pointer(&x)), nil
	case Float64:
		x, ok := v.(float64)
		if !ok {
			return mismatch()
		}
		return native.Pointer(unsafe.Pointer(&x)), nil
	case Complex64:
		x, ok := v.(complex64)
		if !ok {
			return mismatch()
		}
		return native.Pointer(unsafe.Pointer(&x)), nil
	case Complex128:
		x, ok := v.(complex128)
		if !ok {
			return mismatch()
		}
		return native.Pointer(unsafe.Pointer(&x)), nil
	case Int32:
		var x int32
		switch n := v.(type) {
		case int32:
			x = n
		case int:
			if n < math.MinInt32 || n > math.MaxInt32 {
				return native.Arg{}, fmt.Errorf("%w: %d overflows i32", ErrTypeMismatch, n)
			}
			x = int32(n)
		default:
			return mismatch()
		}
		return native.Pointer(unsafe.Pointer(&x)), nil
	case Int64:
		var x int64
		switch n := v.(type) {
		case int64:
			x = n
		case int:
			x = int64(n)
		default:
			return mismatch()
		}
		return native.Pointer(unsafe.Pointer(&x)), nil
	case Byte:
		x, ok := v.(uint8)
		if !ok {
			return mismatch()
		}
		return native.Pointer(unsafe.Pointer(&x)), nil
	}
	return mismatch()
}

// Run is the convenience path for one-shot calls: it accepts HostArray values
// in place of device buffers, allocates a transient buffer for each, uploads
// the ones the routine reads, invokes the routine on the default stream,
// waits, downloads the ones it writes back into the host arrays and releases
// the transient buffers.
//
// *Buffer arguments are passed through unchanged.
func (c *Context) Run(name string, args ...any) (err error) {
	r, err := c.Routine(name)
	if err != nil {
		return err
	}
	if err := c.usable(); err != nil {
		return err
	}
	kinds := r.userArgs()
	if len(args) != len(kinds) {
		return fmt.Errorf("%w: %s expects %d arguments, got %d", ErrTypeMismatch, name, len(kinds), len(args))
	}

	// validate every host array before the first allocation
	for i, k := range kinds {
		h, ok := args[i].(HostArray)
		if !ok || k.Class != ClassDevice {
			continue
		}
		if h.DType() != k.DType {
			return fmt.Errorf("%w: argument %d of %s expects %s, host array holds %s", ErrTypeMismatch, i, name, k.DType, h.DType())
		}
		if h.Len() == 0 || !h.Dims().Contiguous() {
			return fmt.Errorf("%w: argument %d of %s: host array %v is not contiguous", ErrLayoutMismatch, i, name, h.Dims())
		}
	}

	call := make([]any, len(args))
	copy(call, args)
	var transient []*Buffer
	defer func() {
		for _, b := range transient {
			err = multierr.Append(err, b.Release())
		}
	}()

	s := c.Stream()
	type writeBack struct {
		buf  *Buffer
		host HostArray
	}
	var outs []writeBack
	for i, k := range kinds {
		h, ok := args[i].(HostArray)
		if !ok || k.Class != ClassDevice {
			continue
		}
		b, err := c.AllocDims(k.DType, h.Dims().dense())
		if err != nil {
			return err
		}
		transient = append(transient, b)
		if k.Access&Read != 0 {
			if err := s.Upload(b, h); err != nil {
				return err
			}
		}
		if k.Access&Write != 0 {
			outs = append(outs, writeBack{buf: b, host: h})
		}
		call[i] = b
	}

	if err := s.Invoke(name, call...); err != nil {
		return err
	}
	for _, o := range outs {
		if err := s.Download(o.buf, o.host); err != nil {
			return err
		}
	}
	return s.WaitForIdle()
}
