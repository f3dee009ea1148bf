// Package native defines the C-style boundary between cuwrap and a compiled
// backend module: how a module is opened, how exported entry points are looked
// up, and how arguments are laid out as machine words.
//
// Every exported routine uses C linkage, takes a fixed-order list of words
// (device pointers, shape descriptors, scalars, stream) and returns an int32
// status where 0 means success.
package native

import (
	"errors"
	"unsafe"
)

// MaxArgs is the maximum number of words a single native call may take.
const MaxArgs = 15

// MaxDims is the number of extents and strides carried by a ShapeDesc.
const MaxDims = 8

var (
	// ErrSymbolNotFound is returned by Library.Lookup when the module does not
	// export the requested symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrUnsupportedPlatform is returned by Open on platforms without a
	// dynamic loader implementation.
	ErrUnsupportedPlatform = errors.New("dynamic loading not supported on this platform")
	// ErrLibraryClosed is returned by Lookup after Close.
	ErrLibraryClosed = errors.New("library closed")
)

// DevicePtr is an address in the accelerator's memory space. It must never be
// dereferenced on the host.
type DevicePtr uintptr

// Stream is an opaque stream handle owned by the native module.
type Stream uintptr

// Arg is one word passed across the native boundary. Host is set when the word
// is the address of host memory (scalars, descriptors, transfer buffers and out
// parameters); it must point into Go-allocated memory so the loader can pin it
// for the duration of the call.
type Arg struct {
	Word uintptr
	Host unsafe.Pointer
}

// Value returns an Arg carrying an integer, device pointer or stream handle.
func Value(v uintptr) Arg {
	return Arg{Word: v}
}

// Pointer returns an Arg carrying the address of host memory.
func Pointer(p unsafe.Pointer) Arg {
	return Arg{Host: p}
}

// Uintptr returns the machine word placed in the argument register or slot.
func (a Arg) Uintptr() uintptr {
	if a.Host != nil {
		return uintptr(a.Host)
	}
	return a.Word
}

// Proc is a resolved native entry point.
type Proc interface {
	Call(args ...Arg) Status
}

// Library is a loaded backend module.
type Library interface {
	// Path identifies where the module was loaded from.
	Path() string
	// Lookup resolves an exported symbol. It returns an error wrapping
	// ErrSymbolNotFound when the symbol is absent.
	Lookup(symbol string) (Proc, error)
	// Close unloads the module. Procs obtained from it become invalid.
	Close() error
}

// Layout codes carried in ShapeDesc.Layout.
const (
	LayoutRowMajor int32 = 0
	LayoutColMajor int32 = 1
)

// ShapeDesc mirrors struct cw_shape from abi/cuwrap.h. Strides are counted in
// elements, not bytes.
type ShapeDesc struct {
	NDim    int32
	Layout  int32
	Extents [MaxDims]int64
	Strides [MaxDims]int64
}

// Elements returns the product of the used extents.
func (d *ShapeDesc) Elements() int64 {
	if d.NDim <= 0 {
		return 0
	}
	n := int64(1)
	for i := 0; i < int(d.NDim) && i < MaxDims; i++ {
		n *= d.Extents[i]
	}
	return n
}

// DeviceProps mirrors struct cw_device_props from abi/cuwrap.h.
type DeviceProps struct {
	Name            [256]byte
	Major           int32
	Minor           int32
	MultiProcessors int32
	_               int32
	TotalMemory     uint64
}

// DeviceName returns Name up to the first NUL byte.
func (p *DeviceProps) DeviceName() string {
	return cString(p.Name[:])
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
