package gpu

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxnlabs/cuwrap/internal/native"
)

var (
	ErrOutOfDeviceMemory    = errors.New("out of device memory")
	ErrSizeMismatch         = errors.New("size mismatch")
	ErrUseAfterFree         = errors.New("use after free")
	ErrLibraryNotFound      = errors.New("library not found")
	ErrArchitectureMismatch = errors.New("architecture mismatch")
	ErrRoutineNotFound      = errors.New("routine not found")
	ErrTypeMismatch         = errors.New("type mismatch")
	ErrLayoutMismatch       = errors.New("layout mismatch")
	ErrContextClosed        = errors.New("context closed")

	// ErrNotReady is returned by operations on a context that was never opened.
	ErrNotReady = errors.New("context not opened")
	// ErrForeignHandle is returned when a buffer is used with a context other
	// than the one that allocated it.
	ErrForeignHandle = errors.New("buffer belongs to another context")
	// ErrInvalidArgument covers malformed requests: zero-sized allocations,
	// bad shapes, unparsable signatures.
	ErrInvalidArgument = errors.New("invalid argument")
)

// BufferError records a failed operation on a Memory Handle.
type BufferError struct {
	Op  string
	ID  uint64
	Err error
}

func (e *BufferError) Error() string {
	return fmt.Sprintf("gpu: %s buffer #%d: %v", e.Op, e.ID, e.Err)
}

func (e *BufferError) Unwrap() error {
	return e.Err
}

// NativeRoutineError is a non-zero status returned by a native entry point.
//
// When the status was observed at a synchronization point, Pending lists the
// operations enqueued since the previous synchronization in enqueue order and
// Routine is the most recent of them. The failing operation is one of Pending,
// but the device does not say which.
type NativeRoutineError struct {
	Routine string
	Code    native.Status
	Pending []string
}

func (e *NativeRoutineError) Error() string {
	if len(e.Pending) > 0 {
		return fmt.Sprintf("gpu: native error %s surfaced at synchronization after %q (unsynchronized: %s)",
			e.Code, e.Routine, strings.Join(e.Pending, ", "))
	}
	return fmt.Sprintf("gpu: routine %q failed: %s", e.Routine, e.Code)
}

// Is lets errors.Is classify native codes into the taxonomy: device code
// built for another architecture is an ErrArchitectureMismatch, an allocation
// failure is an ErrOutOfDeviceMemory.
func (e *NativeRoutineError) Is(target error) bool {
	switch target {
	case ErrArchitectureMismatch:
		return e.Code.ArchitectureFault()
	case ErrOutOfDeviceMemory:
		return e.Code == native.StatusMemoryAllocation
	}
	return false
}

// ResolveError reports a failed module search.
type ResolveError struct {
	Platform string
	File     string
	Tried    []string
	Err      error
}

func (e *ResolveError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("gpu: resolve module on %s: %v", e.Platform, e.Err)
	}
	return fmt.Sprintf("gpu: resolve module %s on %s (tried %s): %v",
		e.File, e.Platform, strings.Join(e.Tried, ", "), e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}
