package gpu

import (
	"fmt"
	"sync"

	"github.com/fxnlabs/cuwrap/internal/native"
	"go.uber.org/zap"
)

// Buffer is a Memory Handle: it exclusively owns one device allocation of a
// fixed element type and size. Transfers issued through Buffer methods run on
// the owning context's default stream.
type Buffer struct {
	ctx   *Context
	id    uint64
	dtype DType
	dims  Dims
	size  int

	mu   sync.Mutex
	ptr  native.DevicePtr
	live bool
}

func (b *Buffer) ID() uint64   { return b.id }
func (b *Buffer) DType() DType { return b.dtype }
func (b *Buffer) Dims() Dims   { return b.dims }

// Size returns the allocation size in bytes.
func (b *Buffer) Size() int { return b.size }

// Len returns the number of elements.
func (b *Buffer) Len() int { return b.size / b.dtype.Size() }

// Live reports whether the handle still owns its device pointer.
func (b *Buffer) Live() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// Ptr returns the raw device pointer for interop with other native code.
func (b *Buffer) Ptr() (native.DevicePtr, error) {
	return b.acquire("ptr")
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer#%d(%s%v)", b.id, b.dtype, b.dims.Extents)
}

// acquire returns the device pointer if the handle and its context are usable.
// Using a released handle is a caller bug: it is logged and reported as
// ErrUseAfterFree.
func (b *Buffer) acquire(op string) (native.DevicePtr, error) {
	if err := b.ctx.usable(); err != nil {
		return 0, &BufferError{Op: op, ID: b.id, Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.live {
		b.ctx.log.Error("Use of released device buffer", zap.String("op", op), zap.Uint64("buffer", b.id))
		return 0, &BufferError{Op: op, ID: b.id, Err: ErrUseAfterFree}
	}
	return b.ptr, nil
}

// kill marks the handle dead and hands its pointer to the caller, who becomes
// responsible for freeing it. It returns false if the handle was already dead.
func (b *Buffer) kill() (native.DevicePtr, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.live {
		return 0, false
	}
	b.live = false
	ptr := b.ptr
	b.ptr = 0
	return ptr, true
}

// Release frees the device allocation. Releasing an already released handle is
// a no-op.
func (b *Buffer) Release() error {
	ptr, ok := b.kill()
	if !ok {
		return nil
	}
	return b.ctx.free(b, ptr)
}

// checkHost validates a host array against the handle before any transfer is
// enqueued.
func (b *Buffer) checkHost(op string, h HostArray) error {
	fail := func(err error) error { return &BufferError{Op: op, ID: b.id, Err: err} }
	if h.dtype != b.dtype && h.dtype != Byte && b.dtype != Byte {
		return fail(fmt.Errorf("%w: host array holds %s, buffer holds %s", ErrTypeMismatch, h.dtype, b.dtype))
	}
	if h.Len() == 0 {
		return nil
	}
	if !h.dims.Contiguous() {
		return fail(fmt.Errorf("%w: host array %v is not contiguous", ErrLayoutMismatch, h.dims))
	}
	if h.dims.Rank() > 1 && b.dims.Rank() > 1 && isColMajor(h.dims) != isColMajor(b.dims) {
		return fail(fmt.Errorf("%w: host array is %s, buffer is %s", ErrLayoutMismatch, order(h.dims), order(b.dims)))
	}
	if n := h.ByteSize(); n > b.size {
		return fail(fmt.Errorf("%w: host array of %d bytes exceeds buffer of %d bytes", ErrSizeMismatch, n, b.size))
	}
	return nil
}

func isColMajor(d Dims) bool {
	return d.Satisfies(ColMajor) && !d.Satisfies(RowMajor)
}

func order(d Dims) Layout {
	if isColMajor(d) {
		return ColMajor
	}
	return RowMajor
}

// Upload copies h into the start of the buffer and waits for the copy to
// complete.
func (b *Buffer) Upload(h HostArray) error {
	if err := b.ctx.Stream().Upload(b, h); err != nil {
		return err
	}
	return b.ctx.Stream().WaitForIdle()
}

// UploadAsync enqueues the copy and returns. h must not be modified until the
// next synchronization of the default stream.
func (b *Buffer) UploadAsync(h HostArray) error {
	return b.ctx.Stream().Upload(b, h)
}

// Download copies the start of the buffer into h and waits for the copy to
// complete.
func (b *Buffer) Download(h HostArray) error {
	if err := b.ctx.Stream().Download(b, h); err != nil {
		return err
	}
	return b.ctx.Stream().WaitForIdle()
}

// DownloadAsync enqueues the copy and returns. h must not be read until the
// next synchronization of the default stream.
func (b *Buffer) DownloadAsync(h HostArray) error {
	return b.ctx.Stream().Download(b, h)
}

// CopyFrom copies the contents of src into the start of b and waits.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if err := b.ctx.Stream().Copy(b, src); err != nil {
		return err
	}
	return b.ctx.Stream().WaitForIdle()
}

// Zero clears the buffer and waits.
func (b *Buffer) Zero() error {
	if err := b.ctx.Stream().Zero(b); err != nil {
		return err
	}
	return b.ctx.Stream().WaitForIdle()
}

// ReadAs downloads the whole buffer into a new slice.
func ReadAs[T Element](b *Buffer) ([]T, error) {
	if _, err := b.acquire("download"); err != nil {
		return nil, err
	}
	if want := DTypeOf[T](); want != b.dtype {
		return nil, &BufferError{Op: "download", ID: b.id,
			Err: fmt.Errorf("%w: buffer holds %s, not %s", ErrTypeMismatch, b.dtype, want)}
	}
	out := make([]T, b.Len())
	if err := b.Download(HostVector(out)); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteAs uploads data into the start of the buffer.
func WriteAs[T Element](b *Buffer, data []T) error {
	return b.Upload(HostVector(data))
}
