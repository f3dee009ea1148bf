package gpu

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/fxnlabs/cuwrap/internal/metrics"
	"github.com/fxnlabs/cuwrap/internal/native"
	"go.uber.org/zap"
)

// Stream is an ordered queue of device work owned by a context. Work issued on
// one stream executes in enqueue order; there is no ordering between streams.
//
// Every method except WaitForIdle only enqueues. Host memory handed to an
// enqueued transfer stays pinned until the stream is next synchronized.
type Stream struct {
	ctx    *Context
	handle native.Stream
	index  int

	mu      sync.Mutex
	pending []pendingOp
	closed  bool

	// syncMu serializes synchronizations so each one retires exactly the
	// operations it waited for.
	syncMu sync.Mutex
}

type pendingOp struct {
	name string
	pin  *runtime.Pinner
}

// Index is 0 for the default stream and increases with each NewStream.
func (s *Stream) Index() int {
	return s.index
}

// Pending returns the operations enqueued since the last synchronization.
func (s *Stream) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.pending))
	for i, op := range s.pending {
		names[i] = op.name
	}
	return names
}

// enqueue issues one native enqueue call under the stream lock and records it
// as pending. If the call fails immediately nothing is recorded and pin is
// released.
func (s *Stream) enqueue(name string, pin *runtime.Pinner, call func() native.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		unpin(pin)
		return ErrContextClosed
	}
	if st := call(); !st.OK() {
		unpin(pin)
		return &NativeRoutineError{Routine: name, Code: st}
	}
	s.pending = append(s.pending, pendingOp{name: name, pin: pin})
	return nil
}

func pinHost(h HostArray) *runtime.Pinner {
	p := new(runtime.Pinner)
	if ptr := h.pointer(); ptr != nil {
		p.Pin(ptr)
	}
	return p
}

func unpin(p *runtime.Pinner) {
	if p != nil {
		p.Unpin()
	}
}

// Upload enqueues a copy of h into the start of b.
func (s *Stream) Upload(b *Buffer, h HostArray) error {
	if err := s.checkOwner("upload", b); err != nil {
		return err
	}
	ptr, err := b.acquire("upload")
	if err != nil {
		return err
	}
	if err := b.checkHost("upload", h); err != nil {
		return err
	}
	n := h.ByteSize()
	if n == 0 {
		return nil
	}
	err = s.enqueue("upload", pinHost(h), func() native.Status {
		return s.ctx.rt.MemcpyH2DAsync(ptr, h.pointer(), uint64(n), s.handle)
	})
	if err != nil {
		return &BufferError{Op: "upload", ID: b.id, Err: err}
	}
	metrics.TransferBytes.WithLabelValues("h2d").Add(float64(n))
	return nil
}

// Download enqueues a copy of the start of b into h.
func (s *Stream) Download(b *Buffer, h HostArray) error {
	if err := s.checkOwner("download", b); err != nil {
		return err
	}
	ptr, err := b.acquire("download")
	if err != nil {
		return err
	}
	if err := b.checkHost("download", h); err != nil {
		return err
	}
	n := h.ByteSize()
	if n == 0 {
		return nil
	}
	err = s.enqueue("download", pinHost(h), func() native.Status {
		return s.ctx.rt.MemcpyD2HAsync(h.pointer(), ptr, uint64(n), s.handle)
	})
	if err != nil {
		return &BufferError{Op: "download", ID: b.id, Err: err}
	}
	metrics.TransferBytes.WithLabelValues("d2h").Add(float64(n))
	return nil
}

// Copy enqueues a device to device copy of all of src into the start of dst.
func (s *Stream) Copy(dst, src *Buffer) error {
	if err := s.checkOwner("copy", dst); err != nil {
		return err
	}
	if err := s.checkOwner("copy", src); err != nil {
		return err
	}
	sp, err := src.acquire("copy")
	if err != nil {
		return err
	}
	dp, err := dst.acquire("copy")
	if err != nil {
		return err
	}
	if dst.dtype != src.dtype && dst.dtype != Byte && src.dtype != Byte {
		return &BufferError{Op: "copy", ID: dst.id,
			Err: fmt.Errorf("%w: source buffer #%d holds %s, destination holds %s", ErrTypeMismatch, src.id, src.dtype, dst.dtype)}
	}
	if src.size > dst.size {
		return &BufferError{Op: "copy", ID: dst.id,
			Err: fmt.Errorf("%w: source buffer #%d of %d bytes exceeds destination of %d bytes", ErrSizeMismatch, src.id, src.size, dst.size)}
	}
	err = s.enqueue("copy", nil, func() native.Status {
		return s.ctx.rt.MemcpyD2DAsync(dp, sp, uint64(src.size), s.handle)
	})
	if err != nil {
		return &BufferError{Op: "copy", ID: dst.id, Err: err}
	}
	metrics.TransferBytes.WithLabelValues("d2d").Add(float64(src.size))
	return nil
}

// Zero enqueues a memset of b to zero bytes.
func (s *Stream) Zero(b *Buffer) error {
	if err := s.checkOwner("zero", b); err != nil {
		return err
	}
	ptr, err := b.acquire("zero")
	if err != nil {
		return err
	}
	err = s.enqueue("zero", nil, func() native.Status {
		return s.ctx.rt.MemsetAsync(ptr, 0, uint64(b.size), s.handle)
	})
	if err != nil {
		return &BufferError{Op: "zero", ID: b.id, Err: err}
	}
	metrics.TransferBytes.WithLabelValues("memset").Add(float64(b.size))
	return nil
}

func (s *Stream) checkOwner(op string, b *Buffer) error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}
	if b.ctx != s.ctx {
		return &BufferError{Op: op, ID: b.id, Err: ErrForeignHandle}
	}
	return nil
}

// WaitForIdle blocks until all work enqueued on the stream has completed.
//
// A native error raised by any of that work is returned as a
// NativeRoutineError attributed to the most recently enqueued operation, with
// Pending listing every operation that was unsynchronized.
func (s *Stream) WaitForIdle() error {
	if err := s.ctx.usable(); err != nil {
		return err
	}
	return s.sync()
}

func (s *Stream) sync() error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()

	start := time.Now()
	st := s.ctx.rt.StreamSync(s.handle)
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	s.mu.Lock()
	done := s.pending[:n]
	s.pending = append([]pendingOp(nil), s.pending[n:]...)
	s.mu.Unlock()

	names := make([]string, len(done))
	for i, op := range done {
		unpin(op.pin)
		names[i] = op.name
	}
	if st.OK() {
		return nil
	}
	err := &NativeRoutineError{Code: st, Pending: names}
	if len(names) > 0 {
		err.Routine = names[len(names)-1]
	}
	s.ctx.log.Warn("Deferred native error surfaced at synchronization",
		zap.Int("stream", s.index), zap.Stringer("status", st), zap.Strings("pending", names))
	return err
}

// destroy synchronizes the stream and releases its native handle. The
// default stream (handle 0) belongs to the module and is not destroyed.
func (s *Stream) destroy() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.handle == 0 {
		return nil
	}
	if st := s.ctx.rt.StreamDestroy(s.handle); !st.OK() {
		return &NativeRoutineError{Routine: native.SymStreamDestroy, Code: st}
	}
	return nil
}
