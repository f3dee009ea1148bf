package gpu

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fxnlabs/cuwrap/internal/metrics"
	"github.com/fxnlabs/cuwrap/internal/native"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type allocOptions struct {
	data   *HostArray
	zero   bool
	source *Buffer
}

// AllocOption sets the initial contents of a new buffer. Without one the
// contents are undefined.
type AllocOption func(*allocOptions)

// WithData uploads h into the new buffer.
func WithData(h HostArray) AllocOption {
	return func(o *allocOptions) { o.data = &h }
}

// WithZero clears the new buffer.
func WithZero() AllocOption {
	return func(o *allocOptions) { o.zero = true }
}

// WithCopyOf copies src into the new buffer on the device.
func WithCopyOf(src *Buffer) AllocOption {
	return func(o *allocOptions) { o.source = src }
}

// Allocate returns a raw byte buffer of nbytes.
func (c *Context) Allocate(nbytes int, opts ...AllocOption) (*Buffer, error) {
	return c.AllocDims(Byte, Shape(nbytes), opts...)
}

// Alloc returns a row-major buffer of the given element type and shape.
func (c *Context) Alloc(dt DType, shape []int, opts ...AllocOption) (*Buffer, error) {
	return c.AllocDims(dt, Shape(shape...), opts...)
}

// AllocFrom allocates a buffer shaped like h and uploads h into it.
func (c *Context) AllocFrom(h HostArray) (*Buffer, error) {
	if h.Len() == 0 {
		return nil, fmt.Errorf("%w: empty host array", ErrInvalidArgument)
	}
	if !h.Dims().Contiguous() {
		return nil, fmt.Errorf("%w: host array %v is not contiguous", ErrLayoutMismatch, h.Dims())
	}
	return c.AllocDims(h.DType(), h.Dims().dense(), WithData(h))
}

// AllocDims returns a buffer with the given element type and dense dims.
func (c *Context) AllocDims(dt DType, d Dims, opts ...AllocOption) (*Buffer, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	var o allocOptions
	for _, opt := range opts {
		opt(&o)
	}
	if dt.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, dt)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if !d.Contiguous() {
		return nil, fmt.Errorf("%w: device buffers must be dense, got %v", ErrLayoutMismatch, d)
	}
	size := d.Elements() * dt.Size()

	// check the initial contents before allocating anything
	probe := &Buffer{ctx: c, dtype: dt, dims: d, size: size}
	if o.data != nil {
		if err := probe.checkHost("alloc", *o.data); err != nil {
			return nil, err
		}
	}
	if o.source != nil {
		if o.source.ctx != c {
			return nil, &BufferError{Op: "alloc", ID: o.source.id, Err: ErrForeignHandle}
		}
		if o.source.size > size {
			return nil, fmt.Errorf("%w: source buffer #%d of %d bytes exceeds allocation of %d bytes",
				ErrSizeMismatch, o.source.id, o.source.size, size)
		}
	}

	ptr, st := c.rt.Malloc(uint64(size))
	if !st.OK() {
		return nil, c.allocFailure(size, st)
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	b := &Buffer{ctx: c, id: id, dtype: dt, dims: d, size: size, ptr: ptr, live: true}
	c.buffers[id] = b
	c.mu.Unlock()

	metrics.Allocations.Inc()
	metrics.LiveHandles.Inc()
	metrics.DeviceBytesLive.Add(float64(size))
	c.log.Debug("Allocated device buffer", zap.Uint64("buffer", id), zap.Stringer("dtype", dt),
		zap.Ints("shape", d.Extents), zap.Int("bytes", size))

	var err error
	switch {
	case o.data != nil:
		err = b.Upload(*o.data)
	case o.source != nil:
		err = b.CopyFrom(o.source)
	case o.zero:
		err = b.Zero()
	}
	if err != nil {
		return nil, multierr.Append(err, b.Release())
	}
	return b, nil
}

func (c *Context) allocFailure(size int, st native.Status) error {
	if st == native.StatusMemoryAllocation {
		metrics.AllocationFailures.WithLabelValues("out_of_memory").Inc()
		msg := fmt.Sprintf("requested %d bytes", size)
		if free, total, ok, fst := c.rt.MemInfo(); ok && fst.OK() {
			msg += fmt.Sprintf(", %d of %d bytes free", free, total)
		}
		c.log.Warn("Device allocation failed", zap.Int("bytes", size), zap.Stringer("status", st))
		return fmt.Errorf("%w: %s", ErrOutOfDeviceMemory, msg)
	}
	metrics.AllocationFailures.WithLabelValues("native").Inc()
	return &NativeRoutineError{Routine: native.SymMalloc, Code: st}
}

// free releases ptr, which the caller took from b with kill.
// A release racing Teardown after the context left the ready state does not
// call into the module; unloading reclaims the memory.
func (c *Context) free(b *Buffer, ptr native.DevicePtr) error {
	c.mu.Lock()
	delete(c.buffers, b.id)
	ready := c.state == StateReady
	if ready {
		c.frees.Add(1)
	}
	c.mu.Unlock()
	metrics.LiveHandles.Dec()
	metrics.DeviceBytesLive.Sub(float64(b.size))

	if !ready {
		return &BufferError{Op: "release", ID: b.id, Err: ErrContextClosed}
	}
	defer c.frees.Done()
	if st := c.rt.Free(ptr); !st.OK() {
		return &BufferError{Op: "release", ID: b.id, Err: &NativeRoutineError{Routine: native.SymFree, Code: st}}
	}
	c.log.Debug("Released device buffer", zap.Uint64("buffer", b.id))
	return nil
}

// Teardown synchronizes all streams, frees every handle that is still live,
// destroys the streams and unloads the module. Individual failures do not stop
// the sequence; they are aggregated into the returned error. Handles released
// before teardown are not counted and never cause an error. Calling Teardown
// again is a no-op.
func (c *Context) Teardown() (TeardownReport, error) {
	c.mu.Lock()
	prev := c.state
	if prev == StateTornDown {
		c.mu.Unlock()
		return TeardownReport{}, nil
	}
	c.state = StateTornDown
	buffers := make([]*Buffer, 0, len(c.buffers))
	for _, b := range c.buffers {
		buffers = append(buffers, b)
	}
	c.buffers = make(map[uint64]*Buffer)
	streams := c.streams
	c.mu.Unlock()

	var report TeardownReport
	if prev != StateReady {
		return report, nil
	}

	// frees that started before the state change finish against a loaded module
	c.frees.Wait()

	var errs error
	for _, s := range streams {
		errs = multierr.Append(errs, s.sync())
	}
	sort.Slice(buffers, func(i, j int) bool { return buffers[i].id < buffers[j].id })
	for _, b := range buffers {
		ptr, ok := b.kill()
		if !ok {
			continue
		}
		metrics.LiveHandles.Dec()
		metrics.DeviceBytesLive.Sub(float64(b.size))
		if st := c.rt.Free(ptr); !st.OK() {
			report.Failed++
			errs = multierr.Append(errs, &BufferError{Op: "teardown", ID: b.id,
				Err: &NativeRoutineError{Routine: native.SymFree, Code: st}})
			continue
		}
		report.Freed++
	}
	for _, s := range streams {
		if err := s.destroy(); err != nil {
			report.Failed++
			errs = multierr.Append(errs, err)
		}
	}
	if err := c.lib.Close(); err != nil {
		report.Failed++
		errs = multierr.Append(errs, fmt.Errorf("gpu: unload %s: %w", c.lib.Path(), err))
	}

	metrics.TeardownFailures.Add(float64(len(multierr.Errors(errs))))
	fields := []zap.Field{zap.Int("freed", report.Freed), zap.Int("failed", report.Failed)}
	if errs != nil {
		c.log.Warn("Device context torn down with errors", append(fields, zap.Error(errs))...)
	} else {
		c.log.Info("Device context torn down", fields...)
	}
	return report, errs
}

// Close tears the context down and returns the aggregated error.
func (c *Context) Close() error {
	_, err := c.Teardown()
	return err
}

// IsFatal reports whether err leaves the device in a state where the context
// should be torn down rather than reused.
func IsFatal(err error) bool {
	var nre *NativeRoutineError
	if errors.As(err, &nre) {
		switch nre.Code {
		case native.StatusIllegalAddress, native.StatusLaunchFailure, native.StatusUnloading:
			return true
		}
	}
	return errors.Is(err, ErrUseAfterFree)
}
