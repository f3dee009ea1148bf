package gpu

import (
	"fmt"
	"runtime"

	"github.com/fxnlabs/cuwrap/internal/metrics"
	"github.com/fxnlabs/cuwrap/internal/native"
	"go.uber.org/zap"
)

// Invoke calls the named routine on the stream. args follow the routine's
// argument list without the trailing stream, which is supplied here.
//
// The routine is resolved first, so an unknown name fails with
// ErrRoutineNotFound whatever the context state. Arguments are then validated
// in full; a call rejected with ErrTypeMismatch, ErrLayoutMismatch,
// ErrSizeMismatch or ErrUseAfterFree has issued no native call.
//
// Invoke does not synchronize. A non-zero status returned by the entry point
// itself is reported here; errors raised while the work executes surface at
// the next WaitForIdle.
func (s *Stream) Invoke(name string, args ...any) error {
	r, err := s.ctx.Routine(name)
	if err != nil {
		return err
	}
	if err := s.ctx.usable(); err != nil {
		return err
	}
	words, err := marshal(s.ctx, r, args)
	if err != nil {
		metrics.RoutineInvocations.WithLabelValues(name, "rejected").Inc()
		return fmt.Errorf("gpu: invoke %s: %w", name, err)
	}
	words = append(words, native.Value(uintptr(s.handle)))
	return s.dispatch(r, words)
}

func (s *Stream) dispatch(r *Routine, words []native.Arg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrContextClosed
	}

	st := r.proc.Call(words...)
	runtime.KeepAlive(words)
	if r.Returns() == ReturnsVoid {
		st = native.StatusSuccess
	}
	if !st.OK() {
		metrics.RoutineInvocations.WithLabelValues(r.Name(), "error").Inc()
		s.ctx.log.Warn("Routine failed", zap.String("routine", r.Name()), zap.Stringer("status", st))
		return &NativeRoutineError{Routine: r.Name(), Code: st}
	}
	s.pending = append(s.pending, pendingOp{name: r.Name()})
	metrics.RoutineInvocations.WithLabelValues(r.Name(), "ok").Inc()
	s.ctx.log.Debug("Routine enqueued", zap.String("routine", r.Name()), zap.Int("stream", s.index))
	return nil
}

// Invoke calls the named routine on the default stream.
func (c *Context) Invoke(name string, args ...any) error {
	if err := c.usable(); err != nil {
		if _, rerr := c.Routine(name); rerr != nil {
			return rerr
		}
		return err
	}
	return c.stream.Invoke(name, args...)
}
