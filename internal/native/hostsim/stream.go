package hostsim

import (
	"sync"

	"github.com/fxnlabs/cuwrap/internal/native"
)

const streamDepth = 256

// stream executes enqueued work in order on its own goroutine. The first
// failing status is kept until the next sync.
type stream struct {
	ops chan func() native.Status

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	sticky  native.Status
	closed  bool
}

func newStream() *stream {
	s := &stream{ops: make(chan func() native.Status, streamDepth)}
	s.idle = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *stream) run() {
	for op := range s.ops {
		st := safely(op)
		s.mu.Lock()
		if !st.OK() && s.sticky.OK() {
			s.sticky = st
		}
		s.pending--
		if s.pending == 0 {
			s.idle.Broadcast()
		}
		s.mu.Unlock()
	}
}

func (s *stream) enqueue(op func() native.Status) native.Status {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return native.StatusInvalidHandle
	}
	s.pending++
	s.mu.Unlock()
	s.ops <- op
	return native.StatusSuccess
}

// sync waits for the queue to drain and returns, then clears, the sticky error.
func (s *stream) sync() native.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.idle.Wait()
	}
	st := s.sticky
	s.sticky = native.StatusSuccess
	return st
}

func (s *stream) close() {
	s.sync()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.ops)
}

// safely turns a panic inside emulated device code into a launch failure.
func safely(op func() native.Status) (st native.Status) {
	defer func() {
		if r := recover(); r != nil {
			st = native.StatusLaunchFailure
		}
	}()
	return op()
}

func (l *Library) stream(h native.Stream) (*stream, native.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[h]
	if !ok {
		return nil, native.StatusInvalidHandle
	}
	return s, native.StatusSuccess
}

// syncAll drains every stream without clearing their sticky errors.
func (l *Library) syncAll() {
	l.mu.Lock()
	streams := make([]*stream, 0, len(l.streams))
	for _, s := range l.streams {
		streams = append(streams, s)
	}
	l.mu.Unlock()
	for _, s := range streams {
		s.mu.Lock()
		for s.pending > 0 {
			s.idle.Wait()
		}
		s.mu.Unlock()
	}
}
