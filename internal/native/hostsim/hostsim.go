// Package hostsim emulates a compiled backend module in host memory. It
// exports the same runtime shims and routine catalog a real module does, so
// the whole binding layer can run, and be tested, on machines without a GPU.
//
// Device memory is a capacity-limited arena of host allocations addressed by
// synthetic device pointers. Each stream runs its work on a dedicated
// goroutine in enqueue order; errors raised by asynchronous work are sticky
// until the next stream synchronization, as on a real device.
package hostsim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fxnlabs/cuwrap/internal/native"
)

// DefaultCapacity is the emulated device memory size when Options.Capacity is 0.
const DefaultCapacity = 1 << 30

// Options configures the emulated device and fault injection.
type Options struct {
	// Capacity is the device memory size in bytes.
	Capacity uint64
	// Name is reported by cw_device_props.
	Name string
	// Major and Minor form the compute capability reported by cw_device_props.
	// Zero means 8.6.
	Major, Minor int
	// ModuleArch, when set, is reported by cw_module_arch. When empty the
	// symbol is not exported.
	ModuleArch string
	// Devices is the number of visible devices. Zero means 1.
	Devices int
	// NoProps removes cw_device_props and cw_mem_info from the exports.
	NoProps bool
	// Omit lists symbols the module does not export.
	Omit []string
	// Fail makes a symbol return the given status immediately without doing
	// any work.
	Fail map[string]native.Status
	// FailAsync makes a symbol accept the call and raise the given status on
	// its stream, observable at the next synchronization.
	FailAsync map[string]native.Status
}

// Library is an emulated backend module. It implements native.Library.
type Library struct {
	opts  Options
	procs map[string]func(args []native.Arg) native.Status

	mu      sync.Mutex
	closed  bool
	device  int
	mem     map[native.DevicePtr][]byte
	used    uint64
	nextPtr native.DevicePtr
	streams map[native.Stream]*stream
	nextStr native.Stream
	calls   map[string]int
	lookups map[string]int
}

var _ native.Library = (*Library)(nil)

// New creates an emulated module with its default stream (handle 0) running.
func New(opts Options) *Library {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Major == 0 && opts.Minor == 0 {
		opts.Major, opts.Minor = 8, 6
	}
	if opts.Devices <= 0 {
		opts.Devices = 1
	}
	if opts.Name == "" {
		opts.Name = "hostsim"
	}
	l := &Library{
		opts:    opts,
		mem:     make(map[native.DevicePtr][]byte),
		nextPtr: 0x7f0000000000,
		streams: map[native.Stream]*stream{0: newStream()},
		nextStr: 1,
		calls:   make(map[string]int),
		lookups: make(map[string]int),
	}
	l.procs = make(map[string]func([]native.Arg) native.Status)
	l.registerRuntime()
	l.registerRoutines()
	for _, sym := range opts.Omit {
		delete(l.procs, sym)
	}
	return l
}

func (l *Library) Path() string {
	return "hostsim"
}

func (l *Library) Lookup(symbol string) (native.Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, native.ErrLibraryClosed
	}
	l.lookups[symbol]++
	fn, ok := l.procs[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s in hostsim", native.ErrSymbolNotFound, symbol)
	}
	return &proc{lib: l, name: symbol, fn: fn}, nil
}

// Close drains and stops every stream and drops all device memory.
func (l *Library) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	streams := l.streams
	l.streams = nil
	l.mem = nil
	l.used = 0
	l.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	return nil
}

// Symbols returns the exported symbols in sorted order.
func (l *Library) Symbols() []string {
	out := make([]string, 0, len(l.procs))
	for sym := range l.procs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Calls returns how many times symbol has been called.
func (l *Library) Calls(symbol string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[symbol]
}

// TotalCalls returns the number of calls across all symbols.
func (l *Library) TotalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		n += c
	}
	return n
}

// Lookups returns how many times symbol has been looked up.
func (l *Library) Lookups(symbol string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookups[symbol]
}

// Allocated returns the number of live allocations and their total size.
func (l *Library) Allocated() (count int, bytes uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.mem), l.used
}

type proc struct {
	lib  *Library
	name string
	fn   func(args []native.Arg) native.Status
}

func (p *proc) Call(args ...native.Arg) native.Status {
	l := p.lib
	l.mu.Lock()
	l.calls[p.name]++
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return native.StatusUnloading
	}

	if st, ok := l.opts.Fail[p.name]; ok {
		return st
	}
	if st, ok := l.opts.FailAsync[p.name]; ok && len(args) > 0 {
		s, sst := l.stream(native.Stream(args[len(args)-1].Word))
		if !sst.OK() {
			return sst
		}
		return s.enqueue(func() native.Status { return st })
	}
	return p.fn(args)
}
