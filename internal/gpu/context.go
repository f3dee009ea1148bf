package gpu

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/fxnlabs/cuwrap/internal/native"
	"github.com/fxnlabs/cuwrap/internal/native/hostsim"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Backends a context can load.
const (
	// BackendNative resolves and loads a compiled module from disk.
	BackendNative = "native"
	// BackendHost runs the emulated module in host memory.
	BackendHost = "host"
	// BackendAuto tries BackendNative and falls back to BackendHost when no
	// module is found.
	BackendAuto = "auto"
)

// DefaultLibraryName is the base name of backend module files.
const DefaultLibraryName = "cuwrap"

// Config is what a context needs to select and load its module.
type Config struct {
	Backend     string
	Arch        string
	Device      int
	LibraryName string
	// LibraryPath overrides the search: a module file or a directory.
	LibraryPath string
	SearchPaths []string
	// HostMemory is the emulated device memory for BackendHost, in bytes.
	HostMemory uint64
	// Kernels are user routines declared in addition to the catalog.
	Kernels []Signature
}

// State of a context.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateTornDown:
		return "torn down"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DeviceInfo describes the device and module a context is bound to.
type DeviceInfo struct {
	Name              string `json:"name"`
	ComputeCapability string `json:"computeCapability,omitempty"`
	MultiProcessors   int    `json:"multiProcessors,omitempty"`
	TotalMemory       uint64 `json:"totalMemory,omitempty"`
	AvailableMemory   uint64 `json:"availableMemory,omitempty"`
	Arch              string `json:"arch"`
	ModuleArch        string `json:"moduleArch,omitempty"`
	Backend           string `json:"backend"`
	Platform          string `json:"platform"`
	Library           string `json:"library"`
	Device            int    `json:"device"`
}

// TeardownReport summarizes a teardown.
type TeardownReport struct {
	// Freed is the number of handles that were still live and had to be freed.
	Freed int
	// Failed is the number of native frees or stream destructions that failed.
	Failed int
}

// Option customizes how a context obtains its module.
type Option func(*Context)

// WithLibrary makes the context use lib instead of resolving a module. The
// context takes ownership of lib and closes it on teardown.
func WithLibrary(lib native.Library) Option {
	return func(c *Context) { c.lib = lib }
}

// WithOpener replaces native.Open for the native backend.
func WithOpener(open func(path string) (native.Library, error)) Option {
	return func(c *Context) { c.open = open }
}

// Context is a Device Context: it owns one loaded module, the allocations made
// through it and its streams.
type Context struct {
	cfg  Config
	log  *zap.Logger
	open func(string) (native.Library, error)

	mu      sync.RWMutex
	state   State
	loadErr error
	lib     native.Library
	rt      *native.Runtime
	table   *Table
	arch    Arch
	info    DeviceInfo
	stream  *Stream
	streams []*Stream
	buffers map[uint64]*Buffer
	nextID  uint64
	// frees counts native frees in flight; Teardown waits for them
	frees sync.WaitGroup
}

// New returns an uninitialized context. Call Open to load its module.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendNative
	}
	if cfg.Arch == "" {
		cfg.Arch = DefaultArch
	}
	if cfg.LibraryName == "" {
		cfg.LibraryName = DefaultLibraryName
	}
	c := &Context{
		cfg:     cfg,
		log:     logger.Named("gpu").With(zap.Int("device", cfg.Device)),
		open:    native.Open,
		buffers: make(map[uint64]*Buffer),
		nextID:  1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open creates a context and loads its module.
func Open(cfg Config, logger *zap.Logger, opts ...Option) (*Context, error) {
	c := New(cfg, logger, opts...)
	if err := c.Open(); err != nil {
		return nil, err
	}
	return c, nil
}

// Open loads the module, checks architecture compatibility where the module
// can describe itself, builds the function table and creates the default
// stream. Loading happens once: after a failure the context stays failed and
// Open keeps returning the original error.
func (c *Context) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateReady:
		return nil
	case StateFailed:
		return c.loadErr
	case StateTornDown:
		return ErrContextClosed
	}

	if err := c.load(); err != nil {
		c.state = StateFailed
		c.loadErr = err
		if c.lib != nil {
			_ = c.lib.Close()
		}
		c.log.Error("Failed to open device context", zap.Error(err))
		return err
	}
	c.state = StateReady
	c.log.Info("Device context ready",
		zap.String("backend", c.info.Backend),
		zap.String("platform", c.info.Platform),
		zap.String("arch", c.info.Arch),
		zap.String("library", c.info.Library),
		zap.String("name", c.info.Name),
		zap.Int("routines", c.table.Len()))
	return nil
}

func (c *Context) load() error {
	arch, err := ParseArch(c.cfg.Arch)
	if err != nil {
		return err
	}
	if c.cfg.Device < 0 {
		return fmt.Errorf("%w: device index %d", ErrInvalidArgument, c.cfg.Device)
	}
	c.arch = arch
	c.info = DeviceInfo{Arch: arch.Name, Platform: runtime.GOOS + "/" + runtime.GOARCH, Device: c.cfg.Device}

	if c.lib == nil {
		lib, backend, err := c.loadModule()
		if err != nil {
			return err
		}
		c.lib = lib
		c.info.Backend = backend
	} else {
		c.info.Backend = "custom"
	}
	c.info.Library = c.lib.Path()

	rt, err := native.BindRuntime(c.lib)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLibraryNotFound, err)
	}
	c.rt = rt

	if st := rt.SetDevice(c.cfg.Device); !st.OK() {
		return &NativeRoutineError{Routine: native.SymSetDevice, Code: st}
	}
	if err := c.checkArch(); err != nil {
		return err
	}

	sigs := append(Catalog(), c.cfg.Kernels...)
	table, err := buildTable(c.lib, sigs)
	if err != nil {
		return err
	}
	c.table = table

	h, st := rt.StreamCreate()
	if !st.OK() {
		return &NativeRoutineError{Routine: native.SymStreamCreate, Code: st}
	}
	c.stream = &Stream{ctx: c, handle: h}
	c.streams = []*Stream{c.stream}
	return nil
}

func (c *Context) loadModule() (native.Library, string, error) {
	switch c.cfg.Backend {
	case BackendHost:
		return c.hostModule(), BackendHost, nil
	case BackendNative, BackendAuto:
	default:
		return nil, "", fmt.Errorf("%w: unknown backend %q", ErrInvalidArgument, c.cfg.Backend)
	}

	r := &Resolver{
		Name:        c.cfg.LibraryName,
		Arch:        c.arch,
		Override:    c.cfg.LibraryPath,
		SearchPaths: c.cfg.SearchPaths,
		Logger:      c.log.Named("resolver"),
	}
	path, err := r.Resolve()
	if err != nil {
		if c.cfg.Backend == BackendAuto && errors.Is(err, ErrLibraryNotFound) {
			c.log.Warn("No compiled module found, falling back to host emulation", zap.Error(err))
			return c.hostModule(), BackendHost, nil
		}
		return nil, "", err
	}
	lib, err := c.open(path)
	if err != nil {
		return nil, "", &ResolveError{Platform: runtime.GOOS, File: path, Tried: []string{path},
			Err: fmt.Errorf("%w: %v", ErrLibraryNotFound, err)}
	}
	return lib, BackendNative, nil
}

func (c *Context) hostModule() native.Library {
	return hostsim.New(hostsim.Options{
		Capacity:   c.cfg.HostMemory,
		Major:      c.arch.Major,
		Minor:      c.arch.Minor,
		ModuleArch: c.arch.Name,
		Devices:    c.cfg.Device + 1,
	})
}

// checkArch compares the requested architecture against what the module
// reports about itself and the device. Without either export the check is
// left to the first invocation, where a mismatch shows up as native status
// 98 or 209.
func (c *Context) checkArch() error {
	verified := false
	props, ok, st := c.rt.DeviceProps(c.cfg.Device)
	if ok {
		if !st.OK() {
			return &NativeRoutineError{Routine: native.SymDeviceProps, Code: st}
		}
		major, minor := int(props.Major), int(props.Minor)
		c.info.Name = props.DeviceName()
		c.info.ComputeCapability = fmt.Sprintf("%d.%d", major, minor)
		c.info.MultiProcessors = int(props.MultiProcessors)
		c.info.TotalMemory = props.TotalMemory
		if !c.arch.Supports(major, minor) {
			return fmt.Errorf("%w: module built for %s cannot run on %q (compute capability %d.%d)",
				ErrArchitectureMismatch, c.arch, c.info.Name, major, minor)
		}
		verified = true
	}

	modArch, ok, st := c.rt.ModuleArch()
	if ok && st.OK() {
		c.info.ModuleArch = modArch
		if modArch != c.arch.Name {
			return fmt.Errorf("%w: module %s reports %s, %s was requested",
				ErrArchitectureMismatch, c.lib.Path(), modArch, c.arch)
		}
		verified = true
	}

	if !verified {
		c.log.Warn("Module does not describe its architecture; a mismatch will surface on first invocation",
			zap.String("arch", c.arch.Name), zap.String("library", c.lib.Path()))
	}
	return nil
}

// usable returns nil in the ready state and the error every operation should
// report otherwise.
func (c *Context) usable() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.state {
	case StateReady:
		return nil
	case StateUninitialized:
		return ErrNotReady
	case StateFailed:
		return fmt.Errorf("gpu: context unusable after failed load: %w", c.loadErr)
	}
	return ErrContextClosed
}

func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the load error of a failed context.
func (c *Context) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadErr
}

// Config returns the configuration with defaults applied.
func (c *Context) Config() Config {
	return c.cfg
}

// Info describes the device and module. It is zero before Open succeeds.
func (c *Context) Info() DeviceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// MemInfo returns free and total device memory in bytes.
func (c *Context) MemInfo() (free, total uint64, err error) {
	if err := c.usable(); err != nil {
		return 0, 0, err
	}
	free, total, ok, st := c.rt.MemInfo()
	if !ok {
		return 0, 0, fmt.Errorf("gpu: module %s does not export %s: %w", c.lib.Path(), native.SymMemInfo, native.ErrSymbolNotFound)
	}
	if !st.OK() {
		return 0, 0, &NativeRoutineError{Routine: native.SymMemInfo, Code: st}
	}
	return free, total, nil
}

// Routine returns the cached descriptor for name. It works in every state;
// before a successful load every name is unknown.
func (c *Context) Routine(name string) (*Routine, error) {
	c.mu.RLock()
	t := c.table
	c.mu.RUnlock()
	return t.Resolve(name)
}

// Table returns the function table, nil before a successful load.
func (c *Context) Table() *Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table
}

// Stream returns the default stream.
func (c *Context) Stream() *Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream
}

// NewStream creates an additional stream. It is destroyed on teardown.
func (c *Context) NewStream() (*Stream, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	h, st := c.rt.StreamCreate()
	if !st.OK() {
		return nil, &NativeRoutineError{Routine: native.SymStreamCreate, Code: st}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Stream{ctx: c, handle: h, index: len(c.streams)}
	c.streams = append(c.streams, s)
	return s, nil
}

// WaitForIdle synchronizes every stream of the context, default stream first.
func (c *Context) WaitForIdle() error {
	if err := c.usable(); err != nil {
		return err
	}
	c.mu.RLock()
	streams := append([]*Stream(nil), c.streams...)
	c.mu.RUnlock()
	var err error
	for _, s := range streams {
		err = multierr.Append(err, s.sync())
	}
	return err
}

// LiveBuffers returns the number of tracked live handles.
func (c *Context) LiveBuffers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buffers)
}

// Buffers returns the tracked live handles ordered by ID.
func (c *Context) Buffers() []*Buffer {
	c.mu.RLock()
	out := make([]*Buffer, 0, len(c.buffers))
	for _, b := range c.buffers {
		out = append(out, b)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
