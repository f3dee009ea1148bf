package gpu

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager handles device context selection and lifecycle across device
// indices. Contexts are opened lazily, one per device.
type Manager struct {
	cfg      Config
	opts     []Option
	mu       sync.RWMutex
	contexts map[int]*Context
	logger   *zap.Logger
}

// NewManager creates a manager whose contexts share cfg except for the device
// index. Options are applied to every context; WithLibrary only makes sense
// when a single device is used.
func NewManager(cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		opts:     opts,
		contexts: make(map[int]*Context),
		logger:   logger,
	}
}

// Context returns the context for device, opening it on first use. A device
// whose context failed to load keeps failing with the same error.
func (m *Manager) Context(device int) (*Context, error) {
	m.mu.RLock()
	c, ok := m.contexts[device]
	m.mu.RUnlock()
	if ok {
		return opened(c)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contexts[device]; ok {
		return opened(c)
	}
	cfg := m.cfg
	cfg.Device = device
	c = New(cfg, m.logger, m.opts...)
	m.contexts[device] = c
	if err := c.Open(); err != nil {
		return nil, fmt.Errorf("failed to open device %d: %w", device, err)
	}
	return c, nil
}

func opened(c *Context) (*Context, error) {
	if err := c.Open(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns the context for the configured device.
func (m *Manager) Default() (*Context, error) {
	return m.Context(m.cfg.Device)
}

// Devices returns the indices of contexts opened so far.
func (m *Manager) Devices() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedDevices(m.contexts)
}

// WaitForIdle synchronizes every ready context.
func (m *Manager) WaitForIdle() error {
	var err error
	for _, c := range m.ready() {
		err = multierr.Append(err, c.WaitForIdle())
	}
	return err
}

func (m *Manager) ready() []*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Context
	for _, d := range sortedDevices(m.contexts) {
		if c := m.contexts[d]; c.State() == StateReady {
			out = append(out, c)
		}
	}
	return out
}

func sortedDevices(m map[int]*Context) []int {
	out := make([]int, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// Close tears down every context and forgets them.
func (m *Manager) Close() error {
	m.mu.Lock()
	contexts := m.contexts
	m.contexts = make(map[int]*Context)
	m.mu.Unlock()

	var err error
	for _, d := range sortedDevices(contexts) {
		report, terr := contexts[d].Teardown()
		if terr != nil {
			err = multierr.Append(err, fmt.Errorf("device %d: %w", d, terr))
		}
		if report.Freed > 0 {
			m.logger.Info("Freed outstanding device buffers", zap.Int("device", d), zap.Int("freed", report.Freed))
		}
	}
	return err
}

// GetBackendType returns the backend of the default context, or "none" if it
// has not been opened.
func (m *Manager) GetBackendType() string {
	m.mu.RLock()
	c, ok := m.contexts[m.cfg.Device]
	m.mu.RUnlock()
	if !ok || c.State() != StateReady {
		return "none"
	}
	return c.Info().Backend
}
