package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fxnlabs/cuwrap/internal/gpu"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Device struct {
		Backend     string   `yaml:"backend"`
		Arch        string   `yaml:"arch"`
		Index       int      `yaml:"index"`
		LibraryName string   `yaml:"libraryName"`
		LibraryPath string   `yaml:"libraryPath"`
		SearchPaths []string `yaml:"searchPaths"`
		HostMemory  uint64   `yaml:"hostMemory"`
	} `yaml:"device"`
	Kernels     []Kernel `yaml:"kernels"`
	KernelFiles []string `yaml:"kernelFiles"`
	Logger      struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Metrics struct {
		ListenAddress   string        `yaml:"listenAddress"`
		ListenPort      int           `yaml:"listenPort"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"metrics"`

	// dir is the directory of the loaded file; relative kernel files are
	// resolved against it.
	dir string
}

// Kernel declares a routine exported by the module beyond the built-in
// catalog. Args use the textual argument kinds, stream last.
type Kernel struct {
	Name   string   `yaml:"name"`
	Symbol string   `yaml:"symbol"`
	Args   []string `yaml:"args"`
	Void   bool     `yaml:"void"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.Device.Backend = gpu.BackendAuto
	c.Device.Arch = gpu.DefaultArch
	c.Device.LibraryName = gpu.DefaultLibraryName
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "json"
	c.Metrics.ListenAddress = "127.0.0.1"
	c.Metrics.ListenPort = 9464
	c.Metrics.ShutdownTimeout = 5 * time.Second
	return &c
}

// LoadConfig reads a yaml file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	config.dir = filepath.Dir(path)

	return config, nil
}

// Validate rejects configurations no context could be opened with.
func (c *Config) Validate() error {
	switch c.Device.Backend {
	case gpu.BackendNative, gpu.BackendHost, gpu.BackendAuto:
	default:
		return fmt.Errorf("device.backend: unknown backend %q", c.Device.Backend)
	}
	if c.Device.Arch == "" {
		return fmt.Errorf("device.arch is required")
	}
	if _, err := gpu.ParseArch(c.Device.Arch); err != nil {
		return fmt.Errorf("device.arch: %w", err)
	}
	if c.Device.Index < 0 {
		return fmt.Errorf("device.index must not be negative, got %d", c.Device.Index)
	}
	switch c.Logger.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logger.encoding must be json or console, got %q", c.Logger.Encoding)
	}
	if c.Metrics.ListenPort < 0 || c.Metrics.ListenPort > 65535 {
		return fmt.Errorf("metrics.listenPort out of range: %d", c.Metrics.ListenPort)
	}
	return nil
}

// MetricsAddr returns the host:port the metrics server listens on.
func (c *Config) MetricsAddr() string {
	return net.JoinHostPort(c.Metrics.ListenAddress, strconv.Itoa(c.Metrics.ListenPort))
}

// GPU converts the configuration into a device context configuration,
// parsing inline kernels and every kernel file.
func (c *Config) GPU() (gpu.Config, error) {
	cfg := gpu.Config{
		Backend:     c.Device.Backend,
		Arch:        c.Device.Arch,
		Device:      c.Device.Index,
		LibraryName: c.Device.LibraryName,
		LibraryPath: c.Device.LibraryPath,
		SearchPaths: c.Device.SearchPaths,
		HostMemory:  c.Device.HostMemory,
	}

	kernels := append([]Kernel(nil), c.Kernels...)
	for _, f := range c.KernelFiles {
		if !filepath.IsAbs(f) && c.dir != "" {
			f = filepath.Join(c.dir, f)
		}
		manifest, err := LoadKernelManifest(f)
		if err != nil {
			return gpu.Config{}, err
		}
		kernels = append(kernels, manifest.Kernels...)
	}

	for _, k := range kernels {
		sig, err := k.Signature()
		if err != nil {
			return gpu.Config{}, err
		}
		cfg.Kernels = append(cfg.Kernels, sig)
	}
	return cfg, nil
}

// Signature parses the kernel declaration.
func (k Kernel) Signature() (gpu.Signature, error) {
	return gpu.ParseSignature(k.Name, k.Symbol, k.Args, k.Void)
}
