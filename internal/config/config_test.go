package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxnlabs/cuwrap/fixtures"
	"github.com/fxnlabs/cuwrap/internal/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)
		require.NoError(t, config.Validate())

		assert.Equal(t, gpu.BackendNative, config.Device.Backend)
		assert.Equal(t, "sm_86", config.Device.Arch)
		assert.Equal(t, 1, config.Device.Index)
		assert.Equal(t, "kernels", config.Device.LibraryName)
		assert.Equal(t, "/opt/cuwrap/lib", config.Device.LibraryPath)
		assert.Equal(t, []string{"/usr/local/lib/cuwrap", "./lib"}, config.Device.SearchPaths)
		assert.Equal(t, uint64(256<<20), config.Device.HostMemory)
		assert.Len(t, config.Kernels, 2)
		assert.True(t, config.Kernels[1].Void)
		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "console", config.Logger.Encoding)
		assert.Equal(t, "0.0.0.0:9100", config.MetricsAddr())
		assert.Equal(t, 10*time.Second, config.Metrics.ShutdownTimeout)
	})

	t.Run("partial config keeps defaults", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/partial_config.yaml")
		require.NoError(t, err)
		require.NoError(t, config.Validate())

		assert.Equal(t, gpu.BackendHost, config.Device.Backend)
		assert.Equal(t, "sm_80", config.Device.Arch)
		assert.Equal(t, gpu.DefaultLibraryName, config.Device.LibraryName)
		assert.Equal(t, "info", config.Logger.Verbosity)
		assert.Equal(t, "json", config.Logger.Encoding)
		assert.Equal(t, "127.0.0.1:9464", config.MetricsAddr())
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})

	t.Run("template parses to the defaults", func(t *testing.T) {
		var config Config
		require.NoError(t, yaml.Unmarshal(fixtures.ConfigTemplate, &config))
		require.NoError(t, config.Validate())
		want := Default()
		assert.Equal(t, want.Device.Backend, config.Device.Backend)
		assert.Equal(t, want.Device.Arch, config.Device.Arch)
		assert.Equal(t, want.Device.LibraryName, config.Device.LibraryName)
		assert.Equal(t, want.Logger, config.Logger)
		assert.Equal(t, want.Metrics, config.Metrics)
		assert.Empty(t, config.Kernels)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Device.Backend = "opencl" }, errMsg: "unknown backend"},
		{name: "empty arch", mutate: func(c *Config) { c.Device.Arch = "" }, errMsg: "device.arch is required"},
		{name: "bad arch", mutate: func(c *Config) { c.Device.Arch = "gfx1100" }, errMsg: "device.arch"},
		{name: "negative device", mutate: func(c *Config) { c.Device.Index = -1 }, errMsg: "device.index"},
		{name: "bad encoding", mutate: func(c *Config) { c.Logger.Encoding = "xml" }, errMsg: "logger.encoding"},
		{name: "bad port", mutate: func(c *Config) { c.Metrics.ListenPort = 70000 }, errMsg: "listenPort"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.errMsg)
			}
		})
	}
}

func TestGPU(t *testing.T) {
	t.Run("inline kernels and kernel files", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)

		cfg, err := config.GPU()
		require.NoError(t, err)
		assert.Equal(t, gpu.BackendNative, cfg.Backend)
		assert.Equal(t, 1, cfg.Device)
		assert.Equal(t, "/opt/cuwrap/lib", cfg.LibraryPath)
		require.Len(t, cfg.Kernels, 3)
		assert.Equal(t, "app.saxpy", cfg.Kernels[0].Name)
		assert.Equal(t, gpu.ReturnsVoid, cfg.Kernels[1].Returns)
		assert.Equal(t, "app.norm", cfg.Kernels[2].Name)
		assert.Equal(t, gpu.ShapeArg(gpu.RowMajor, 0), cfg.Kernels[2].Args[2])
	})

	t.Run("malformed kernel", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/bad_kernel_config.yaml")
		require.NoError(t, err)
		_, err = config.GPU()
		assert.ErrorIs(t, err, gpu.ErrInvalidArgument)
	})

	t.Run("missing kernel file", func(t *testing.T) {
		config := Default()
		config.KernelFiles = []string{filepath.Join(t.TempDir(), "nope.yaml")}
		_, err := config.GPU()
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("opens a host context", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/partial_config.yaml")
		require.NoError(t, err)
		cfg, err := config.GPU()
		require.NoError(t, err)

		ctx, err := gpu.Open(cfg, nil)
		require.NoError(t, err)
		defer ctx.Close()
		assert.Equal(t, gpu.BackendHost, ctx.Info().Backend)
		assert.Equal(t, "sm_80", ctx.Info().ModuleArch)
	})
}

func TestKernelManifest(t *testing.T) {
	t.Run("lookup", func(t *testing.T) {
		m, err := LoadKernelManifest("../../fixtures/tests/kernels/extra.yaml")
		require.NoError(t, err)
		assert.Equal(t, "libkernels_sm_86.so", m.Module)

		k, err := m.Kernel("app.norm")
		require.NoError(t, err)
		assert.Equal(t, "app_norm_c64", k.Symbol)

		_, err = m.Kernel("app.missing")
		assert.ErrorContains(t, err, "app.missing")
	})

	t.Run("duplicate names", func(t *testing.T) {
		_, err := LoadKernelManifest("../../fixtures/tests/kernels/duplicate.yaml")
		assert.ErrorContains(t, err, "twice")
	})
}
