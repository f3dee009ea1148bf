package gpu

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseArch(t *testing.T) {
	tests := []struct {
		in      string
		want    Arch
		wantErr bool
	}{
		{in: "sm_75", want: Arch{Name: "sm_75", Major: 7, Minor: 5}},
		{in: "sm_120", want: Arch{Name: "sm_120", Major: 12, Minor: 0}},
		{in: "sm_90a", want: Arch{Name: "sm_90a", Major: 9, Minor: 0, Specific: true}},
		{in: "compute_80", want: Arch{Name: "compute_80", Major: 8, Minor: 0, Virtual: true}},
		{in: "gfx90a", wantErr: true},
		{in: "sm_7", wantErr: true},
		{in: "sm_x5", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseArch(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArch_Supports(t *testing.T) {
	tests := []struct {
		arch         string
		major, minor int
		want         bool
	}{
		{"sm_75", 7, 5, true},
		{"sm_75", 7, 2, false},
		{"sm_80", 8, 6, true},
		{"sm_80", 9, 0, false},
		{"sm_86", 8, 0, false},
		{"sm_90a", 9, 0, true},
		{"sm_90a", 9, 1, false},
		{"compute_70", 8, 6, true},
		{"compute_80", 7, 5, false},
	}
	for _, tt := range tests {
		a, err := ParseArch(tt.arch)
		require.NoError(t, err)
		assert.Equal(t, tt.want, a.Supports(tt.major, tt.minor), "%s on %d.%d", tt.arch, tt.major, tt.minor)
	}
	a, _ := ParseArch(DefaultArch)
	assert.Equal(t, "7.5", a.Capability())
}

func TestResolver_FileName(t *testing.T) {
	arch, err := ParseArch("sm_86")
	require.NoError(t, err)

	tests := map[string]string{
		"linux":   "libcuwrap_sm_86.so",
		"freebsd": "libcuwrap_sm_86.so",
		"darwin":  "libcuwrap_sm_86.dylib",
		"windows": "cuwrap_sm_86.dll",
	}
	for goos, want := range tests {
		t.Run(goos, func(t *testing.T) {
			r := &Resolver{Arch: arch, GOOS: goos}
			got, err := r.FileName()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	t.Run("custom name", func(t *testing.T) {
		r := &Resolver{Name: "kernels", Arch: arch, GOOS: "linux"}
		got, err := r.FileName()
		require.NoError(t, err)
		assert.Equal(t, "libkernels_sm_86.so", got)
	})

	t.Run("unsupported platform", func(t *testing.T) {
		r := &Resolver{Arch: arch, GOOS: "plan9"}
		_, err := r.FileName()
		assert.ErrorIs(t, err, ErrLibraryNotFound)
		var re *ResolveError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, "plan9", re.Platform)
	})
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0o644))
}

func TestResolver_Resolve(t *testing.T) {
	arch, err := ParseArch("sm_86")
	require.NoError(t, err)
	const file = "libcuwrap_sm_86.so"

	newResolver := func(t *testing.T, exeDir string, env map[string]string) *Resolver {
		return &Resolver{
			Arch:       arch,
			GOOS:       "linux",
			Getenv:     func(k string) string { return env[k] },
			Executable: func() (string, error) { return filepath.Join(exeDir, "cuwrap"), nil },
			Logger:     zaptest.NewLogger(t),
		}
	}

	t.Run("configured path before env and executable dir", func(t *testing.T) {
		root := t.TempDir()
		cfgDir := filepath.Join(root, "cfg")
		envDir := filepath.Join(root, "env")
		exeDir := filepath.Join(root, "bin")
		touch(t, filepath.Join(cfgDir, file))
		touch(t, filepath.Join(envDir, file))
		touch(t, filepath.Join(exeDir, file))

		r := newResolver(t, exeDir, map[string]string{EnvLibraryPath: envDir})
		r.SearchPaths = []string{cfgDir}
		got, err := r.Resolve()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(cfgDir, file), got)

		r.SearchPaths = nil
		got, err = r.Resolve()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(envDir, file), got)
	})

	t.Run("env path list", func(t *testing.T) {
		root := t.TempDir()
		second := filepath.Join(root, "second")
		touch(t, filepath.Join(second, file))
		list := filepath.Join(root, "first") + string(os.PathListSeparator) + second

		r := newResolver(t, filepath.Join(root, "bin"), map[string]string{EnvLibraryPath: list})
		got, err := r.Resolve()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(second, file), got)
	})

	t.Run("lib dir next to the executable", func(t *testing.T) {
		root := t.TempDir()
		touch(t, filepath.Join(root, "lib", file))
		r := newResolver(t, root, nil)
		got, err := r.Resolve()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "lib", file), got)
	})

	t.Run("override file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "custom.so")
		touch(t, path)
		r := newResolver(t, t.TempDir(), nil)
		r.Override = path
		got, err := r.Resolve()
		require.NoError(t, err)
		assert.Equal(t, path, got)
	})

	t.Run("override dir replaces search path", func(t *testing.T) {
		root := t.TempDir()
		over := filepath.Join(root, "override")
		require.NoError(t, os.MkdirAll(over, 0o755))
		touch(t, filepath.Join(root, "bin", file))

		r := newResolver(t, filepath.Join(root, "bin"), nil)
		r.Override = over
		_, err := r.Resolve()
		assert.ErrorIs(t, err, ErrLibraryNotFound)
		var re *ResolveError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, []string{filepath.Join(over, file)}, re.Tried)
	})

	t.Run("missing override", func(t *testing.T) {
		r := newResolver(t, t.TempDir(), nil)
		r.Override = filepath.Join(t.TempDir(), "nope.so")
		_, err := r.Resolve()
		assert.ErrorIs(t, err, ErrLibraryNotFound)
	})

	t.Run("directory named like the module is skipped", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, file), 0o755))
		r := newResolver(t, root, nil)
		_, err := r.Resolve()
		assert.ErrorIs(t, err, ErrLibraryNotFound)
	})

	t.Run("nothing found lists every candidate", func(t *testing.T) {
		root := t.TempDir()
		r := newResolver(t, root, nil)
		r.SearchPaths = []string{"/opt/cuwrap"}
		_, err := r.Resolve()
		var re *ResolveError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, []string{
			filepath.Join("/opt/cuwrap", file),
			filepath.Join(root, file),
			filepath.Join(root, "lib", file),
		}, re.Tried)
		assert.Contains(t, err.Error(), file)
	})
}
