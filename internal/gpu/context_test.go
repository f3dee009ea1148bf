package gpu

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxnlabs/cuwrap/internal/native"
	"github.com/fxnlabs/cuwrap/internal/native/hostsim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

// newTestContext opens a context on an emulated sm_86 device.
func newTestContext(t *testing.T, opts hostsim.Options) (*Context, *hostsim.Library) {
	t.Helper()
	lib := hostsim.New(opts)
	ctx, err := Open(Config{Arch: "sm_86"}, zaptest.NewLogger(t), WithLibrary(lib))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx, lib
}

func TestContext_Open(t *testing.T) {
	ctx, lib := newTestContext(t, hostsim.Options{Name: "Emulated RTX"})

	assert.Equal(t, StateReady, ctx.State())
	info := ctx.Info()
	assert.Equal(t, "Emulated RTX", info.Name)
	assert.Equal(t, "8.6", info.ComputeCapability)
	assert.Equal(t, "sm_86", info.Arch)
	assert.Equal(t, "hostsim", info.Library)
	assert.Equal(t, uint64(hostsim.DefaultCapacity), info.TotalMemory)

	// every catalog routine is exported by the emulator
	assert.Equal(t, len(Catalog()), ctx.Table().Len())
	assert.Empty(t, ctx.Table().Missing())

	// opening again is a no-op
	require.NoError(t, ctx.Open())
	assert.Equal(t, 1, lib.Calls(native.SymStreamCreate))
}

func TestContext_HostBackend(t *testing.T) {
	ctx, err := Open(Config{Backend: BackendHost, Arch: "sm_80", HostMemory: 1 << 20}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer ctx.Close()

	info := ctx.Info()
	assert.Equal(t, BackendHost, info.Backend)
	assert.Equal(t, "8.0", info.ComputeCapability)
	assert.Equal(t, "sm_80", info.ModuleArch)

	free, total, err := ctx.MemInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), total)
	assert.Equal(t, total, free)

	b, err := ctx.Allocate(4096)
	require.NoError(t, err)
	free, _, err = ctx.MemInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20-4096), free)
	require.NoError(t, b.Release())
}

func TestContext_ArchitectureMismatch(t *testing.T) {
	t.Run("device properties", func(t *testing.T) {
		lib := hostsim.New(hostsim.Options{Major: 7, Minor: 5})
		ctx := New(Config{Arch: "sm_86"}, zaptest.NewLogger(t), WithLibrary(lib))

		err := ctx.Open()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrArchitectureMismatch)
		assert.Equal(t, StateFailed, ctx.State())

		// the failure is terminal and sticky
		assert.Equal(t, err, ctx.Open())
		_, aerr := ctx.Allocate(16)
		assert.ErrorIs(t, aerr, ErrArchitectureMismatch)
		assert.ErrorIs(t, ctx.Invoke("vector.scale.f32"), ErrRoutineNotFound)
	})

	t.Run("module architecture", func(t *testing.T) {
		lib := hostsim.New(hostsim.Options{NoProps: true, ModuleArch: "sm_75"})
		_, err := Open(Config{Arch: "sm_86"}, zaptest.NewLogger(t), WithLibrary(lib))
		assert.ErrorIs(t, err, ErrArchitectureMismatch)
	})

	t.Run("reactive on first invocation", func(t *testing.T) {
		ctx, _ := newTestContext(t, hostsim.Options{
			NoProps: true,
			Fail:    map[string]native.Status{"cw_scale_f32": native.StatusNoKernelImage},
		})
		src, err := ctx.Alloc(Float32, []int{8}, WithZero())
		require.NoError(t, err)
		dst, err := ctx.Alloc(Float32, []int{8})
		require.NoError(t, err)

		err = ctx.Invoke("vector.scale.f32", src, dst, float32(2))
		assert.ErrorIs(t, err, ErrArchitectureMismatch)
		var nre *NativeRoutineError
		require.True(t, errors.As(err, &nre))
		assert.Equal(t, "vector.scale.f32", nre.Routine)
		assert.Equal(t, native.StatusNoKernelImage, nre.Code)
	})

	t.Run("compatible architectures", func(t *testing.T) {
		for _, arch := range []string{"sm_80", "sm_86", "compute_75", "compute_86"} {
			lib := hostsim.New(hostsim.Options{})
			ctx, err := Open(Config{Arch: arch}, zaptest.NewLogger(t), WithLibrary(lib))
			require.NoError(t, err, arch)
			require.NoError(t, ctx.Close())
		}
	})
}

func TestContext_MissingRuntimeShim(t *testing.T) {
	lib := hostsim.New(hostsim.Options{Omit: []string{native.SymStreamSync}})
	ctx := New(Config{Arch: "sm_86"}, zaptest.NewLogger(t), WithLibrary(lib))

	err := ctx.Open()
	assert.ErrorIs(t, err, ErrLibraryNotFound)
	assert.Contains(t, err.Error(), native.SymStreamSync)
	assert.Equal(t, StateFailed, ctx.State())
}

func TestContext_States(t *testing.T) {
	t.Run("uninitialized", func(t *testing.T) {
		ctx := New(Config{}, zaptest.NewLogger(t))
		assert.Equal(t, StateUninitialized, ctx.State())

		_, err := ctx.Allocate(16)
		assert.ErrorIs(t, err, ErrNotReady)
		assert.ErrorIs(t, ctx.WaitForIdle(), ErrNotReady)
		assert.ErrorIs(t, ctx.Invoke("vector.scale.f32"), ErrRoutineNotFound)
		_, err = ctx.Routine("vector.scale.f32")
		assert.ErrorIs(t, err, ErrRoutineNotFound)

		report, err := ctx.Teardown()
		require.NoError(t, err)
		assert.Zero(t, report.Freed)
		assert.Equal(t, StateTornDown, ctx.State())
	})

	t.Run("torn down", func(t *testing.T) {
		ctx, _ := newTestContext(t, hostsim.Options{})
		b, err := ctx.Alloc(Float32, []int{4})
		require.NoError(t, err)
		require.NoError(t, ctx.Close())

		_, err = ctx.Allocate(16)
		assert.ErrorIs(t, err, ErrContextClosed)
		assert.ErrorIs(t, ctx.Open(), ErrContextClosed)
		assert.ErrorIs(t, ctx.WaitForIdle(), ErrContextClosed)
		assert.ErrorIs(t, ctx.Invoke("vector.scale.f32", b, b, float32(1)), ErrContextClosed)
		assert.ErrorIs(t, ctx.Invoke("no.such.routine"), ErrRoutineNotFound)
		assert.ErrorIs(t, WriteAs(b, []float32{1}), ErrContextClosed)
		assert.False(t, b.Live())
		assert.NoError(t, b.Release())
	})
}

func TestContext_Teardown(t *testing.T) {
	t.Run("frees only outstanding handles", func(t *testing.T) {
		ctx, lib := newTestContext(t, hostsim.Options{})
		var bufs []*Buffer
		for i := 0; i < 3; i++ {
			b, err := ctx.Alloc(Float32, []int{256})
			require.NoError(t, err)
			bufs = append(bufs, b)
		}
		require.NoError(t, bufs[1].Release())
		assert.Equal(t, 2, ctx.LiveBuffers())

		report, err := ctx.Teardown()
		require.NoError(t, err)
		assert.Equal(t, 2, report.Freed)
		assert.Zero(t, report.Failed)
		assert.Equal(t, 3, lib.Calls(native.SymFree))
		for _, b := range bufs {
			assert.False(t, b.Live())
		}

		// a second teardown has nothing left to do
		report, err = ctx.Teardown()
		require.NoError(t, err)
		assert.Zero(t, report.Freed)
		assert.Equal(t, 3, lib.Calls(native.SymFree))
	})

	t.Run("aggregates failures and keeps going", func(t *testing.T) {
		lib := hostsim.New(hostsim.Options{Fail: map[string]native.Status{native.SymFree: native.StatusInvalidValue}})
		ctx, err := Open(Config{Arch: "sm_86"}, zaptest.NewLogger(t), WithLibrary(lib))
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			_, err := ctx.Allocate(64)
			require.NoError(t, err)
		}

		report, err := ctx.Teardown()
		require.Error(t, err)
		assert.Len(t, multierr.Errors(err), 2)
		assert.Equal(t, 2, report.Failed)
		assert.Zero(t, report.Freed)

		var be *BufferError
		require.True(t, errors.As(err, &be))
		assert.Equal(t, "teardown", be.Op)

		// the module was still unloaded
		_, lerr := lib.Lookup(native.SymMalloc)
		assert.ErrorIs(t, lerr, native.ErrLibraryClosed)
		assert.Equal(t, StateTornDown, ctx.State())
	})
}

func TestContext_Resolution(t *testing.T) {
	arch, err := ParseArch("sm_86")
	require.NoError(t, err)
	file, err := (&Resolver{Arch: arch}).FileName()
	require.NoError(t, err)

	t.Run("loads the resolved module", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), nil, 0o644))

		var opened string
		opener := func(path string) (native.Library, error) {
			opened = path
			return hostsim.New(hostsim.Options{}), nil
		}
		ctx, err := Open(Config{Arch: "sm_86", LibraryPath: dir}, zaptest.NewLogger(t), WithOpener(opener))
		require.NoError(t, err)
		defer ctx.Close()

		assert.Equal(t, filepath.Join(dir, file), opened)
		assert.Equal(t, BackendNative, ctx.Info().Backend)
	})

	t.Run("library not found", func(t *testing.T) {
		t.Setenv(EnvLibraryPath, "")
		ctx := New(Config{Arch: "sm_86", SearchPaths: []string{t.TempDir()}}, zaptest.NewLogger(t))
		err := ctx.Open()
		assert.ErrorIs(t, err, ErrLibraryNotFound)

		var re *ResolveError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, file, re.File)
		assert.NotEmpty(t, re.Tried)
		assert.Equal(t, StateFailed, ctx.State())
	})

	t.Run("loader failure", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, file)
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		opener := func(string) (native.Library, error) { return nil, errors.New("invalid ELF header") }

		_, err := Open(Config{Arch: "sm_86", LibraryPath: path}, zaptest.NewLogger(t), WithOpener(opener))
		assert.ErrorIs(t, err, ErrLibraryNotFound)
		assert.Contains(t, err.Error(), "invalid ELF header")
	})

	t.Run("auto falls back to host emulation", func(t *testing.T) {
		t.Setenv(EnvLibraryPath, "")
		ctx, err := Open(Config{Backend: BackendAuto, Arch: "sm_86", SearchPaths: []string{t.TempDir()}}, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer ctx.Close()
		assert.Equal(t, BackendHost, ctx.Info().Backend)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open(Config{Backend: "opencl"}, zaptest.NewLogger(t))
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestContext_Streams(t *testing.T) {
	ctx, lib := newTestContext(t, hostsim.Options{})

	s, err := ctx.NewStream()
	require.NoError(t, err)
	assert.Equal(t, 1, s.Index())

	src, err := ctx.AllocFrom(HostVector([]float32{1, 2, 3, 4}))
	require.NoError(t, err)
	dst, err := ctx.Alloc(Float32, []int{4})
	require.NoError(t, err)

	require.NoError(t, s.Invoke("vector.scale.f32", src, dst, float32(-1)))
	assert.Equal(t, []string{"vector.scale.f32"}, s.Pending())
	require.NoError(t, s.WaitForIdle())
	assert.Empty(t, s.Pending())

	got, err := ReadAs[float32](dst)
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, -2, -3, -4}, got)

	require.NoError(t, ctx.Close())
	assert.Equal(t, 2, lib.Calls(native.SymStreamDestroy))
}
