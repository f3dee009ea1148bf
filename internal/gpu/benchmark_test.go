package gpu

import (
	"fmt"
	"testing"

	"github.com/fxnlabs/cuwrap/internal/native/hostsim"
	"go.uber.org/zap"
)

func openBench(b *testing.B) *Context {
	b.Helper()
	ctx, err := Open(Config{Arch: "sm_86"}, zap.NewNop(), WithLibrary(hostsim.New(hostsim.Options{})))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { ctx.Close() })
	return ctx
}

func BenchmarkInvoke_Gemm(b *testing.B) {
	ctx := openBench(b)

	sizes := []int{32, 64, 128, 256}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("size_%d", size), func(b *testing.B) {
			// Create matrices
			a := make([]float32, size*size)
			bb := make([]float32, size*size)
			for i := range a {
				a[i] = float32(i%100) / 100.0
				bb[i] = float32((i+1)%100) / 100.0
			}
			da, err := ctx.AllocFrom(HostVector(a))
			if err != nil {
				b.Fatal(err)
			}
			defer da.Release()
			db, err := ctx.AllocFrom(HostVector(bb))
			if err != nil {
				b.Fatal(err)
			}
			defer db.Release()
			dc, err := ctx.Alloc(Float32, []int{size, size})
			if err != nil {
				b.Fatal(err)
			}
			defer dc.Release()

			shape := Shape(size, size)
			gemm := func() error {
				if err := ctx.Invoke("blas.gemm_strided_batched.f32", da, db, dc,
					shape, shape, shape, float32(1), float32(0)); err != nil {
					return err
				}
				return ctx.WaitForIdle()
			}

			// Warm up
			if err := gemm(); err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if err := gemm(); err != nil {
					b.Fatal(err)
				}
			}

			flops := int64(2 * size * size * size * b.N)
			seconds := b.Elapsed().Seconds()
			gflops := float64(flops) / seconds / 1e9

			b.ReportMetric(gflops, "GFLOPS")
			b.ReportMetric(float64(size*size*4*3)/(1<<20), "MB")
		})
	}
}

// Dispatch overhead of a small routine, with and without per-call transfers.
func BenchmarkInvoke_Scale(b *testing.B) {
	ctx := openBench(b)

	size := 4096
	host := ramp(size)

	b.Run("with_transfer", func(b *testing.B) {
		out := make([]float32, size)
		for i := 0; i < b.N; i++ {
			if err := ctx.Run("vector.scale.f32", HostVector(host), HostVector(out), float32(2)); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("resident", func(b *testing.B) {
		src, err := ctx.AllocFrom(HostVector(host))
		if err != nil {
			b.Fatal(err)
		}
		defer src.Release()
		dst, err := ctx.Alloc(Float32, []int{size})
		if err != nil {
			b.Fatal(err)
		}
		defer dst.Release()

		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			if err := ctx.Invoke("vector.scale.f32", src, dst, float32(2)); err != nil {
				b.Fatal(err)
			}
			if i%1024 == 1023 {
				if err := ctx.WaitForIdle(); err != nil {
					b.Fatal(err)
				}
			}
		}
		if err := ctx.WaitForIdle(); err != nil {
			b.Fatal(err)
		}
	})
}
