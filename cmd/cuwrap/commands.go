package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/cuwrap/fixtures"
	"github.com/fxnlabs/cuwrap/internal/gpu"
	"github.com/fxnlabs/cuwrap/internal/native"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// openContext loads the configured device context.
func openContext(s *session) (*gpu.Context, error) {
	cfg, err := s.cfg.GPU()
	if err != nil {
		return nil, err
	}
	return gpu.Open(cfg, s.log)
}

func infoCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the device and module the configuration resolves to",
		Action: func(c *cli.Context) error {
			ctx, err := openContext(s)
			if err != nil {
				return err
			}
			defer ctx.Close()

			w := c.App.Writer
			fmt.Fprintln(w, figure.NewFigure("cuwrap", "", true).String())
			printInfo(w, ctx.Info())

			free, total, err := ctx.MemInfo()
			if err != nil {
				if !errors.Is(err, native.ErrSymbolNotFound) {
					return err
				}
				fmt.Fprintln(w, "Memory: Not available")
			} else {
				fmt.Fprintf(w, "Memory: %d MiB free of %d MiB\n", free>>20, total>>20)
			}
			return nil
		},
	}
}

func printInfo(w io.Writer, info gpu.DeviceInfo) {
	fmt.Fprintf(w, "Backend: %s\n", info.Backend)
	fmt.Fprintf(w, "Platform: %s\n", info.Platform)
	fmt.Fprintf(w, "Library: %s\n", info.Library)
	fmt.Fprintf(w, "Device: %d\n", info.Device)
	fmt.Fprintf(w, "Arch: %s\n", info.Arch)
	if info.ModuleArch != "" {
		fmt.Fprintf(w, "Module Arch: %s\n", info.ModuleArch)
	}
	if info.Name != "" {
		fmt.Fprintf(w, "Name: %s\n", info.Name)
		fmt.Fprintf(w, "Compute Capability: %s\n", info.ComputeCapability)
		fmt.Fprintf(w, "Multiprocessors: %d\n", info.MultiProcessors)
	}
}

func routinesCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "routines",
		Usage: "List the routines the module exports and the ones it lacks",
		Action: func(c *cli.Context) error {
			ctx, err := openContext(s)
			if err != nil {
				return err
			}
			defer ctx.Close()

			w := c.App.Writer
			table := ctx.Table()
			for _, name := range table.Available() {
				r, err := table.Resolve(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%-24s %s\n", name, r)
			}
			if missing := table.Missing(); len(missing) > 0 {
				fmt.Fprintln(w, "")
				fmt.Fprintln(w, "Missing:")
				for _, name := range missing {
					fmt.Fprintf(w, "  %s\n", name)
				}
			}
			return nil
		},
	}
}

func selftestCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "selftest",
		Usage: "Run a few routines against known results",
		Action: func(c *cli.Context) error {
			ctx, err := openContext(s)
			if err != nil {
				return err
			}
			defer ctx.Close()

			w := c.App.Writer
			checks := []struct {
				name string
				run  func(*gpu.Context) error
			}{
				{"vector.scale.f32", checkScale},
				{"fft.c2c.c64", checkFFT},
				{"blas.gemm_strided_batched.f32", checkGemm},
			}
			failed := 0
			for _, check := range checks {
				if err := check.run(ctx); err != nil {
					failed++
					s.log.Error("Self test failed", zap.String("routine", check.name), zap.Error(err))
					fmt.Fprintf(w, "%-20s FAIL %v\n", check.name, err)
					continue
				}
				fmt.Fprintf(w, "%-20s ok\n", check.name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d self tests failed", failed, len(checks))
			}
			return nil
		},
	}
}

func checkScale(ctx *gpu.Context) error {
	const n = 1024
	src := make([]float32, n)
	for i := range src {
		src[i] = float32(i)
	}
	dst := make([]float32, n)
	if err := ctx.Run("vector.scale.f32", gpu.HostVector(src), gpu.HostVector(dst), float32(2)); err != nil {
		return err
	}
	for i, v := range dst {
		if v != 2*src[i] {
			return fmt.Errorf("element %d: got %v, want %v", i, v, 2*src[i])
		}
	}
	return nil
}

func checkFFT(ctx *gpu.Context) error {
	const n = 16
	delta := make([]complex64, n)
	delta[0] = 1
	out := make([]complex64, n)
	if err := ctx.Run("fft.c2c.c64", gpu.HostVector(delta), gpu.HostVector(out), gpu.Shape(n), gpu.FFTForward); err != nil {
		return err
	}
	for i, v := range out {
		if math.Abs(float64(real(v))-1) > 1e-5 || math.Abs(float64(imag(v))) > 1e-5 {
			return fmt.Errorf("bin %d: got %v, want 1", i, v)
		}
	}
	return nil
}

func checkGemm(ctx *gpu.Context) error {
	a, err := gpu.FromRows(rows32([][]float64{{1, 2, 3}, {4, 5, 6}}))
	if err != nil {
		return err
	}
	b, err := gpu.FromRows(rows32([][]float64{{7, 8}, {9, 10}, {11, 12}}))
	if err != nil {
		return err
	}
	c, err := gpu.NewHost(gpu.Float32, 2, 2)
	if err != nil {
		return err
	}
	// host arrays double as the shape arguments
	if err := ctx.Run("blas.gemm_strided_batched.f32", a, b, c, a, b, c, float32(1), float32(0)); err != nil {
		return err
	}
	got, err := gpu.ToRows[float32](c)
	if err != nil {
		return err
	}
	want := [][]float32{{58, 64}, {139, 154}}
	for i := range want {
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				return fmt.Errorf("c[%d][%d]: got %v, want %v", i, j, got[i][j], want[i][j])
			}
		}
	}
	return nil
}

func rows32(m [][]float64) [][]float32 {
	out := make([][]float32, len(m))
	for i, row := range m {
		out[i] = gpu.Convert[float32](row)
	}
	return out
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a configuration template",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "output",
				Value: "cuwrap.yaml",
				Usage: "Where to write the template",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing file",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.String("output")
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Wrote %s\n", path)
			return nil
		},
	}
}
