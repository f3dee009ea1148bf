package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/fxnlabs/cuwrap/internal/config"
	"github.com/fxnlabs/cuwrap/internal/gpu"
	"github.com/fxnlabs/cuwrap/internal/metrics"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func serveCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Hold the device context open and serve metrics and status",
		Action: func(c *cli.Context) error {
			app := fx.New(
				serveOptions(s.cfg, s.log),
				fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
					return &fxevent.ZapLogger{Logger: log.Named("fx")}
				}),
			)
			if err := app.Start(c.Context); err != nil {
				return err
			}
			sig := <-app.Wait()
			s.log.Info("Shutting down", zap.Any("signal", sig.Signal))

			ctx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
			defer cancel()
			return app.Stop(ctx)
		},
	}
}

// serveOptions wires the device manager and the metrics server.
func serveOptions(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.Provide(newManager, newServer),
		fx.Invoke(func(*http.Server) {}),
	)
}

func newManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	gcfg, err := cfg.GPU()
	if err != nil {
		return nil, err
	}
	m := gpu.NewManager(gcfg, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			_, err := m.Default()
			return err
		},
		OnStop: func(context.Context) error {
			return m.Close()
		},
	})
	return m, nil
}

func newServer(lc fx.Lifecycle, cfg *config.Config, m *gpu.Manager, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/status", metrics.Middleware(statusHandler(m), "/status"))
	srv := &http.Server{Addr: cfg.MetricsAddr(), Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			srv.Addr = ln.Addr().String()
			log.Info("Starting server on", zap.String("address", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Metrics.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
	return srv
}

type deviceStatus struct {
	Device      int             `json:"device"`
	State       string          `json:"state"`
	Error       string          `json:"error,omitempty"`
	Info        *gpu.DeviceInfo `json:"info,omitempty"`
	LiveBuffers int             `json:"liveBuffers"`
	Routines    int             `json:"routines"`
	Missing     []string        `json:"missing,omitempty"`
}

type status struct {
	Backend string         `json:"backend"`
	Devices []deviceStatus `json:"devices"`
}

func statusHandler(m *gpu.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := status{Backend: m.GetBackendType(), Devices: []deviceStatus{}}
		for _, d := range m.Devices() {
			ds := deviceStatus{Device: d}
			c, err := m.Context(d)
			if err != nil {
				ds.State = gpu.StateFailed.String()
				ds.Error = err.Error()
				resp.Devices = append(resp.Devices, ds)
				continue
			}
			info := c.Info()
			ds.State = c.State().String()
			ds.Info = &info
			ds.LiveBuffers = c.LiveBuffers()
			ds.Routines = c.Table().Len()
			ds.Missing = c.Table().Missing()
			if free, _, err := c.MemInfo(); err == nil {
				ds.Info.AvailableMemory = free
			}
			resp.Devices = append(resp.Devices, ds)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
