package main

import (
	"fmt"
	"os"

	"github.com/fxnlabs/cuwrap/internal/config"
	"github.com/fxnlabs/cuwrap/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// session holds what the Before hook loads; commands read it when they run.
type session struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
}

func newApp(s *session) *cli.App {
	return &cli.App{
		Name:  "cuwrap",
		Usage: "Load GPU kernel modules and drive device memory and routines",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to a yaml configuration file",
				EnvVars:     []string{"CUWRAP_CONFIG"},
				Destination: &s.configPath,
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "Backend to load: native, host or auto",
				EnvVars: []string{"CUWRAP_BACKEND"},
			},
			&cli.StringFlag{
				Name:    "arch",
				Usage:   "Target architecture, e.g. sm_86",
				EnvVars: []string{"CUWRAP_ARCH"},
			},
			&cli.IntFlag{
				Name:    "device",
				Usage:   "Device index",
				EnvVars: []string{"CUWRAP_DEVICE"},
			},
			&cli.StringFlag{
				Name:    "library",
				Usage:   "Module file or directory, bypassing the search",
				EnvVars: []string{"CUWRAP_LIBRARY"},
			},
		},
		Before: func(c *cli.Context) error {
			cfg := config.Default()
			if s.configPath != "" {
				var err error
				cfg, err = config.LoadConfig(s.configPath)
				if err != nil {
					return err
				}
			}
			if c.IsSet("backend") {
				cfg.Device.Backend = c.String("backend")
			}
			if c.IsSet("arch") {
				cfg.Device.Arch = c.String("arch")
			}
			if c.IsSet("device") {
				cfg.Device.Index = c.Int("device")
			}
			if c.IsSet("library") {
				cfg.Device.LibraryPath = c.String("library")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			s.cfg = cfg
			s.log = zapLogger.Named("cli")
			return nil
		},
		Commands: []*cli.Command{
			infoCommand(s),
			routinesCommand(s),
			selftestCommand(s),
			initCommand(),
			serveCommand(s),
		},
	}
}

func main() {
	s := &session{}
	if err := newApp(s).Run(os.Args); err != nil {
		if s.log != nil {
			s.log.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}
