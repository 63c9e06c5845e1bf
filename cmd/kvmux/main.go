// Package main provides the kvmux entry point. With a configuration file
// argument it runs the controller, which owns the local keyboard and
// mouse and shares them with the remotes it spawns over a remote shell.
// Without arguments it runs in agent mode, the peer side a controller
// starts on every remote.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/kvmux/internal/agent"
	"github.com/postalsys/kvmux/internal/config"
	"github.com/postalsys/kvmux/internal/control"
	"github.com/postalsys/kvmux/internal/controller"
	"github.com/postalsys/kvmux/internal/health"
	"github.com/postalsys/kvmux/internal/logging"
	"github.com/postalsys/kvmux/internal/metrics"
	"github.com/postalsys/kvmux/internal/platform"
	"github.com/postalsys/kvmux/internal/platform/headless"
	"github.com/postalsys/kvmux/internal/transport"
)

var (
	// Version is set at build time
	Version = "dev"

	// isTerminal is replaced in tests.
	isTerminal = term.IsTerminal
)

// Screen size of the headless backend used when no display backend is
// compiled in.
const (
	screenWidth  = 1920
	screenHeight = 1080
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		checkOnly bool
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "kvmux [config-file]",
		Short: "kvmux - share one keyboard and mouse across machines",
		Long: `kvmux shares the keyboard and mouse of one machine with any number of
remote machines reached over a remote shell.

Given a configuration file it runs the controller. Run without arguments
it acts as an agent; controllers start agents on remotes this way and
talk to them over the remote shell's standard streams.`,
		Version:       Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				if checkOnly {
					return errors.New("--check requires a configuration file")
				}
				return runAgent(logLevel)
			}
			return runController(cmd.OutOrStdout(), args[0], logLevel, checkOnly)
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "Validate the configuration and exit")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	return cmd
}

// runAgent serves a controller on standard input and output.
func runAgent(logLevel string) error {
	if err := checkAgentStreams(os.Stdin, os.Stdout); err != nil {
		return err
	}

	a, err := agent.New(agent.Options{
		InFD:     int(os.Stdin.Fd()),
		OutFD:    int(os.Stdout.Fd()),
		LogLevel: logLevel,
		OpenPlatform: func() (platform.Platform, error) {
			return headless.New(screenWidth, screenHeight)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The controller reads the exit reason from the forwarded log.
	return a.Run(ctx)
}

// checkAgentStreams refuses to run an agent on an interactive terminal.
// An agent speaks the binary protocol, so a user who starts kvmux by hand
// without a configuration file gets an explanation instead.
func checkAgentStreams(in, out *os.File) error {
	if isTerminal(int(in.Fd())) || isTerminal(int(out.Fd())) {
		return errors.New("agent mode is started by a kvmux controller; pass a configuration file to run a controller")
	}
	return nil
}

func runController(out io.Writer, path, logLevel string, checkOnly bool) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	topo, err := cfg.Resolve()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	logger := logging.NewLogger(logLevel, cfg.LogFormat)
	for _, w := range topo.Warnings(cfg) {
		logger.Warn(w)
	}

	if checkOnly {
		fmt.Fprintf(out, "%s: ok (%d remotes, %d hotkeys)\n", path, len(cfg.Remotes), len(cfg.Hotkeys))
		return nil
	}

	plat, err := headless.New(screenWidth, screenHeight)
	if err != nil {
		return fmt.Errorf("failed to open platform: %w", err)
	}

	ctrl, err := controller.New(controller.Options{
		Config:   cfg,
		Topology: topo,
		Platform: plat,
		Spawner:  transport.NewShellSpawner(filepath.Base(os.Args[0])),
		Logger:   logger,
		Metrics:  metrics.Default(),
	})
	if err != nil {
		plat.Close()
		return fmt.Errorf("failed to create controller: %w", err)
	}

	stopServers, err := startServers(cfg, ctrl, logger)
	if err != nil {
		ctrl.Close()
		return err
	}
	defer stopServers()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("controller started",
		"version", Version,
		logging.KeyCount, len(cfg.Remotes))

	if err := ctrl.Run(ctx); err != nil {
		return fmt.Errorf("controller failed: %w", err)
	}
	logger.Info("controller stopped")
	return nil
}

// startServers starts the optional health and control servers and
// returns a function stopping whichever started.
func startServers(cfg *config.Config, ctrl *controller.Controller, logger *slog.Logger) (func(), error) {
	var stops []func() error
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			if err := stops[i](); err != nil {
				logger.Warn("server shutdown failed", logging.KeyError, err)
			}
		}
	}

	if cfg.Health.Enabled {
		hs := health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Logger:       logger.With(logging.KeyComponent, "health"),
		}, ctrl)
		if err := hs.Start(); err != nil {
			return nil, fmt.Errorf("failed to start health server: %w", err)
		}
		stops = append(stops, hs.Stop)
		logger.Info("health server listening", logging.KeyAddress, hs.Address().String())
	}

	if cfg.Control.Enabled {
		ccfg := control.DefaultServerConfig()
		ccfg.SocketPath = cfg.Control.SocketPath
		ccfg.Logger = logger.With(logging.KeyComponent, "control")
		cs := control.NewServer(ccfg, ctrl)
		if err := cs.Start(); err != nil {
			stopAll()
			return nil, fmt.Errorf("failed to start control server: %w", err)
		}
		stops = append(stops, cs.Stop)
		logger.Info("control socket listening", logging.KeyAddress, cfg.Control.SocketPath)
	}

	return stopAll, nil
}
