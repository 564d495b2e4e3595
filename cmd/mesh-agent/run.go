package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/agent"
	"github.com/dante-gpu/dante-mesh/internal/config"
	"github.com/dante-gpu/dante-mesh/internal/console"
	"github.com/dante-gpu/dante-mesh/internal/consul"
	"github.com/dante-gpu/dante-mesh/internal/logging"
	"github.com/dante-gpu/dante-mesh/internal/server"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRunCommand starts an agent in the foreground.
func NewRunCommand() *cobra.Command {
	var (
		configPath string
		noConsole  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the swarm agent",
		Long: `Run loads the configuration (writing a default one with a fresh node id
if the file does not exist), connects to the mesh and serves tasks until it
is stopped by a signal, the control API or the console.

When stdin is a terminal an interactive console is shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			interactive := !noConsole && isatty.IsTerminal(os.Stdin.Fd())
			return runAgent(cmd.Context(), configPath, interactive)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", filepath.Join("configs", "agent.yaml"), "Path to the configuration file")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "Do not start the interactive console")

	return cmd
}

func runAgent(parent context.Context, configPath string, interactive bool) error {
	tempLogger, err := logging.NewLogger(logging.Options{Level: "info"})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.LoadConfig(configPath, tempLogger)
	if err != nil {
		tempLogger.Error("Failed to load configuration", zap.Error(err), zap.String("path", configPath))
		return err
	}

	logger, err := logging.NewLogger(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("failed to setup logger with config level: %w", err)
	}
	defer logger.Sync()
	cfg.Logger = logger

	logger.Info("Starting swarm agent",
		zap.String("version", Version),
		zap.String("buildDate", BuildDate),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", configPath))

	ctx, stopSignals := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	a, err := agent.New(ctx, cfg, Version, logger)
	if err != nil {
		logger.Error("Failed to connect to the mesh", zap.Error(err))
		return err
	}
	if err := a.Start(ctx); err != nil {
		logger.Error("Failed to start swarm agent", zap.Error(err))
		_ = a.Shutdown(context.Background())
		return err
	}

	var (
		srv          *server.Server
		serveErrs    <-chan error
		registration *consul.Registration
	)
	if cfg.Control.ListenAddr != "" {
		srv = server.NewServer(cfg.Control.ListenAddr, server.NewRouter(a, a.Metrics().Handler(), cfg.Control, logger), logger)
		if err := srv.Start(); err != nil {
			logger.Error("Failed to start control API", zap.Error(err))
			_ = a.Shutdown(context.Background())
			return err
		}
		serveErrs = srv.Errors()

		if cfg.Consul.Enabled {
			registration = registerWithConsul(cfg, srv.Addr(), logger)
		}
	}

	if interactive {
		go func() {
			if err := console.New(a, os.Stdin, os.Stdout).Run(ctx); err != nil {
				logger.Warn("Console ended with error", zap.Error(err))
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, starting graceful shutdown...")
	case <-a.Done():
	case err, ok := <-serveErrs:
		if ok && err != nil {
			runErr = err
		}
	}

	if registration != nil {
		if err := registration.Deregister(); err != nil {
			logger.Error("Failed to deregister service from Consul", zap.Error(err))
		}
	}

	// Running tasks get the grace period plus the launcher's kill grace.
	waitFor := cfg.Control.ShutdownGrace + cfg.Executor.KillGrace + 5*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("Swarm agent did not stop in time", zap.Error(err))
		runErr = err
	}

	if srv != nil {
		serverCtx, serverCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer serverCancel()
		if err := srv.Shutdown(serverCtx); err != nil {
			logger.Error("Control API shutdown failed", zap.Error(err))
		}
	}

	logger.Info("Swarm agent exited")
	return runErr
}

// registerWithConsul is best effort; the agent serves the mesh without it.
func registerWithConsul(cfg *config.Config, listenAddr string, logger *zap.Logger) *consul.Registration {
	client, err := consul.Connect(cfg.Consul.Address, logger)
	if err != nil {
		logger.Warn("Consul unavailable, continuing without service registration", zap.Error(err))
		return nil
	}
	registration, err := consul.Register(client, cfg.Consul, cfg.NodeID, listenAddr, logger)
	if err != nil {
		logger.Warn("Failed to register service with Consul", zap.Error(err))
		return nil
	}
	return registration
}
