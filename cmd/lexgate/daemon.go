package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fentz26/lexgate/internal/audit"
	"github.com/fentz26/lexgate/internal/config"
	"github.com/fentz26/lexgate/internal/connectors"
	"github.com/fentz26/lexgate/internal/connectors/localexec"
	"github.com/fentz26/lexgate/internal/controlplane"
	"github.com/fentz26/lexgate/internal/execgate"
	"github.com/fentz26/lexgate/internal/lifecycle"
	"github.com/fentz26/lexgate/internal/logging"
	"github.com/fentz26/lexgate/internal/metrics"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/poller"
	"github.com/fentz26/lexgate/internal/review"
	"github.com/fentz26/lexgate/internal/stage"
	"github.com/fentz26/lexgate/internal/store"
)

var (
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the lexgate daemon",
	Long:  `Starts the lexgate daemon: the HTTP API, the snapshot poller and the execution gate.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides server.listen)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides store.path)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("starting lexgate daemon",
		zap.String("version", version),
		zap.String("listen", cfg.Server.Listen),
		zap.String("db", cfg.Store.Path))

	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}

	m := metrics.New()
	w := audit.NewWriter(s, logger.Named("audit"))

	stages, err := stage.New(s, w, m, logger.Named("stage"), stage.Config{
		Stages:               cfg.StageSequence(),
		ConfirmationRequired: stageList(cfg.Workflow.ConfirmationRequired),
	})
	if err != nil {
		s.Close()
		return err
	}
	agents := lifecycle.NewManager(s, w, m, logger.Named("lifecycle"), lifecycle.OSProbe{},
		lifecycle.Config{StaleAfter: cfg.Policy.StaleAfter.Duration()})
	reviews := review.NewManager(s, w, m, logger.Named("review"))

	channels, err := buildChannels(cfg)
	if err != nil {
		s.Close()
		return err
	}
	logger.Info("execution channels registered", zap.Strings("channels", channels.Names()))
	gate := execgate.New(s, channels, w, m, logger.Named("execgate"))

	p := poller.New(s, nil, agents.Corroborated, m, logger.Named("poller"), poller.FromConfig(cfg))

	service := controlplane.NewService(controlplane.Deps{
		Store:     s,
		Audit:     w,
		Stages:    stages,
		Agents:    agents,
		Reviews:   reviews,
		Exec:      gate,
		Poller:    p,
		Logger:    logger.Named("service"),
		Version:   version,
		AllowExec: cfg.Execution.AllowExecutionSpawn,
	})
	server, err := controlplane.NewServer(service, m, logger.Named("http"), cfg.Server.Listen)
	if err != nil {
		s.Close()
		return err
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := service.CurrentStage(ctx); err != nil {
		s.Close()
		return fmt.Errorf("initialize workflow: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		s.Close()
		return err
	}

	// Channel to receive server errors
	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			runErr = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}

	logger.Info("stopping poller")
	p.Stop()

	logger.Info("closing database connection")
	if err := s.Close(); err != nil {
		logger.Warn("database close error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}

// buildChannels registers the noop channel plus one localexec channel per
// configured hook.
func buildChannels(cfg *config.Config) (*connectors.Registry, error) {
	registry, err := connectors.NewRegistry(connectors.Noop{})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cfg.Execution.Hooks))
	for name := range cfg.Execution.Hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := cfg.Execution.Hooks[name]
		ch, err := localexec.New(name, localexec.Hook{
			Command: h.Command,
			Args:    h.Args,
			WorkDir: h.WorkDir,
			Timeout: h.Timeout.Duration(),
		}, cfg.Execution.AllowedCommands)
		if err != nil {
			return nil, fmt.Errorf("execution.hooks.%s: %w", name, err)
		}
		if err := registry.Register(ch); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func stageList(names []string) []models.Stage {
	out := make([]models.Stage, 0, len(names))
	for _, n := range names {
		out = append(out, models.Stage(n))
	}
	return out
}
