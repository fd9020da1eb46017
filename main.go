package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/app"
	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "research",
		Short:         "Supervisor/worker research orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.AddCommand(
		newRunCmd(&configPath),
		newSubmitCmd(&configPath),
		newWorkerCmd(&configPath),
	)
	return root
}

// service is the process-wide setup shared by every command.
type service struct {
	loader   *config.Loader
	logger   *zap.Logger
	app      *app.App
	shutdown func(context.Context) error
}

func bootstrap(ctx context.Context, configPath string) (*service, error) {
	loader, err := config.NewLoader(configPath, nil)
	if err != nil {
		return nil, err
	}
	cfg := loader.Current()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, level, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	loader.OnChange(func(next config.Config) {
		lvl, err := app.ParseLevel(next.Logging.Level)
		if err != nil {
			logger.Warn("Ignoring invalid log level on reload", zap.Error(err))
			return
		}
		level.SetLevel(lvl)
	})
	loader.Watch()

	shutdown, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
		shutdown = func(context.Context) error { return nil }
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	a.SetConfigSource(loader.Current)
	return &service{loader: loader, logger: logger, app: a, shutdown: shutdown}, nil
}

func (r *service) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.shutdown(ctx); err != nil {
		r.logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
	if err := r.app.Close(); err != nil {
		r.logger.Warn("Failed to close app", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
