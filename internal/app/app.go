// Package app wires configuration into a ready-to-run research pipeline.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/orchestration"
	"github.com/Kocoro-lab/Shannon/go/research/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/research/internal/report"
	"github.com/Kocoro-lab/Shannon/go/research/internal/retry"
	"github.com/Kocoro-lab/Shannon/go/research/internal/scope"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/research/internal/worker"
)

// App holds the long-lived components built from the startup
// configuration. Provider, event bus and prompt set live for the whole
// process; the run-scoped pipeline is rebuilt from the current
// configuration snapshot at the start of every run.
type App struct {
	Config   config.Config
	Provider *llm.Client
	Events   *streaming.Manager

	prompts *prompts.Set
	redis   *redis.Client
	logger  *zap.Logger

	mu     sync.RWMutex
	source func() config.Config
}

// New builds the long-lived components. When streaming.redis.addr is set
// the Redis server must be reachable.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, logger: logger}

	set := prompts.Default()
	if cfg.Prompts.Path != "" {
		var err error
		if set, err = prompts.Load(cfg.Prompts.Path); err != nil {
			return nil, err
		}
	}

	var sinks []streaming.Sink
	if addr := cfg.Streaming.Redis.Addr; addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Streaming.Redis.Password,
			DB:       cfg.Streaming.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("connect redis %s: %w", addr, err)
		}
		sinks = append(sinks, streaming.NewRedisSink(a.redis, cfg.Streaming.Redis.Prefix, cfg.Streaming.Redis.MaxLen, cfg.Streaming.Redis.TTL))
		logger.Info("Mirroring run events to Redis", zap.String("addr", addr))
	}
	a.Events = streaming.NewManager(cfg.Streaming.Capacity, logger, sinks...)

	a.Provider = llm.NewClient(llm.ClientConfig{
		BaseURL:  cfg.Provider.BaseURL,
		APIKey:   cfg.Provider.APIKey,
		Model:    cfg.Provider.Model,
		Provider: cfg.Provider.Name,
		Timeout:  cfg.Provider.Timeout,
		RPM:      cfg.Provider.RPM,
		Burst:    cfg.Provider.Burst,
		Breaker: circuitbreaker.Settings{
			MaxRequests:      cfg.CircuitBreaker.MaxRequests,
			Interval:         cfg.CircuitBreaker.Interval,
			Timeout:          cfg.CircuitBreaker.Timeout,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		},
	}, nil, logger)

	a.prompts = set
	return a, nil
}

// SetConfigSource makes every subsequent run read its run-scoped settings
// from fn, typically a config.Loader's Current method.
func (a *App) SetConfigSource(fn func() config.Config) {
	a.mu.Lock()
	a.source = fn
	a.mu.Unlock()
}

func (a *App) current() config.Config {
	a.mu.RLock()
	fn := a.source
	a.mu.RUnlock()
	if fn == nil {
		return a.Config
	}
	return fn()
}

// Pipeline assembles a pipeline from the current configuration snapshot.
// Supervisor, worker, retry and report settings take effect here; the
// provider, prompt set and streaming sinks keep their startup values.
func (a *App) Pipeline() *orchestration.Pipeline {
	cfg := a.current()
	policy := retry.Policy{MaxAttempts: cfg.Retry.MaxAttempts, Base: cfg.Retry.Base, Logger: a.logger}
	researcher := worker.NewResearcher(a.Provider, a.prompts, policy, worker.Config{
		MaxIterations:   cfg.Worker.MaxIterations,
		TruncationBytes: cfg.Supervisor.TruncationBytes,
	}, a.logger)

	driver := orchestration.NewDriver(DriverConfig(cfg), orchestration.Deps{
		Provider: a.Provider,
		Runner:   researcher,
		Prompts:  a.prompts,
		Retry:    policy,
		Events:   a.Events,
		Logger:   a.logger,
	})

	return &orchestration.Pipeline{
		Driver:   driver,
		Scoper:   scope.New(a.Provider, a.prompts, cfg.Retry.MaxAttempts, cfg.Retry.ClarifyBase, cfg.Retry.Base, a.logger),
		Reporter: report.NewGenerator(a.Provider, a.prompts, policy, a.logger),
		Store:    report.NewFileStore(cfg.Report.OutputDir),
		Logger:   a.logger,
	}
}

// Execute runs one research request against a fresh configuration snapshot.
func (a *App) Execute(ctx context.Context, runID string, conversation []llm.Message) (*orchestration.PipelineResult, error) {
	return a.Pipeline().Execute(ctx, runID, conversation)
}

// DriverConfig maps the supervisor section onto the driver configuration.
func DriverConfig(cfg config.Config) orchestration.Config {
	return orchestration.Config{
		ConcurrencyLimit: cfg.Supervisor.ConcurrencyLimit,
		MaxIterations:    cfg.Supervisor.MaxIterations,
		HistoryWindow:    cfg.Supervisor.HistoryWindow,
		TruncationBytes:  cfg.Supervisor.TruncationBytes,
		MaxGuardRetries:  cfg.Supervisor.MaxGuardRetries,
		MaxRounds:        cfg.Supervisor.MaxRounds,
	}
}

// Close releases external connections.
func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
