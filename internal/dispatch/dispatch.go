// Package dispatch fans a batch of sub-tasks out to workers with a bounded
// number in flight and joins on all of them.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/research/internal/worker"
)

// Runner executes one sub-task. Implementations must not panic or block forever.
type Runner interface {
	Run(ctx context.Context, req llm.SubtaskRequest) worker.Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req llm.SubtaskRequest) worker.Result

func (f RunnerFunc) Run(ctx context.Context, req llm.SubtaskRequest) worker.Result {
	return f(ctx, req)
}

// Dispatcher runs batches of sub-tasks.
type Dispatcher struct {
	runner Runner
	logger *zap.Logger
}

// New creates a dispatcher backed by runner.
func New(runner Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runner: runner, logger: logger}
}

// Execute runs every request and returns results index-aligned with batch.
// At most limit workers run at once (limit <= 0 means 1). The batch is not
// cancelled by ctx; it always runs to completion.
func (d *Dispatcher) Execute(ctx context.Context, batch []llm.SubtaskRequest, limit int) []worker.Result {
	results := make([]worker.Result, len(batch))
	if len(batch) == 0 {
		return results
	}
	if limit <= 0 {
		limit = 1
	}

	ctx, span := tracing.StartSpan(ctx, "dispatch.execute",
		attribute.Int("batch.size", len(batch)),
		attribute.Int("batch.limit", limit),
	)
	defer span.End()

	// Detach from run cancellation so a started batch always finishes.
	batchCtx := context.WithoutCancel(ctx)
	sem := semaphore.NewWeighted(int64(limit))
	start := time.Now()

	d.logger.Info("Dispatching batch",
		zap.Int("size", len(batch)),
		zap.Int("concurrency_limit", limit),
	)

	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := batch[i]
			// batchCtx is never cancelled, so Acquire only returns once a slot frees.
			_ = sem.Acquire(batchCtx, 1)
			defer sem.Release(1)
			results[i] = d.runOne(batchCtx, req)
		}(i)
	}
	wg.Wait()

	metrics.DispatchBatchSize.Observe(float64(len(batch)))
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	d.logger.Info("Batch finished",
		zap.Int("size", len(batch)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results
}

func (d *Dispatcher) runOne(ctx context.Context, req llm.SubtaskRequest) (res worker.Result) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("Runner panicked", zap.String("request_id", req.ID), zap.Any("panic", p))
			res = worker.Result{
				RequestID:        req.ID,
				Status:           worker.StatusFailed,
				CompressedOutput: "Error: runner panic",
			}
		}
		res.RequestID = req.ID
	}()
	return d.runner.Run(ctx, req)
}
