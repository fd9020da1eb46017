// Package worker runs one delegated research sub-task against the completion
// provider and reports the outcome as data.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/research/internal/retry"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/research/internal/util"
)

// Status is the outcome of a sub-task.
type Status string

const (
	StatusOk     Status = "ok"
	StatusFailed Status = "failed"
)

const (
	DefaultMaxIterations   = 3
	DefaultTruncationBytes = 1500
)

// Result is the normalized outcome of one sub-task.
type Result struct {
	RequestID        string   `json:"request_id"`
	Status           Status   `json:"status"`
	CompressedOutput string   `json:"compressed_output"`
	RawNotes         []string `json:"raw_notes,omitempty"`
}

// Failed builds a Failed result for requestID.
func Failed(requestID string, err error, partial []string) Result {
	return Result{
		RequestID:        requestID,
		Status:           StatusFailed,
		CompressedOutput: "Error: " + err.Error(),
		RawNotes:         partial,
	}
}

// Config bounds a researcher.
type Config struct {
	MaxIterations   int
	TruncationBytes int
}

// Researcher executes sub-tasks. It is safe for concurrent use; each Run
// owns its conversation.
type Researcher struct {
	provider llm.Provider
	prompts  *prompts.Set
	policy   retry.Policy
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewResearcher creates a researcher. A nil prompt set uses the embedded defaults.
func NewResearcher(provider llm.Provider, set *prompts.Set, policy retry.Policy, cfg Config, logger *zap.Logger) *Researcher {
	if set == nil {
		set = prompts.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.TruncationBytes <= 0 {
		cfg.TruncationBytes = DefaultTruncationBytes
	}
	if policy.Name == "" {
		policy.Name = "worker"
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	return &Researcher{
		provider: provider,
		prompts:  set,
		policy:   policy,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run researches req.Topic. It never panics and never returns an error:
// failures come back as a Failed result.
func (r *Researcher) Run(ctx context.Context, req llm.SubtaskRequest) (res Result) {
	ctx, span := tracing.StartSpan(ctx, "worker.run",
		attribute.String("subtask.id", req.ID),
	)
	var observations []string

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Worker panicked",
				zap.String("request_id", req.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			res = Failed(req.ID, fmt.Errorf("worker panic: %v", p), observations)
		}
		metrics.WorkerResults.WithLabelValues(string(res.Status)).Inc()
		var spanErr error
		if res.Status == StatusFailed {
			spanErr = fmt.Errorf("%s", res.CompressedOutput)
		}
		tracing.EndSpan(span, spanErr)
	}()

	system, err := r.prompts.Render(prompts.Researcher, prompts.DateData{Date: util.TodayString(r.now())})
	if err != nil {
		return Failed(req.ID, err, nil)
	}
	conversation := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleHuman, Content: req.Topic},
	}

	var answer string
	for i := 0; i < r.cfg.MaxIterations; i++ {
		call := llm.Request{Messages: conversation}
		// the last call has no tools so the model has to answer
		if i < r.cfg.MaxIterations-1 {
			call.Actions = []llm.ActionKind{llm.ActionReflect}
		}

		resp, err := retry.Do(ctx, r.policy, func(ctx context.Context) (llm.Response, error) {
			return r.provider.Invoke(ctx, call)
		})
		if err != nil {
			r.logger.Warn("Worker call failed",
				zap.String("request_id", req.ID),
				zap.Int("iteration", i),
				zap.Error(err),
			)
			return Failed(req.ID, err, observations)
		}

		reflections := resp.Filter(llm.ActionReflect)
		if len(reflections) == 0 {
			answer = strings.TrimSpace(resp.Text)
			break
		}

		conversation = append(conversation, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, Actions: reflections})
		for _, a := range reflections {
			observations = append(observations, a.Note)
			conversation = append(conversation, llm.Message{
				Role:       llm.RoleTool,
				Content:    "Reflection recorded: " + a.Note,
				ToolCallID: a.ID,
			})
		}
	}

	if answer == "" {
		answer = strings.Join(util.NonEmpty(observations), "\n")
	}
	if answer == "" {
		return Failed(req.ID, fmt.Errorf("empty response for topic %q", util.TruncateString(req.Topic, 80, true)), nil)
	}

	notes := append(util.NonEmpty(observations), answer)
	r.logger.Debug("Worker finished",
		zap.String("request_id", req.ID),
		zap.Int("notes", len(notes)),
		zap.Int("output_bytes", len(answer)),
	)
	return Result{
		RequestID:        req.ID,
		Status:           StatusOk,
		CompressedOutput: util.TruncateBytes(answer, r.cfg.TruncationBytes),
		RawNotes:         notes,
	}
}
