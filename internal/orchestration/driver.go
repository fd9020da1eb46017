// Package orchestration drives research runs: it alternates supervisor
// decisions with dispatched worker batches until the run ends.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/dispatch"
	"github.com/Kocoro-lab/Shannon/go/research/internal/interceptors"
	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/research/internal/retry"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/research/internal/supervisor"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/research/internal/util"
	"github.com/Kocoro-lab/Shannon/go/research/internal/worker"
)

// ErrEmptyQuery is returned when a run has nothing to research.
var ErrEmptyQuery = errors.New("research query is empty")

// ErrGuardExhausted re-exports the supervisor's guard bound error.
var ErrGuardExhausted = supervisor.ErrGuardExhausted

// Config configures a Driver. Zero values select the defaults; a negative
// HistoryWindow sends the whole history and a negative MaxGuardRetries lets
// the guards fire without bound.
type Config struct {
	ConcurrencyLimit int
	MaxIterations    int
	HistoryWindow    int
	TruncationBytes  int
	MaxGuardRetries  int
	// MaxRounds caps supervisor rounds per run, guard rounds included.
	MaxRounds int
}

// DefaultConfig returns the defaults used when no configuration is loaded.
func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit: 1,
		MaxIterations:    2,
		HistoryWindow:    6,
		TruncationBytes:  worker.DefaultTruncationBytes,
		MaxGuardRetries:  3,
		MaxRounds:        12,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = d.ConcurrencyLimit
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.HistoryWindow == 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.TruncationBytes <= 0 {
		c.TruncationBytes = d.TruncationBytes
	}
	if c.MaxGuardRetries == 0 {
		c.MaxGuardRetries = d.MaxGuardRetries
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = d.MaxRounds
	}
	return c
}

// Outcome is how a successful run ended.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeCeilingReached Outcome = "ceiling_reached"
)

// Request starts a run. Messages, when set, replace the single human turn
// built from Query.
type Request struct {
	RunID    string
	Query    string
	Messages []llm.Message
}

// RunResult is the externally visible result of a run.
type RunResult struct {
	RunID         string   `json:"run_id"`
	Notes         []string `json:"notes"`
	ResearchBrief string   `json:"research_brief"`
	Iterations    int      `json:"iterations"`
	Rounds        int      `json:"rounds"`
	Outcome       Outcome  `json:"outcome"`
}

// RunFailure reports a run that could not finish.
type RunFailure struct {
	RunID string
	Round int
	Err   error
}

func (e *RunFailure) Error() string {
	return fmt.Sprintf("research run %s failed in round %d: %v", e.RunID, e.Round, e.Err)
}

func (e *RunFailure) Unwrap() error { return e.Err }

// Deps are the collaborators of a Driver. Provider and Runner are required.
type Deps struct {
	Provider llm.Provider
	Runner   dispatch.Runner
	Prompts  *prompts.Set
	Retry    retry.Policy
	Events   streaming.Publisher
	Logger   *zap.Logger
	Now      func() time.Time
}

// Driver runs research requests. It keeps no state between runs.
type Driver struct {
	cfg        Config
	deps       Deps
	dispatcher *dispatch.Dispatcher
}

// NewDriver creates a driver.
func NewDriver(cfg Config, deps Deps) *Driver {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.Default()
	}
	if deps.Events == nil {
		deps.Events = streaming.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Driver{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		dispatcher: dispatch.New(deps.Runner, deps.Logger),
	}
}

// Config returns the effective configuration.
func (d *Driver) Config() Config { return d.cfg }

// Run drives one research run to a terminal state. Failures are returned
// as *RunFailure.
func (d *Driver) Run(ctx context.Context, req Request) (*RunResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	seed := req.Messages
	if len(seed) == 0 {
		if strings.TrimSpace(req.Query) == "" {
			return nil, &RunFailure{RunID: req.RunID, Err: ErrEmptyQuery}
		}
		seed = []llm.Message{{Role: llm.RoleHuman, Content: req.Query}}
	}

	ctx = interceptors.WithRunID(ctx, req.RunID)
	ctx, span := tracing.StartSpan(ctx, "research.run", attribute.String("run_id", req.RunID))
	logger := d.deps.Logger.With(zap.String("run_id", req.RunID))
	start := time.Now()
	metrics.RunsStarted.Inc()

	sup := supervisor.New(d.deps.Provider, d.deps.Prompts, d.deps.Retry, supervisor.Config{
		ConcurrencyLimit: d.cfg.ConcurrencyLimit,
		MaxIterations:    d.cfg.MaxIterations,
		HistoryWindow:    d.cfg.HistoryWindow,
		TruncationBytes:  d.cfg.TruncationBytes,
		MaxGuardRetries:  d.cfg.MaxGuardRetries,
	}, logger)
	sup.SetClock(d.deps.Now)
	sup.Seed(seed...)

	d.publish(req.RunID, streaming.EventRunStarted, util.TruncateString(sup.ResearchBrief(), 200, true), nil)
	logger.Info("Research run started",
		zap.Int("concurrency_limit", d.cfg.ConcurrencyLimit),
		zap.Int("max_iterations", d.cfg.MaxIterations),
	)

	res, err := d.loop(ctx, req.RunID, sup, logger)
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, err)

	if err != nil {
		metrics.RunsCompleted.WithLabelValues("failed").Inc()
		d.publish(req.RunID, streaming.EventRunFailed, err.Error(), nil)
		logger.Error("Research run failed", zap.Error(err))
		return nil, err
	}
	metrics.RunsCompleted.WithLabelValues(string(res.Outcome)).Inc()
	metrics.RunNotes.Observe(float64(len(res.Notes)))
	d.publish(req.RunID, streaming.EventRunCompleted, string(res.Outcome), map[string]interface{}{
		"notes":      len(res.Notes),
		"iterations": res.Iterations,
		"rounds":     res.Rounds,
	})
	logger.Info("Research run finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("notes", len(res.Notes)),
		zap.Int("rounds", res.Rounds),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (d *Driver) loop(ctx context.Context, runID string, sup *supervisor.Supervisor, logger *zap.Logger) (*RunResult, error) {
	rounds := 0
	for sup.State() != supervisor.StateTerminal {
		if rounds >= d.cfg.MaxRounds {
			logger.Warn("Round cap reached, ending run", zap.Int("rounds", rounds))
			return d.result(runID, sup, rounds, OutcomeCeilingReached), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, &RunFailure{RunID: runID, Round: rounds, Err: err}
		}
		rounds++

		decision, err := sup.Decide(ctx)
		if err != nil {
			return nil, &RunFailure{RunID: runID, Round: rounds, Err: err}
		}
		d.publish(runID, streaming.EventDecision, decision.Verdict.String(), map[string]interface{}{
			"iteration": decision.Iteration,
			"research":  len(decision.Response.Filter(llm.ActionResearch)),
			"reflect":   len(decision.Response.Filter(llm.ActionReflect)),
			"complete":  decision.Response.Has(llm.ActionComplete),
		})
		if decision.Verdict.Rejected() {
			d.publish(runID, streaming.EventGuardFired, decision.Verdict.String(), nil)
		}

		batch, err := sup.Apply(decision)
		if err != nil {
			return nil, &RunFailure{RunID: runID, Round: rounds, Err: err}
		}
		if len(batch) == 0 {
			continue
		}

		d.publish(runID, streaming.EventDispatchStarted, "", map[string]interface{}{"batch_size": len(batch)})
		results := d.dispatcher.Execute(ctx, batch, d.cfg.ConcurrencyLimit)
		for _, r := range results {
			d.publish(runID, streaming.EventWorkerCompleted, string(r.Status), nil, r.RequestID)
		}
		sup.Absorb(batch, results)
	}

	outcome := OutcomeCompleted
	if sup.LastVerdict() == supervisor.VerdictCeiling {
		outcome = OutcomeCeilingReached
	}
	return d.result(runID, sup, rounds, outcome), nil
}

func (d *Driver) result(runID string, sup *supervisor.Supervisor, rounds int, outcome Outcome) *RunResult {
	return &RunResult{
		RunID:         runID,
		Notes:         sup.Notes(),
		ResearchBrief: sup.ResearchBrief(),
		Iterations:    sup.Counters().Iteration,
		Rounds:        rounds,
		Outcome:       outcome,
	}
}

func (d *Driver) publish(runID string, typ streaming.EventType, msg string, payload map[string]interface{}, agentID ...string) {
	evt := streaming.Event{Type: typ, Message: msg, Payload: payload}
	if len(agentID) > 0 {
		evt.AgentID = agentID[0]
	}
	d.deps.Events.Publish(runID, evt)
}
