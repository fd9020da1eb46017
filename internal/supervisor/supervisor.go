// Package supervisor implements the decision loop of a research run: it
// asks the provider what to do next, applies the guard heuristics and folds
// worker results back into the decision history.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/research/internal/retry"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/research/internal/util"
	"github.com/Kocoro-lab/Shannon/go/research/internal/worker"
)

// ErrGuardExhausted is returned by Apply once the guards fired more than
// Config.MaxGuardRetries times in one run.
var ErrGuardExhausted = errors.New("supervisor kept issuing rejected decisions")

// Tool acknowledgement texts.
const (
	ackComplete = "Research completion acknowledged."
	ackDeferred = "Completion deferred: research in progress."
	ackRejected = "Rejected: "
	ackReflect  = "Reflection recorded: "
)

// decisionActions are offered to the provider on every Deciding round.
var decisionActions = []llm.ActionKind{llm.ActionResearch, llm.ActionReflect, llm.ActionComplete}

// Config holds the per-run limits of the supervisor.
type Config struct {
	ConcurrencyLimit int
	MaxIterations    int
	HistoryWindow    int
	TruncationBytes  int
	MaxGuardRetries  int
}

// Counters are the run counters.
type Counters struct {
	Iteration        int
	ConcurrencyLimit int
	MaxIterations    int
}

// Decision is one recorded provider decision and its verdict.
type Decision struct {
	Response  llm.Response
	Iteration int
	Verdict   Verdict
}

// Supervisor holds the state of a single run. It is not safe for concurrent use.
type Supervisor struct {
	provider llm.Provider
	prompts  *prompts.Set
	policy   retry.Policy
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	history  History
	notes    Notes
	counters Counters
	state    State
	brief    string
	guards   int
	last     Verdict
}

// New creates a supervisor in the Deciding state. A nil prompt set uses the
// embedded defaults.
func New(provider llm.Provider, set *prompts.Set, policy retry.Policy, cfg Config, logger *zap.Logger) *Supervisor {
	if set == nil {
		set = prompts.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 1
	}
	if cfg.TruncationBytes <= 0 {
		cfg.TruncationBytes = worker.DefaultTruncationBytes
	}
	if policy.Name == "" {
		policy.Name = "supervisor"
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	return &Supervisor{
		provider: provider,
		prompts:  set,
		policy:   policy,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		counters: Counters{
			ConcurrencyLimit: cfg.ConcurrencyLimit,
			MaxIterations:    cfg.MaxIterations,
		},
		state: StateDeciding,
	}
}

// SetClock overrides the clock used for the instruction date.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// Seed appends the initial turns (normally the user's request).
func (s *Supervisor) Seed(turns ...llm.Message) {
	s.history.Append(turns...)
	if _, brief, ok := s.history.LatestHuman(); ok {
		s.brief = brief
	}
}

func (s *Supervisor) State() State { return s.state }
func (s *Supervisor) Counters() Counters { return s.counters }
func (s *Supervisor) Notes() []string { return s.notes.Items() }
func (s *Supervisor) ResearchBrief() string { return s.brief }
func (s *Supervisor) History() []llm.Message { return s.history.Turns() }

// LastVerdict returns the verdict of the most recent decision.
func (s *Supervisor) LastVerdict() Verdict { return s.last }

// Instruction renders the system instruction for the current round.
func (s *Supervisor) Instruction() (string, error) {
	return s.prompts.Render(prompts.LeadResearcher, prompts.LeadResearcherData{
		Date:                       util.TodayString(s.now()),
		MaxConcurrentResearchUnits: s.cfg.ConcurrencyLimit,
		MaxResearcherIterations:    s.cfg.MaxIterations,
	})
}

// Conversation returns the provider input for the next decision: the
// instruction, the research brief when it fell out of the window, then the
// windowed history.
func (s *Supervisor) Conversation() ([]llm.Message, error) {
	system, err := s.Instruction()
	if err != nil {
		return nil, err
	}
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: system}}

	window := s.history.Window(s.cfg.HistoryWindow)
	if idx, brief, ok := s.history.LatestHuman(); ok && idx < s.history.Len()-len(window) {
		msgs = append(msgs, llm.Message{Role: llm.RoleHuman, Content: brief})
	}
	return append(msgs, window...), nil
}

// Propose asks the provider for the next decision without changing any state.
func (s *Supervisor) Propose(ctx context.Context) (llm.Response, error) {
	msgs, err := s.Conversation()
	if err != nil {
		return llm.Response{}, fmt.Errorf("build supervisor conversation: %w", err)
	}
	req := llm.Request{Messages: msgs, Actions: decisionActions}
	return retry.Do(ctx, s.policy, func(ctx context.Context) (llm.Response, error) {
		return s.provider.Invoke(ctx, req)
	})
}

// Decide runs one Deciding round: it records the provider's decision,
// advances the iteration counter, refreshes the research brief and
// evaluates the heuristics. A returned error is a *retry.FatalError or a
// prompt failure and ends the run.
func (s *Supervisor) Decide(ctx context.Context) (Decision, error) {
	if s.state != StateDeciding {
		return Decision{}, fmt.Errorf("decide called in state %s", s.state)
	}
	ctx, span := tracing.StartSpan(ctx, "supervisor.decide",
		attribute.Int("iteration", s.counters.Iteration),
	)
	resp, err := s.Propose(ctx)
	if err != nil {
		tracing.EndSpan(span, err)
		return Decision{}, err
	}

	resp.Actions = s.normalizeIDs(resp.Actions)
	s.history.Append(llm.Message{Role: llm.RoleAssistant, Content: resp.Text, Actions: resp.Actions})
	s.counters.Iteration++
	if _, brief, ok := s.history.LatestHuman(); ok {
		s.brief = brief
	}

	verdict := Evaluate(resp, s.counters.Iteration, s.counters.MaxIterations, s.notes.Empty())
	s.last = verdict
	metrics.Decisions.WithLabelValues(verdict.String()).Inc()
	span.SetAttributes(attribute.String("verdict", verdict.String()))
	tracing.EndSpan(span, nil)

	s.logger.Info("Supervisor decision",
		zap.Int("iteration", s.counters.Iteration),
		zap.Int("research", len(resp.Filter(llm.ActionResearch))),
		zap.Int("reflect", len(resp.Filter(llm.ActionReflect))),
		zap.Bool("complete", resp.Has(llm.ActionComplete)),
		zap.String("verdict", verdict.String()),
	)
	s.state = StateExecuting
	return Decision{Response: resp, Iteration: s.counters.Iteration, Verdict: verdict}, nil
}

// Apply acts on a decision. It returns the research batch to dispatch,
// which is empty unless the verdict is VerdictExecute. Rejected decisions
// append acknowledgements and a corrective turn and reset the iteration
// counter.
func (s *Supervisor) Apply(d Decision) ([]llm.SubtaskRequest, error) {
	if s.state != StateExecuting {
		return nil, fmt.Errorf("apply called in state %s", s.state)
	}

	if d.Verdict.Rejected() {
		return nil, s.reject(d)
	}

	// Reflections fold in first, before any research result.
	for _, a := range d.Response.Filter(llm.ActionReflect) {
		s.history.Append(llm.Message{Role: llm.RoleTool, Content: ackReflect + a.Note, ToolCallID: a.ID})
	}
	for _, a := range d.Response.Filter(llm.ActionComplete) {
		ack := ackComplete
		if d.Verdict == VerdictExecute {
			ack = ackDeferred
		}
		s.history.Append(llm.Message{Role: llm.RoleTool, Content: ack, ToolCallID: a.ID})
	}

	switch {
	case d.Verdict.Terminal():
		s.state = StateTerminal
		return nil, nil
	case d.Verdict == VerdictExecute:
		research := d.Response.Filter(llm.ActionResearch)
		batch := make([]llm.SubtaskRequest, 0, len(research))
		for _, a := range research {
			batch = append(batch, llm.SubtaskRequest{ID: a.ID, Topic: a.Topic, Kind: llm.ActionResearch})
		}
		return batch, nil
	default:
		s.state = StateDeciding
		return nil, nil
	}
}

func (s *Supervisor) reject(d Decision) error {
	guard, key := "lazy_agent", prompts.LazyAgent
	if d.Verdict == VerdictRejectPremature {
		guard, key = "premature_completion", prompts.PrematureCompletion
	}
	s.guards++
	metrics.GuardsFired.WithLabelValues(guard).Inc()
	if s.cfg.MaxGuardRetries > 0 && s.guards > s.cfg.MaxGuardRetries {
		s.state = StateTerminal
		return fmt.Errorf("%w: %s fired %d times", ErrGuardExhausted, guard, s.guards)
	}

	corrective, err := s.prompts.Render(key, nil)
	if err != nil {
		return err
	}
	for _, a := range d.Response.Actions {
		s.history.Append(llm.Message{Role: llm.RoleTool, Content: ackRejected + strings.TrimSpace(corrective), ToolCallID: a.ID})
	}
	s.history.Append(llm.Message{Role: llm.RoleHuman, Content: corrective, Name: GuardTurnName})

	s.logger.Warn("Supervisor decision rejected",
		zap.String("guard", guard),
		zap.Int("iteration", d.Iteration),
		zap.Int("guards_fired", s.guards),
	)
	s.counters.Iteration = 0
	s.state = StateDeciding
	return nil
}

// Absorb folds a finished batch into the history in request order and
// accumulates notes from results that carry content.
func (s *Supervisor) Absorb(batch []llm.SubtaskRequest, results []worker.Result) {
	for i, req := range batch {
		var res worker.Result
		if i < len(results) {
			res = results[i]
		} else {
			res = worker.Result{RequestID: req.ID, Status: worker.StatusFailed, CompressedOutput: "Error: missing result"}
		}
		s.history.Append(llm.Message{
			Role:       llm.RoleTool,
			Content:    util.TruncateBytes(res.CompressedOutput, s.cfg.TruncationBytes),
			ToolCallID: req.ID,
		})
		if res.Status == worker.StatusOk || len(res.RawNotes) > 0 {
			s.notes.Add(strings.Join(res.RawNotes, "\n"))
		}
	}
	if s.state == StateExecuting {
		s.state = StateDeciding
	}
}

// normalizeIDs gives every action an ID unique within the decision.
func (s *Supervisor) normalizeIDs(actions []llm.Action) []llm.Action {
	if len(actions) == 0 {
		return actions
	}
	out := make([]llm.Action, len(actions))
	seen := make(map[string]struct{}, len(actions))
	for i, a := range actions {
		if _, dup := seen[a.ID]; a.ID == "" || dup {
			a.ID = s.newID()
		}
		seen[a.ID] = struct{}{}
		out[i] = a
	}
	return out
}
