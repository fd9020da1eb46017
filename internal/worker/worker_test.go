package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/retry"
)

// scripted returns the queued responses in order and records requests.
type scripted struct {
	mu        sync.Mutex
	responses []llm.Response
	errs      []error
	requests  []llm.Request
}

func (s *scripted) Invoke(_ context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return llm.Response{}, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return llm.Response{Text: "done"}, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newResearcher(t *testing.T, p llm.Provider, cfg Config) *Researcher {
	return NewResearcher(p, nil, retry.Policy{Sleep: noSleep}, cfg, zaptest.NewLogger(t))
}

func TestRunSuccess(t *testing.T) {
	p := &scripted{responses: []llm.Response{{Text: "  Caches keep hot data close to the CPU.  "}}}
	r := newResearcher(t, p, Config{})

	res := r.Run(context.Background(), llm.SubtaskRequest{ID: "t1", Topic: "caching basics", Kind: llm.ActionResearch})

	assert.Equal(t, StatusOk, res.Status)
	assert.Equal(t, "t1", res.RequestID)
	assert.Equal(t, "Caches keep hot data close to the CPU.", res.CompressedOutput)
	assert.Equal(t, []string{"Caches keep hot data close to the CPU."}, res.RawNotes)

	require.Len(t, p.requests, 1)
	msgs := p.requests[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "caching basics", msgs[1].Content)
	assert.Equal(t, []llm.ActionKind{llm.ActionReflect}, p.requests[0].Actions)
}

func TestRunCollectsObservations(t *testing.T) {
	p := &scripted{responses: []llm.Response{
		{Actions: []llm.Action{{ID: "r1", Kind: llm.ActionReflect, Note: "LRU is common"}}},
		{Actions: []llm.Action{{ID: "r2", Kind: llm.ActionReflect, Note: "TTL bounds staleness"}}},
		{Text: "Summary of caching."},
	}}
	r := newResearcher(t, p, Config{MaxIterations: 3})

	res := r.Run(context.Background(), llm.SubtaskRequest{ID: "t1", Topic: "eviction"})

	assert.Equal(t, StatusOk, res.Status)
	assert.Equal(t, []string{"LRU is common", "TTL bounds staleness", "Summary of caching."}, res.RawNotes)
	require.Len(t, p.requests, 3)
	assert.Empty(t, p.requests[2].Actions, "final call must not offer tools")

	// system, human, then assistant + tool ack per reflection round
	last := p.requests[2].Messages
	require.Len(t, last, 6)
	assert.Equal(t, llm.RoleTool, last[3].Role)
	assert.Equal(t, "r1", last[3].ToolCallID)
	assert.Equal(t, "Reflection recorded: LRU is common", last[3].Content)
}

func TestRunTruncatesOutput(t *testing.T) {
	long := strings.Repeat("a", 4000)
	p := &scripted{responses: []llm.Response{{Text: long}}}
	r := newResearcher(t, p, Config{TruncationBytes: 1500})

	res := r.Run(context.Background(), llm.SubtaskRequest{ID: "t1", Topic: "x"})
	assert.Len(t, res.CompressedOutput, 1500)
	assert.Equal(t, long, res.RawNotes[0])
}

func TestRunFatalBecomesFailedResult(t *testing.T) {
	p := llm.ProviderFunc(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{}, llm.NewFatal(400, "bad request")
	})
	r := newResearcher(t, p, Config{})

	var res Result
	require.NotPanics(t, func() {
		res = r.Run(context.Background(), llm.SubtaskRequest{ID: "t1", Topic: "x"})
	})
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, strings.HasPrefix(res.CompressedOutput, "Error: "))
	assert.Contains(t, res.CompressedOutput, "bad request")
	assert.Empty(t, res.RawNotes)
}

func TestRunExhaustedRetriesBecomeFailedResult(t *testing.T) {
	p := &scripted{errs: []error{
		llm.NewRetryable(429, "rate limit"),
		llm.NewRetryable(429, "rate limit"),
		llm.NewRetryable(429, "rate limit"),
	}}
	r := newResearcher(t, p, Config{})

	res := r.Run(context.Background(), llm.SubtaskRequest{ID: "t1", Topic: "x"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Len(t, p.requests, 3)
}

func TestRunPanicBecomesFailedResult(t *testing.T) {
	p := llm.ProviderFunc(func(context.Context, llm.Request) (llm.Response, error) {
		panic("provider exploded")
	})
	r := newResearcher(t, p, Config{})

	var res Result
	require.NotPanics(t, func() {
		res = r.Run(context.Background(), llm.SubtaskRequest{ID: "t1", Topic: "x"})
	})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "t1", res.RequestID)
	assert.Contains(t, res.CompressedOutput, "provider exploded")
}

func TestRunKeepsPartialObservationsOnFailure(t *testing.T) {
	p := &scripted{
		responses: []llm.Response{{Actions: []llm.Action{{ID: "r1", Kind: llm.ActionReflect, Note: "partial finding"}}}},
		errs:      []error{nil, errors.New("connection reset")},
	}
	r := newResearcher(t, p, Config{})

	res := r.Run(context.Background(), llm.SubtaskRequest{ID: "t1", Topic: "x"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, []string{"partial finding"}, res.RawNotes)
}

func TestRunEmptyAnswerFails(t *testing.T) {
	p := &scripted{responses: []llm.Response{{Text: "   "}}}
	r := newResearcher(t, p, Config{})

	res := r.Run(context.Background(), llm.SubtaskRequest{ID: "t1", Topic: "x"})
	assert.Equal(t, StatusFailed, res.Status)
}
