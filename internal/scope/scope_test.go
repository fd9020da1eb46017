package scope

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/retry"
)

func textProvider(texts ...string) (llm.Provider, *[]llm.Request) {
	var reqs []llm.Request
	return llm.ProviderFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
		i := len(reqs)
		reqs = append(reqs, req)
		return llm.Response{Text: texts[i%len(texts)]}, nil
	}), &reqs
}

var convo = []llm.Message{{Role: llm.RoleHuman, Content: "explain caching"}}

func TestClarifyParsesJSON(t *testing.T) {
	p, reqs := textProvider("```json\n{\"need_clarification\": true, \"question\": \"Which layer?\", \"verification\": \"\"}\n```")
	s := New(p, nil, 3, 0, 0, zaptest.NewLogger(t))

	c, err := s.Clarify(context.Background(), convo)
	require.NoError(t, err)
	assert.True(t, c.NeedClarification)
	assert.Equal(t, "Which layer?", c.Question)

	require.Len(t, *reqs, 1)
	assert.Contains(t, (*reqs)[0].Messages[0].Content, "Human: explain caching")
	assert.Empty(t, (*reqs)[0].Actions)
}

func TestClarifyWithoutQuestionProceeds(t *testing.T) {
	p, _ := textProvider(`{"need_clarification": true, "question": ""}`)
	c, err := New(p, nil, 3, 0, 0, nil).Clarify(context.Background(), convo)
	require.NoError(t, err)
	assert.False(t, c.NeedClarification)
}

func TestClarifyNonJSONProceeds(t *testing.T) {
	p, _ := textProvider("Sure, let's go.")
	c, err := New(p, nil, 3, 0, 0, nil).Clarify(context.Background(), convo)
	require.NoError(t, err)
	assert.False(t, c.NeedClarification)
}

func TestClarifyUsesShorterBackoff(t *testing.T) {
	calls := 0
	p := llm.ProviderFunc(func(context.Context, llm.Request) (llm.Response, error) {
		calls++
		if calls < 3 {
			return llm.Response{}, llm.NewRetryable(429, "rate limit")
		}
		return llm.Response{Text: `{"need_clarification": false}`}, nil
	})
	s := New(p, nil, 3, 0, 0, nil)
	var waits []time.Duration
	s.SetSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	})

	_, err := s.Clarify(context.Background(), convo)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{retry.ClarifyBase, 2 * retry.ClarifyBase}, waits)
}

func TestWriteBrief(t *testing.T) {
	p, _ := textProvider(`{"research_brief": "I want an explanation of caching."}`)
	brief, err := New(p, nil, 3, 0, 0, nil).WriteBrief(context.Background(), convo)
	require.NoError(t, err)
	assert.Equal(t, "I want an explanation of caching.", brief)

	p, _ = textProvider("  Plain brief text.  ")
	brief, err = New(p, nil, 3, 0, 0, nil).WriteBrief(context.Background(), convo)
	require.NoError(t, err)
	assert.Equal(t, "Plain brief text.", brief)

	p, _ = textProvider(`{"research_brief": ""}`)
	_, err = New(p, nil, 3, 0, 0, nil).WriteBrief(context.Background(), convo)
	assert.ErrorIs(t, err, ErrEmptyBrief)
}

func TestWriteBriefFatal(t *testing.T) {
	p := llm.ProviderFunc(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{}, llm.NewFatal(500, "boom")
	})
	_, err := New(p, nil, 3, 0, 0, nil).WriteBrief(context.Background(), convo)
	require.Error(t, err)
	assert.True(t, retry.IsFatal(err))
}

func TestFormatConversation(t *testing.T) {
	out := FormatConversation([]llm.Message{
		{Role: llm.RoleHuman, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "which topic?"},
	})
	assert.Equal(t, "Human: hi\nAI: which topic?", out)
}
