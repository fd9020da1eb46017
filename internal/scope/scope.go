// Package scope turns a user conversation into a research brief, asking
// for clarification first when the request is ambiguous.
package scope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/research/internal/retry"
	"github.com/Kocoro-lab/Shannon/go/research/internal/util"
)

// ErrEmptyBrief is returned when the provider produced no usable brief.
var ErrEmptyBrief = errors.New("provider returned an empty research brief")

// Clarification is the provider's verdict on whether to ask the user first.
type Clarification struct {
	NeedClarification bool   `json:"need_clarification"`
	Question          string `json:"question"`
	Verification      string `json:"verification"`
}

// Scoper runs the clarification and brief-writing calls.
type Scoper struct {
	provider      llm.Provider
	prompts       *prompts.Set
	clarifyPolicy retry.Policy
	briefPolicy   retry.Policy
	logger        *zap.Logger
	now           func() time.Time
}

// New creates a Scoper. clarifyBase and briefBase are the backoff bases of
// the two calls; zero selects retry.ClarifyBase and retry.DefaultBase.
func New(provider llm.Provider, set *prompts.Set, maxAttempts int, clarifyBase, briefBase time.Duration, logger *zap.Logger) *Scoper {
	if set == nil {
		set = prompts.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clarifyBase <= 0 {
		clarifyBase = retry.ClarifyBase
	}
	return &Scoper{
		provider:      provider,
		prompts:       set,
		clarifyPolicy: retry.Policy{Name: "clarify", MaxAttempts: maxAttempts, Base: clarifyBase, Logger: logger},
		briefPolicy:   retry.Policy{Name: "brief", MaxAttempts: maxAttempts, Base: briefBase, Logger: logger},
		logger:        logger,
		now:           time.Now,
	}
}

// SetSleep replaces the backoff sleep of both calls.
func (s *Scoper) SetSleep(sleep retry.SleepFunc) {
	s.clarifyPolicy.Sleep = sleep
	s.briefPolicy.Sleep = sleep
}

// Clarify asks whether the conversation needs a clarifying question.
// Unparseable answers are treated as "no clarification needed".
func (s *Scoper) Clarify(ctx context.Context, conversation []llm.Message) (Clarification, error) {
	text, err := s.ask(ctx, s.clarifyPolicy, prompts.Clarify, conversation)
	if err != nil {
		return Clarification{}, fmt.Errorf("clarify: %w", err)
	}
	var c Clarification
	if err := decodeJSON(text, &c); err != nil {
		s.logger.Warn("Clarification answer is not JSON, proceeding without clarification",
			zap.String("answer", util.TruncateString(text, 200, true)),
		)
		return Clarification{}, nil
	}
	if c.NeedClarification && strings.TrimSpace(c.Question) == "" {
		c.NeedClarification = false
	}
	return c, nil
}

// WriteBrief rewrites the conversation as a single research brief. A JSON
// {"research_brief": ...} answer is unwrapped; plain text is used as is.
func (s *Scoper) WriteBrief(ctx context.Context, conversation []llm.Message) (string, error) {
	text, err := s.ask(ctx, s.briefPolicy, prompts.ResearchBrief, conversation)
	if err != nil {
		return "", fmt.Errorf("write brief: %w", err)
	}
	var out struct {
		ResearchBrief string `json:"research_brief"`
	}
	brief := strings.TrimSpace(text)
	if err := decodeJSON(text, &out); err == nil {
		brief = strings.TrimSpace(out.ResearchBrief)
	}
	if brief == "" {
		return "", ErrEmptyBrief
	}
	return brief, nil
}

func (s *Scoper) ask(ctx context.Context, policy retry.Policy, key string, conversation []llm.Message) (string, error) {
	prompt, err := s.prompts.Render(key, prompts.ConversationData{
		Messages: FormatConversation(conversation),
		Date:     util.TodayString(s.now()),
	})
	if err != nil {
		return "", err
	}
	req := llm.Request{Messages: []llm.Message{{Role: llm.RoleHuman, Content: prompt}}}
	resp, err := retry.Do(ctx, policy, func(ctx context.Context) (llm.Response, error) {
		return s.provider.Invoke(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// FormatConversation renders turns as "Role: content" lines for prompts.
func FormatConversation(conversation []llm.Message) string {
	var b strings.Builder
	for i, m := range conversation {
		if i > 0 {
			b.WriteString("\n")
		}
		switch m.Role {
		case llm.RoleHuman:
			b.WriteString("Human: ")
		case llm.RoleAssistant:
			b.WriteString("AI: ")
		default:
			b.WriteString(string(m.Role) + ": ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// decodeJSON accepts a bare object or one wrapped in a markdown fence.
func decodeJSON(text string, v any) error {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return errors.New("no JSON object found")
	}
	return json.Unmarshal([]byte(text[start:end+1]), v)
}
