package supervisor

import (
	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
)

// GuardTurnName tags corrective human turns injected by the guards.
const GuardTurnName = "guard"

// History is the append-only decision history of one run.
type History struct {
	turns []llm.Message
}

// Append adds turns to the end of the history.
func (h *History) Append(turns ...llm.Message) {
	h.turns = append(h.turns, turns...)
}

// Len returns the number of recorded turns.
func (h *History) Len() int { return len(h.turns) }

// Turns returns a copy of every recorded turn.
func (h *History) Turns() []llm.Message {
	out := make([]llm.Message, len(h.turns))
	copy(out, h.turns)
	return out
}

// Window returns the most recent n turns (all of them when n <= 0). Tool
// turns at the start of the window are dropped because the assistant turn
// they answer fell outside it, unless that would leave the window without
// any assistant turn; then the window is widened back to the assistant
// turn that issued them so one batch of results is never split from its
// decision.
func (h *History) Window(n int) []llm.Message {
	start := 0
	if n > 0 && len(h.turns) > n {
		start = len(h.turns) - n
	}
	skipped := start
	for skipped < len(h.turns) && h.turns[skipped].Role == llm.RoleTool {
		skipped++
	}
	if skipped > start && !hasAssistant(h.turns[skipped:]) {
		for start > 0 && h.turns[start].Role != llm.RoleAssistant {
			start--
		}
		if h.turns[start].Role != llm.RoleAssistant {
			start = skipped
		}
	} else {
		start = skipped
	}
	out := make([]llm.Message, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

func hasAssistant(turns []llm.Message) bool {
	for _, t := range turns {
		if t.Role == llm.RoleAssistant {
			return true
		}
	}
	return false
}

// LatestHuman returns the index and content of the most recent
// user-originated turn, skipping corrective guard turns.
func (h *History) LatestHuman() (int, string, bool) {
	for i := len(h.turns) - 1; i >= 0; i-- {
		t := h.turns[i]
		if t.Role == llm.RoleHuman && t.Name != GuardTurnName {
			return i, t.Content, true
		}
	}
	return -1, "", false
}
