package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
)

func decision(kinds ...llm.ActionKind) llm.Response {
	var r llm.Response
	for _, k := range kinds {
		r.Actions = append(r.Actions, llm.Action{Kind: k})
	}
	return r
}

func TestEvaluatePrematureCompletionGuard(t *testing.T) {
	complete := decision(llm.ActionComplete)

	tests := []struct {
		name       string
		iteration  int
		notesEmpty bool
		want       Verdict
	}{
		{"fires with empty notes at iteration 1", 1, true, VerdictRejectPremature},
		{"fires at iteration 2", 2, true, VerdictRejectPremature},
		{"does not fire with notes", 1, false, VerdictComplete},
		{"does not fire after the guard window", 3, true, VerdictComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(complete, tt.iteration, 10, tt.notesEmpty))
		})
	}
}

func TestEvaluateCeilingAfterGuardWindow(t *testing.T) {
	// iteration 3 with empty notes: guard does not fire, ceiling applies
	assert.Equal(t, VerdictComplete, Evaluate(decision(llm.ActionComplete), 3, 3, true))
	assert.Equal(t, VerdictCeiling, Evaluate(decision(llm.ActionReflect), 3, 3, true))
}

func TestEvaluateLazyAgentGuard(t *testing.T) {
	plain := llm.Response{Text: "Caching is storing data for reuse."}

	assert.Equal(t, VerdictRejectLazy, Evaluate(plain, 0, 10, true))
	assert.Equal(t, VerdictRejectLazy, Evaluate(plain, 2, 10, false))
	assert.Equal(t, VerdictComplete, Evaluate(plain, 3, 10, false))
	assert.Equal(t, VerdictCeiling, Evaluate(plain, 10, 10, false))

	// a reflection is an action, so the lazy guard stays quiet
	assert.Equal(t, VerdictContinue, Evaluate(decision(llm.ActionReflect), 1, 10, true))
}

func TestEvaluateResearchPriority(t *testing.T) {
	d := decision(llm.ActionComplete, llm.ActionResearch)
	assert.Equal(t, VerdictExecute, Evaluate(d, 1, 10, true))
	assert.Equal(t, VerdictExecute, Evaluate(d, 10, 10, true), "research at the ceiling still runs")
}

func TestEvaluateIterationCeiling(t *testing.T) {
	assert.Equal(t, VerdictCeiling, Evaluate(decision(llm.ActionReflect), 5, 5, false))
	assert.Equal(t, VerdictCeiling, Evaluate(decision(llm.ActionReflect), 6, 5, false))
	assert.Equal(t, VerdictContinue, Evaluate(decision(llm.ActionReflect), 4, 5, false))
	assert.Equal(t, VerdictComplete, Evaluate(decision(llm.ActionComplete), 5, 5, false))
}

func TestVerdictPredicates(t *testing.T) {
	assert.True(t, VerdictComplete.Terminal())
	assert.True(t, VerdictCeiling.Terminal())
	assert.False(t, VerdictExecute.Terminal())
	assert.True(t, VerdictRejectLazy.Rejected())
	assert.True(t, VerdictRejectPremature.Rejected())
	assert.False(t, VerdictContinue.Rejected())
	assert.Equal(t, "reject_premature", VerdictRejectPremature.String())
	assert.Equal(t, "terminal", StateTerminal.String())
}
