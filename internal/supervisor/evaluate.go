package supervisor

import (
	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
)

// State of the supervisor state machine.
type State int

const (
	StateDeciding State = iota
	StateExecuting
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateDeciding:
		return "deciding"
	case StateExecuting:
		return "executing"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of applying the heuristics to one decision.
type Verdict int

const (
	// VerdictExecute dispatches the decision's research requests.
	VerdictExecute Verdict = iota
	// VerdictRejectPremature rejects a Complete issued before any research.
	VerdictRejectPremature
	// VerdictRejectLazy rejects a decision that requested nothing.
	VerdictRejectLazy
	// VerdictComplete ends the run on a Complete or a final plain answer.
	VerdictComplete
	// VerdictCeiling ends the run because the iteration ceiling was reached.
	VerdictCeiling
	// VerdictContinue executes reflections and decides again.
	VerdictContinue
)

func (v Verdict) String() string {
	switch v {
	case VerdictExecute:
		return "execute"
	case VerdictRejectPremature:
		return "reject_premature"
	case VerdictRejectLazy:
		return "reject_lazy"
	case VerdictComplete:
		return "complete"
	case VerdictCeiling:
		return "ceiling"
	case VerdictContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// Terminal reports whether the verdict ends the run.
func (v Verdict) Terminal() bool {
	return v == VerdictComplete || v == VerdictCeiling
}

// Rejected reports whether a guard fired.
func (v Verdict) Rejected() bool {
	return v == VerdictRejectPremature || v == VerdictRejectLazy
}

// guardWindow is the last iteration at which the guards apply.
const guardWindow = 2

// Evaluate applies the heuristics, in priority order, to a decision taken
// at the given (already incremented) iteration.
func Evaluate(d llm.Response, iteration, maxIterations int, notesEmpty bool) Verdict {
	research := d.Has(llm.ActionResearch)
	reflect := d.Has(llm.ActionReflect)
	complete := d.Has(llm.ActionComplete)

	switch {
	case research:
		return VerdictExecute
	case complete && iteration <= guardWindow && notesEmpty:
		return VerdictRejectPremature
	case !reflect && !complete && iteration <= guardWindow:
		return VerdictRejectLazy
	case iteration >= maxIterations:
		if complete {
			return VerdictComplete
		}
		return VerdictCeiling
	case complete:
		return VerdictComplete
	case !reflect:
		// a plain answer after the guard window ends the run
		return VerdictComplete
	default:
		return VerdictContinue
	}
}
