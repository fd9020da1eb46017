// Package temporal hosts research runs as Temporal workflows.
package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/Shannon/go/research/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/orchestration"
)

// ResearchInput starts a research workflow.
type ResearchInput struct {
	Query    string        `json:"query"`
	Messages []llm.Message `json:"messages,omitempty"`
}

// ResearchOutput is the workflow result.
type ResearchOutput struct {
	Question   string                   `json:"question,omitempty"`
	Report     string                   `json:"report,omitempty"`
	ReportPath string                   `json:"report_path,omitempty"`
	Run        *orchestration.RunResult `json:"run,omitempty"`
}

// DefaultRunTimeout bounds one research activity.
const DefaultRunTimeout = 30 * time.Minute

// ResearchWorkflow runs one research pipeline as a single activity. The
// activity is attempted once; provider retries happen inside the run.
func ResearchWorkflow(ctx workflow.Context, in ResearchInput) (ResearchOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Research workflow started", "query_len", len(in.Query))

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: DefaultRunTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	var out ResearchOutput
	if err := workflow.ExecuteActivity(ctx, constants.RunResearchActivity, in).Get(ctx, &out); err != nil {
		logger.Error("Research activity failed", "error", err)
		return ResearchOutput{}, err
	}
	if out.Run != nil {
		logger.Info("Research workflow finished",
			"outcome", string(out.Run.Outcome),
			"notes", len(out.Run.Notes),
		)
	}
	return out, nil
}
