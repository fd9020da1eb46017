package temporal

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/orchestration"
	"github.com/Kocoro-lab/Shannon/go/research/internal/retry"
)

// PipelineRunner executes a research pipeline.
type PipelineRunner interface {
	Execute(ctx context.Context, runID string, conversation []llm.Message) (*orchestration.PipelineResult, error)
}

// Activities wraps the pipeline for Temporal.
type Activities struct {
	pipeline PipelineRunner
	logger   *zap.Logger
}

func NewActivities(pipeline PipelineRunner, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{pipeline: pipeline, logger: logger}
}

// RunResearch runs the pipeline under the workflow ID. Run failures and
// terminal provider errors are non-retryable.
func (a *Activities) RunResearch(ctx context.Context, in ResearchInput) (ResearchOutput, error) {
	info := activity.GetInfo(ctx)
	runID := info.WorkflowExecution.ID

	conversation := in.Messages
	if len(conversation) == 0 && in.Query != "" {
		conversation = []llm.Message{{Role: llm.RoleHuman, Content: in.Query}}
	}

	res, err := a.pipeline.Execute(ctx, runID, conversation)
	if err != nil {
		a.logger.Error("Research run failed", zap.String("run_id", runID), zap.Error(err))
		var rf *orchestration.RunFailure
		if errors.As(err, &rf) {
			return ResearchOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), "RunFailure", err)
		}
		if retry.IsFatal(err) {
			return ResearchOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), "ProviderFailure", err)
		}
		return ResearchOutput{}, err
	}
	return ResearchOutput{
		Question:   res.Question,
		Report:     res.Report,
		ReportPath: res.ReportPath,
		Run:        res.Run,
	}, nil
}

// Register adds the research workflow and activity to w.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflowWithOptions(ResearchWorkflow, workflow.RegisterOptions{Name: constants.ResearchWorkflow})
	w.RegisterActivityWithOptions(acts.RunResearch, activity.RegisterOptions{Name: constants.RunResearchActivity})
}

// PipelineRunnerFunc adapts a function to PipelineRunner.
type PipelineRunnerFunc func(ctx context.Context, runID string, conversation []llm.Message) (*orchestration.PipelineResult, error)

func (f PipelineRunnerFunc) Execute(ctx context.Context, runID string, conversation []llm.Message) (*orchestration.PipelineResult, error) {
	return f(ctx, runID, conversation)
}
