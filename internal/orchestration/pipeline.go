package orchestration

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/interceptors"
	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/scope"
)

// Scoper clarifies a conversation and writes the research brief.
type Scoper interface {
	Clarify(ctx context.Context, conversation []llm.Message) (scope.Clarification, error)
	WriteBrief(ctx context.Context, conversation []llm.Message) (string, error)
}

// ReportGenerator writes the final report from a brief and notes.
type ReportGenerator interface {
	Generate(ctx context.Context, brief string, notes []string) (string, error)
}

// ReportStore persists a report and returns where it went.
type ReportStore interface {
	Save(report string) (string, error)
}

// PipelineResult is either a clarifying question or a finished report.
type PipelineResult struct {
	Question   string     `json:"question,omitempty"`
	Report     string     `json:"report,omitempty"`
	ReportPath string     `json:"report_path,omitempty"`
	Run        *RunResult `json:"run,omitempty"`
}

// Pipeline runs clarify, brief, research, report and save in order.
// Scoper and Store are optional.
type Pipeline struct {
	Driver   *Driver
	Scoper   Scoper
	Reporter ReportGenerator
	Store    ReportStore
	Logger   *zap.Logger
}

// Execute runs the full pipeline for a conversation. When the scoper asks a
// clarifying question the pipeline stops and returns it.
func (p *Pipeline) Execute(ctx context.Context, runID string, conversation []llm.Message) (*PipelineResult, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(conversation) == 0 {
		return nil, &RunFailure{RunID: runID, Err: ErrEmptyQuery}
	}
	ctx = interceptors.WithRunID(ctx, runID)

	brief := ""
	if p.Scoper != nil {
		c, err := p.Scoper.Clarify(ctx, conversation)
		if err != nil {
			return nil, err
		}
		if c.NeedClarification {
			logger.Info("Clarification requested", zap.String("run_id", runID))
			return &PipelineResult{Question: c.Question}, nil
		}
		if brief, err = p.Scoper.WriteBrief(ctx, conversation); err != nil {
			return nil, err
		}
	} else {
		for i := len(conversation) - 1; i >= 0; i-- {
			if conversation[i].Role == llm.RoleHuman {
				brief = conversation[i].Content
				break
			}
		}
	}
	if strings.TrimSpace(brief) == "" {
		return nil, &RunFailure{RunID: runID, Err: ErrEmptyQuery}
	}

	run, err := p.Driver.Run(ctx, Request{RunID: runID, Query: brief})
	if err != nil {
		return nil, err
	}
	out := &PipelineResult{Run: run}
	if p.Reporter == nil {
		return out, nil
	}

	if out.Report, err = p.Reporter.Generate(ctx, run.ResearchBrief, run.Notes); err != nil {
		return nil, fmt.Errorf("run %s: %w", run.RunID, err)
	}
	if p.Store != nil {
		if out.ReportPath, err = p.Store.Save(out.Report); err != nil {
			return nil, fmt.Errorf("run %s: %w", run.RunID, err)
		}
		logger.Info("Report saved", zap.String("run_id", run.RunID), zap.String("path", out.ReportPath))
	}
	return out, nil
}
