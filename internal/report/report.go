// Package report writes the final research report from a run's notes and
// stores it on disk.
package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/prompts"
	"github.com/Kocoro-lab/Shannon/go/research/internal/retry"
	"github.com/Kocoro-lab/Shannon/go/research/internal/util"
)

// ErrEmptyReport is returned when the provider produced no report text.
var ErrEmptyReport = errors.New("provider returned an empty report")

// Generator turns a research brief and notes into report text.
type Generator struct {
	provider llm.Provider
	prompts  *prompts.Set
	policy   retry.Policy
	logger   *zap.Logger
	now      func() time.Time
}

// NewGenerator creates a report generator.
func NewGenerator(provider llm.Provider, set *prompts.Set, policy retry.Policy, logger *zap.Logger) *Generator {
	if set == nil {
		set = prompts.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Name == "" {
		policy.Name = "report"
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	return &Generator{provider: provider, prompts: set, policy: policy, logger: logger, now: time.Now}
}

// Generate writes the report for brief from notes.
func (g *Generator) Generate(ctx context.Context, brief string, notes []string) (string, error) {
	prompt, err := g.prompts.Render(prompts.FinalReport, prompts.ReportData{
		ResearchBrief: brief,
		Findings:      strings.Join(notes, "\n"),
		Date:          util.TodayString(g.now()),
	})
	if err != nil {
		return "", err
	}
	req := llm.Request{Messages: []llm.Message{{Role: llm.RoleHuman, Content: prompt}}}
	resp, err := retry.Do(ctx, g.policy, func(ctx context.Context) (llm.Response, error) {
		return g.provider.Invoke(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("generate report: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyReport
	}
	g.logger.Info("Report generated", zap.Int("notes", len(notes)), zap.Int("bytes", len(text)))
	return text, nil
}

// FileStore saves reports as markdown files in a directory.
type FileStore struct {
	dir  string
	now  func() time.Time
	open func(path string) (*os.File, error)
}

// NewFileStore creates a store rooted at dir ("." when empty).
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = "."
	}
	return &FileStore{dir: dir, now: time.Now, open: createExclusive}
}

func createExclusive(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

// Save writes report to report_<date>.md and returns the file path. A
// numeric suffix is added when a report for the same date already exists.
func (s *FileStore) Save(report string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	base := "report_" + s.now().Format("2006-01-02")
	path := filepath.Join(s.dir, base+".md")
	for i := 2; ; i++ {
		f, err := s.open(path)
		if errors.Is(err, os.ErrExist) {
			path = filepath.Join(s.dir, fmt.Sprintf("%s_%d.md", base, i))
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create report file: %w", err)
		}
		if _, err := f.WriteString(report); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write report: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("close report: %w", err)
		}
		return path, nil
	}
}
