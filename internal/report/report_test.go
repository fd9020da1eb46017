package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/research/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/research/internal/retry"
)

func TestGenerateRendersBriefAndFindings(t *testing.T) {
	var prompt string
	p := llm.ProviderFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
		prompt = req.Messages[0].Content
		return llm.Response{Text: "# Caching\n\nSummary."}, nil
	})
	g := NewGenerator(p, nil, retry.Policy{}, nil)
	g.now = func() time.Time { return time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC) }

	out, err := g.Generate(context.Background(), "explain caching", []string{"note one", "note two"})
	require.NoError(t, err)
	assert.Equal(t, "# Caching\n\nSummary.", out)
	assert.Contains(t, prompt, "explain caching")
	assert.Contains(t, prompt, "note one\nnote two")
	assert.Contains(t, prompt, "Mon Jan 6, 2025")
}

func TestGenerateEmptyAndFatal(t *testing.T) {
	empty := llm.ProviderFunc(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{Text: " "}, nil
	})
	_, err := NewGenerator(empty, nil, retry.Policy{}, nil).Generate(context.Background(), "b", nil)
	assert.ErrorIs(t, err, ErrEmptyReport)

	fatal := llm.ProviderFunc(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{}, llm.NewFatal(400, "bad")
	})
	_, err = NewGenerator(fatal, nil, retry.Policy{}, nil).Generate(context.Background(), "b", nil)
	assert.True(t, retry.IsFatal(err))
}

func TestFileStoreSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	s := NewFileStore(dir)
	s.now = func() time.Time { return time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC) }

	first, err := s.Save("one")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report_2025-01-06.md"), first)

	second, err := s.Save("two")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report_2025-01-06_2.md"), second)

	b, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(b))
}

func TestFileStoreRemovesPartialReportOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	s.now = func() time.Time { return time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC) }
	s.open = func(path string) (*os.File, error) {
		f, err := createExclusive(path)
		if err != nil {
			return nil, err
		}
		// writes to a closed file fail
		require.NoError(t, f.Close())
		return f, nil
	}

	_, err := s.Save("lost")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrClosed)

	_, statErr := os.Stat(filepath.Join(dir, "report_2025-01-06.md"))
	assert.True(t, os.IsNotExist(statErr), "partial report must not stay on disk")

	s.open = createExclusive
	path, err := s.Save("kept")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report_2025-01-06.md"), path, "the date slot is free again")
}
