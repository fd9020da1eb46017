package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "research.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Supervisor.ConcurrencyLimit)
	assert.Equal(t, 2, cfg.Supervisor.MaxIterations)
	assert.Equal(t, 6, cfg.Supervisor.HistoryWindow)
	assert.Equal(t, 1500, cfg.Supervisor.TruncationBytes)
	assert.Equal(t, 3, cfg.Supervisor.MaxGuardRetries)
	assert.Equal(t, 12, cfg.Supervisor.MaxRounds)
	assert.Equal(t, 5*time.Second, cfg.Retry.Base)
	assert.Equal(t, 3*time.Second, cfg.Retry.ClarifyBase)
	assert.Equal(t, 60*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, "research", cfg.Temporal.TaskQueue)
	assert.Equal(t, 24*time.Hour, cfg.Streaming.Redis.TTL)
	assert.Equal(t, *cfg, Default())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
supervisor:
  concurrency_limit: 3
  max_iterations: 2
provider:
  model: test-model
  timeout: 5s
logging:
  format: console
`)
	t.Setenv("RESEARCH_SUPERVISOR_MAX_ITERATIONS", "4")
	t.Setenv("RESEARCH_PROVIDER_API_KEY", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Supervisor.ConcurrencyLimit)
	assert.Equal(t, 4, cfg.Supervisor.MaxIterations, "env wins over file")
	assert.Equal(t, "test-model", cfg.Provider.Model)
	assert.Equal(t, 5*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, "secret", cfg.Provider.APIKey)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestValidate(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
supervisor:
  concurrency_limit: 0
logging:
  format: xml
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency_limit")
	assert.Contains(t, err.Error(), "logging.format")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoaderReloadKeepsLastGoodConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "supervisor:\n  max_iterations: 2\n")
	l, err := NewLoader(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 2, l.Current().Supervisor.MaxIterations)

	var seen atomic.Int32
	l.OnChange(func(c Config) { seen.Store(int32(c.Supervisor.MaxIterations)) })

	writeFile(t, dir, "supervisor:\n  max_iterations: 0\n")
	assert.Error(t, l.Reload())
	assert.Equal(t, 2, l.Current().Supervisor.MaxIterations)

	writeFile(t, dir, "supervisor:\n  max_iterations: 7\n")
	require.NoError(t, l.Reload())
	assert.Equal(t, 7, l.Current().Supervisor.MaxIterations)
	assert.Equal(t, int32(7), seen.Load())
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "supervisor:\n  max_iterations: 2\n")
	l, err := NewLoader(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	l.Watch()

	// give the watcher a moment to register before writing
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "supervisor:\n  max_iterations: 9\n")

	assert.Eventually(t, func() bool {
		return l.Current().Supervisor.MaxIterations == 9
	}, 5*time.Second, 50*time.Millisecond)
}
