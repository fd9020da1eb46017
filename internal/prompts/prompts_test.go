package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRendersLeadResearcher(t *testing.T) {
	s := Default()
	out, err := s.Render(LeadResearcher, LeadResearcherData{
		Date:                       "Fri Mar 7, 2025",
		MaxConcurrentResearchUnits: 1,
		MaxResearcherIterations:    2,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Fri Mar 7, 2025")
	assert.Contains(t, out, "at most 1 ConductResearch")
	assert.Contains(t, out, "after 2 rounds")
}

func TestRenderMissingFieldFails(t *testing.T) {
	_, err := Default().Render(FinalReport, DateData{Date: "today"})
	assert.Error(t, err)
}

func TestRenderUnknownKey(t *testing.T) {
	_, err := Default().Render("nope", nil)
	assert.Error(t, err)
}

func TestParseRequiresAllKeys(t *testing.T) {
	_, err := Parse([]byte("researcher: hi\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is missing")
}

func TestLoadOverridesSingleKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lazy_agent: \"Research first, please.\"\n"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	out, err := s.Render(LazyAgent, nil)
	require.NoError(t, err)
	assert.Equal(t, "Research first, please.", out)

	// untouched keys keep the embedded text
	out, err = s.Render(PrematureCompletion, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "ConductResearch")
}
