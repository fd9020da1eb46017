// Package prompts loads and renders the prompt set used by the research pipeline.
package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Keys of the prompt set.
const (
	LeadResearcher      = "lead_researcher"
	Researcher          = "researcher"
	PrematureCompletion = "premature_completion"
	LazyAgent           = "lazy_agent"
	Clarify             = "clarify"
	ResearchBrief       = "research_brief"
	FinalReport         = "final_report"
)

var requiredKeys = []string{
	LeadResearcher, Researcher, PrematureCompletion, LazyAgent,
	Clarify, ResearchBrief, FinalReport,
}

// Set is a parsed prompt set. It is immutable and safe for concurrent use.
type Set struct {
	templates map[string]*template.Template
}

// Default returns the embedded prompt set.
func Default() *Set {
	s, err := Parse(defaultPrompts)
	if err != nil {
		panic(fmt.Sprintf("embedded prompts are invalid: %v", err))
	}
	return s
}

// Load reads a prompt set from a YAML file. Keys missing from the file fall
// back to the embedded defaults.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	var base, override map[string]string
	if err := yaml.Unmarshal(defaultPrompts, &base); err != nil {
		return nil, fmt.Errorf("parse default prompts: %w", err)
	}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse prompts %s: %w", path, err)
	}
	for k, v := range override {
		base[k] = v
	}
	return fromMap(base)
}

// Parse builds a Set from YAML. Every required key must be present.
func Parse(data []byte) (*Set, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	return fromMap(raw)
}

func fromMap(raw map[string]string) (*Set, error) {
	s := &Set{templates: make(map[string]*template.Template, len(raw))}
	for _, key := range requiredKeys {
		text, ok := raw[key]
		if !ok || text == "" {
			return nil, fmt.Errorf("prompt %q is missing", key)
		}
		tmpl, err := template.New(key).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("prompt %q: %w", key, err)
		}
		s.templates[key] = tmpl
	}
	return s, nil
}

// Render executes the named prompt with data.
func (s *Set) Render(key string, data any) (string, error) {
	tmpl, ok := s.templates[key]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", key)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", key, err)
	}
	return buf.String(), nil
}

// LeadResearcherData parameterizes the supervisor instruction.
type LeadResearcherData struct {
	Date                       string
	MaxConcurrentResearchUnits int
	MaxResearcherIterations    int
}

// DateData parameterizes prompts that only need the current date.
type DateData struct {
	Date string
}

// ConversationData parameterizes the scoping prompts.
type ConversationData struct {
	Messages string
	Date     string
}

// ReportData parameterizes the final report prompt.
type ReportData struct {
	ResearchBrief string
	Findings      string
	Date          string
}
