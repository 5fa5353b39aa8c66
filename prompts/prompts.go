// Package prompts loads and renders the agent prompt templates.
package prompts

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed defaults/*.md
var defaults embed.FS

// knownVariables is the closed set of template variable names. Rendering a
// template that references anything else is an error (strict mode).
var knownVariables = map[string]bool{
	"issue_title":             true,
	"issue_body":              true,
	"issue_number":            true,
	"issue_url":               true,
	"issues_json":             true,
	"repo_path":               true,
	"branch_name":             true,
	"worktree_path":           true,
	"base_branch":             true,
	"pr_number":               true,
	"pr_branch":               true,
	"pr_url":                  true,
	"pr_comments":             true,
	"has_pr_comments":         true,
	"review_phase_name":       true,
	"review_outputs":          true,
	"fix_instructions":        true,
	"finding_id":              true,
	"finding_file":            true,
	"finding_line":            true,
	"finding_severity":        true,
	"finding_description":     true,
	"finding_depends_on":      true,
	"submission_instructions": true,
	"description":             true,
}

// Engine loads templates from an optional override directory, falling back
// to the embedded defaults.
type Engine struct {
	overrideDir string
}

// NewEngine creates an Engine. overrideDir may be empty.
func NewEngine(overrideDir string) *Engine {
	return &Engine{overrideDir: overrideDir}
}

func templateFilename(phase string) string {
	return phase + ".md"
}

// LoadTemplate returns the template text for a phase. A user override file
// takes precedence over the embedded default.
func (e *Engine) LoadTemplate(phase string) (string, error) {
	if e.overrideDir != "" {
		path := filepath.Join(e.overrideDir, templateFilename(phase))
		if _, err := os.Stat(path); err == nil {
			content, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("failed to read override template %s: %w", path, err)
			}
			return string(content), nil
		}
	}

	content, err := defaults.ReadFile("defaults/" + templateFilename(phase))
	if err != nil {
		return "", fmt.Errorf("unknown prompt phase: %s", phase)
	}
	return string(content), nil
}

// RenderPhase loads a phase template and renders it with vars.
func (e *Engine) RenderPhase(phase string, vars map[string]string) (string, error) {
	template, err := e.LoadTemplate(phase)
	if err != nil {
		return "", err
	}
	return Render(template, vars)
}

// Render substitutes {{variable}} placeholders (whitespace inside the braces
// is tolerated). Unknown variables and missing values are errors.
func Render(template string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:open])
		rest = rest[open+2:]

		closing := strings.Index(rest, "}}")
		if closing < 0 {
			return "", fmt.Errorf("unclosed template variable: {{%s", rest)
		}
		name := strings.TrimSpace(rest[:closing])
		rest = rest[closing+2:]

		if !knownVariables[name] {
			return "", fmt.Errorf("unknown template variable: %s", name)
		}
		value, ok := vars[name]
		if !ok {
			return "", fmt.Errorf("missing value for template variable: %s", name)
		}
		b.WriteString(value)
	}
}
