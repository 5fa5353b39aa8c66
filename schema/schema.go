// Package schema defines the structured outputs agents must emit and
// validates agent payloads against per-phase JSON Schemas.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity of a review finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Rank returns a numeric order for sorting (lower = more severe).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// Label returns the human-readable uppercase label.
func (s Severity) Label() string {
	return strings.ToUpper(string(s))
}

// Verdict of the review aggregator.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictNeedsFix Verdict = "needs_fix"
)

// ReviewFinding is one structured finding emitted by a review agent.
// Findings are immutable once emitted; the id is a short slug unique within
// one review.
type ReviewFinding struct {
	ID          string   `json:"id"`
	File        string   `json:"file"`
	Line        uint32   `json:"line"`
	Severity    Severity `json:"severity" jsonschema:"enum=critical,enum=warning,enum=info"`
	Description string   `json:"description"`
	Category    string   `json:"category,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// PhaseOutput is the structured output of one review phase agent.
type PhaseOutput struct {
	Findings []ReviewFinding `json:"findings"`
}

// AggregatorOutput is the structured output of the review aggregator.
// verdict=approved implies empty fix_instructions; verdict=needs_fix with
// empty fix_instructions is treated by the caller as a recoverable failure.
type AggregatorOutput struct {
	Verdict         Verdict         `json:"verdict" jsonschema:"enum=approved,enum=needs_fix"`
	Comment         string          `json:"comment"`
	Findings        []ReviewFinding `json:"findings"`
	FixInstructions string          `json:"fix_instructions,omitempty"`
}

// FixStatus reported by the review-fix agent.
type FixStatus string

const (
	FixStatusFixed FixStatus = "fixed"
	FixStatusError FixStatus = "error"
)

// FixOutput is the structured output of the review-fix agent.
type FixOutput struct {
	Status       FixStatus `json:"status" jsonschema:"enum=fixed,enum=error"`
	Summary      string    `json:"summary"`
	FilesChanged []string  `json:"files_changed"`
}

// StandaloneFixStatus tags a StandaloneFixOutput.
type StandaloneFixStatus string

const (
	StandaloneFixed   StandaloneFixStatus = "fixed"
	StandaloneWontFix StandaloneFixStatus = "wont_fix"
)

// StandaloneFixOutput is the tagged output of the standalone fix agent:
// {status=fixed, commit_message} or {status=wont_fix, reason}.
type StandaloneFixOutput struct {
	Status        StandaloneFixStatus `json:"status"`
	CommitMessage string              `json:"commit_message,omitempty"`
	Reason        string              `json:"reason,omitempty"`
}

// ParsePhaseOutput parses a review phase agent's JSON payload.
func ParsePhaseOutput(raw string) (*PhaseOutput, error) {
	var out PhaseOutput
	if err := parseValidated(NamePhase, raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ParseAggregatorOutput parses the aggregator's JSON payload.
func ParseAggregatorOutput(raw string) (*AggregatorOutput, error) {
	var out AggregatorOutput
	if err := parseValidated(NameAggregator, raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ParseFixOutput parses the review-fix agent's JSON payload.
func ParseFixOutput(raw string) (*FixOutput, error) {
	var out FixOutput
	if err := parseValidated(NameFix, raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ParseStandaloneFixOutput parses the standalone fix agent's JSON payload.
func ParseStandaloneFixOutput(raw string) (*StandaloneFixOutput, error) {
	var out StandaloneFixOutput
	if err := parseValidated(NameStandaloneFix, raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// parseValidated strips markdown fences, validates the payload against the
// named schema, and unmarshals into out. Explicit nulls on optional fields
// are tolerated (an LLM writing "depends_on": null means "empty").
func parseValidated(name Name, raw string, out any) error {
	text := StripMarkdownFences(raw)

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return fmt.Errorf("failed to parse %s JSON: %w", name, err)
	}
	doc = pruneNulls(doc)

	compiled, err := compiledSchema(name)
	if err != nil {
		return fmt.Errorf("failed to compile %s schema: %w", name, err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("%s output does not match schema: %v", name, err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to re-encode %s payload: %w", name, err)
	}
	if err := json.Unmarshal(normalized, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", name, err)
	}
	return nil
}

// pruneNulls removes object keys whose value is an explicit null, so that
// optional-but-null fields validate the same as absent ones.
func pruneNulls(doc any) any {
	switch v := doc.(type) {
	case map[string]any:
		for key, value := range v {
			if value == nil {
				delete(v, key)
				continue
			}
			v[key] = pruneNulls(value)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = pruneNulls(item)
		}
		return v
	default:
		return doc
	}
}

// StripMarkdownFences removes an outer ```json ... ``` (or bare ```) fence
// that agents sometimes wrap output in.
func StripMarkdownFences(input string) string {
	trimmed := strings.TrimSpace(input)

	rest, ok := strings.CutPrefix(trimmed, "```")
	if !ok {
		return trimmed
	}

	// Skip the optional language tag on the opening fence line.
	newline := strings.IndexByte(rest, '\n')
	if newline < 0 {
		return ""
	}
	rest = rest[newline+1:]

	if idx := strings.LastIndex(rest, "```"); idx >= 0 {
		return strings.TrimSpace(rest[:idx])
	}
	return strings.TrimSpace(rest)
}
