package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FindingMarker is the HTML comment prefix used to embed finding JSON in PR
// comments.
const FindingMarker = "<!-- rlph-finding:"

// RenderFindingsForPrompt renders findings as markdown bullet lines for
// injection into the aggregator prompt. A finding without a category uses
// defaultCategory, then "general".
func RenderFindingsForPrompt(findings []ReviewFinding, defaultCategory string) string {
	if len(findings) == 0 {
		return "No issues found."
	}

	var b strings.Builder
	for i, f := range findings {
		if i > 0 {
			b.WriteByte('\n')
		}
		category := f.Category
		if category == "" {
			category = defaultCategory
		}
		if category == "" {
			category = "general"
		}
		fmt.Fprintf(&b, "- (%s) **%s** [%s] `%s` L%d: %s",
			f.ID, f.Severity.Label(), category, f.File, f.Line, f.Description)
		if len(f.DependsOn) > 0 {
			fmt.Fprintf(&b, " (depends on: %s)", strings.Join(f.DependsOn, ", "))
		}
	}
	return b.String()
}

// RenderFindingsForGitHub renders findings as a PR comment body: the summary
// first, then `### Category` sections of checklist lines sorted by severity,
// file, line. Each line carries the finding's canonical JSON in an HTML
// comment so the comment can be parsed back.
func RenderFindingsForGitHub(findings []ReviewFinding, summary string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(summary))

	if len(findings) == 0 {
		return b.String()
	}

	groups := GroupByCategory(findings, func(f ReviewFinding) string { return f.Category })
	for _, category := range sortedCategoryKeys(groups) {
		group := make([]ReviewFinding, len(groups[category]))
		copy(group, groups[category])
		sort.SliceStable(group, func(i, j int) bool {
			a, c := group[i], group[j]
			if a.Severity.Rank() != c.Severity.Rank() {
				return a.Severity.Rank() < c.Severity.Rank()
			}
			if a.File != c.File {
				return a.File < c.File
			}
			return a.Line < c.Line
		})

		fmt.Fprintf(&b, "\n\n### %s", CapitalizeFirst(category))
		for _, f := range group {
			fmt.Fprintf(&b, "\n- [ ] **%s** `%s` L%d: %s",
				f.Severity.Label(), f.File, f.Line, f.Description)
			if len(f.DependsOn) > 0 {
				fmt.Fprintf(&b, " *(depends on: %s)*", strings.Join(f.DependsOn, ", "))
			}
			fmt.Fprintf(&b, " %s%s -->", FindingMarker, EmbedFindingJSON(f))
		}
	}

	return b.String()
}

// EmbedFindingJSON serializes a finding for embedding inside an HTML
// comment. Every "--" in the JSON is replaced with the unicode escape pair
// \u002d\u002d so the embedded payload cannot terminate the comment; JSON
// decoding restores the original text.
func EmbedFindingJSON(f ReviewFinding) string {
	data, err := json.Marshal(f)
	if err != nil {
		// A ReviewFinding is plain data; Marshal cannot fail on it.
		panic(fmt.Sprintf("ReviewFinding marshal: %v", err))
	}
	return strings.ReplaceAll(string(data), "--", `\u002d\u002d`)
}

// ExtractFindingJSON returns the raw JSON payload between the finding
// marker and the closing " -->" in a line, or "" when absent.
func ExtractFindingJSON(line string) string {
	start := strings.Index(line, FindingMarker)
	if start < 0 {
		return ""
	}
	start += len(FindingMarker)
	end := strings.Index(line[start:], " -->")
	if end < 0 {
		return ""
	}
	return line[start : start+end]
}

// ParseEmbeddedFinding decodes the finding JSON embedded in a comment line.
func ParseEmbeddedFinding(line string) (*ReviewFinding, bool) {
	raw := ExtractFindingJSON(line)
	if raw == "" {
		return nil, false
	}
	var f ReviewFinding
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, false
	}
	return &f, true
}

// GroupByCategory groups items by lowercase category; empty maps to
// "general".
func GroupByCategory[T any](items []T, categoryFn func(T) string) map[string][]T {
	groups := make(map[string][]T)
	for _, item := range items {
		key := strings.ToLower(categoryFn(item))
		if key == "" {
			key = "general"
		}
		groups[key] = append(groups[key], item)
	}
	return groups
}

// CapitalizeFirst uppercases the first rune of s.
func CapitalizeFirst(s string) string {
	if s == "" {
		return ""
	}
	runes := []rune(s)
	return strings.ToUpper(string(runes[0])) + string(runes[1:])
}

func sortedCategoryKeys[T any](groups map[string][]T) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
