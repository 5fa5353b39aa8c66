package fix

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bazelment/rlph/schema"
)

// CheckboxState is the state of a finding's checklist line in the review
// comment.
type CheckboxState int

const (
	// Unchecked: `- [ ]`, not selected for fix.
	Unchecked CheckboxState = iota
	// Checked: `- [x]`, selected, ready to be fixed.
	Checked
	// Fixed: `- ✅`, already fixed.
	Fixed
	// WontFix: `- 😵`, won't fix.
	WontFix
)

func (s CheckboxState) String() string {
	switch s {
	case Unchecked:
		return "[ ]"
	case Checked:
		return "[x]"
	case Fixed:
		return "✅"
	default:
		return "😵"
	}
}

// Item is a finding extracted from the review comment with its checkbox
// state.
type Item struct {
	Finding schema.ReviewFinding
	State   CheckboxState
}

// Resolution is the outcome applied to a finding's comment line.
type Resolution struct {
	Status  schema.StandaloneFixStatus
	Message string // commit message when fixed, reason when wont_fix
}

// ParseItems extracts every finding line from a review comment body. Lines
// with malformed or missing embedded JSON are silently skipped.
func ParseItems(body string) []Item {
	var items []Item
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if !strings.Contains(trimmed, schema.FindingMarker) {
			continue
		}
		state, ok := detectCheckboxState(trimmed)
		if !ok {
			continue
		}
		finding, ok := schema.ParseEmbeddedFinding(trimmed)
		if !ok {
			continue
		}
		items = append(items, Item{Finding: *finding, State: state})
	}
	return items
}

// UpdateComment rewrites the line for findingID after a fix: the checkbox
// prefix becomes ✅ or 😵 and an annotation line is inserted directly
// below. All other lines are preserved unchanged. A line already marked
// ✅/😵 is left alone entirely, which makes the update idempotent.
func UpdateComment(body, findingID string, res Resolution) string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.Contains(trimmed, schema.FindingMarker) {
			if finding, ok := schema.ParseEmbeddedFinding(trimmed); ok && finding.ID == findingID {
				state, ok := detectCheckboxState(trimmed)
				if ok && (state == Unchecked || state == Checked) {
					marker, annotation := resolutionParts(res)
					out = append(out, replaceCheckboxPrefix(line, marker), annotation)
					continue
				}
			}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func resolutionParts(res Resolution) (marker, annotation string) {
	if res.Status == schema.StandaloneFixed {
		return "✅", "  > Fixed: " + res.Message
	}
	return "😵", "  > Won't fix: " + res.Message
}

// FormatItemsForDisplay renders parsed items for the terminal, grouped by
// category.
func FormatItemsForDisplay(items []Item) string {
	if len(items) == 0 {
		return "No findings in review comment."
	}

	groups := schema.GroupByCategory(items, func(i Item) string { return i.Finding.Category })
	categories := make([]string, 0, len(groups))
	for c := range groups {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var b strings.Builder
	for _, category := range categories {
		fmt.Fprintf(&b, "\n%s\n", schema.CapitalizeFirst(category))
		for _, item := range groups[category] {
			icon := item.State.String()
			if item.State == Fixed || item.State == WontFix {
				icon = " " + icon + " "
			}
			fmt.Fprintf(&b, "  %s (%s) %s `%s` L%d: %s\n",
				icon,
				item.Finding.ID,
				item.Finding.Severity.Label(),
				item.Finding.File,
				item.Finding.Line,
				item.Finding.Description,
			)
		}
	}
	return b.String()
}

func detectCheckboxState(trimmed string) (CheckboxState, bool) {
	switch {
	case strings.HasPrefix(trimmed, "- [ ] "):
		return Unchecked, true
	case strings.HasPrefix(trimmed, "- [x] "), strings.HasPrefix(trimmed, "- [X] "):
		return Checked, true
	case strings.HasPrefix(trimmed, "- ✅"):
		return Fixed, true
	case strings.HasPrefix(trimmed, "- 😵"):
		return WontFix, true
	default:
		return 0, false
	}
}

// replaceCheckboxPrefix swaps the checkbox prefix of a line for a new
// marker, keeping indentation.
func replaceCheckboxPrefix(line, newMarker string) string {
	trimmed := strings.TrimLeft(line, " \t")
	indent := line[:len(line)-len(trimmed)]

	prefixes := []string{"- [ ] ", "- [x] ", "- [X] ", "- ✅ ", "- ✅", "- 😵 ", "- 😵"}
	for _, prefix := range prefixes {
		if rest, ok := strings.CutPrefix(trimmed, prefix); ok {
			return indent + "- " + newMarker + " " + rest
		}
	}
	return line
}

