package fix

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/bazelment/rlph/schema"
)

func makeFinding(id string, severity schema.Severity, category string) schema.ReviewFinding {
	return schema.ReviewFinding{
		ID:          id,
		File:        "internal/server.go",
		Line:        42,
		Severity:    severity,
		Description: id + " description",
		Category:    category,
	}
}

func renderComment(findings ...schema.ReviewFinding) string {
	return schema.RenderFindingsForGitHub(findings, "Summary.")
}

func TestParseUncheckedItem(t *testing.T) {
	f := makeFinding("bug-1", schema.SeverityCritical, "correctness")
	items := ParseItems(renderComment(f))
	require.Len(t, items, 1)
	assert.Equal(t, Unchecked, items[0].State)
	assert.Equal(t, f, items[0].Finding)
}

func TestParseCheckedItem(t *testing.T) {
	comment := strings.ReplaceAll(renderComment(makeFinding("bug-1", schema.SeverityCritical, "correctness")),
		"- [ ] ", "- [x] ")
	items := ParseItems(comment)
	require.Len(t, items, 1)
	assert.Equal(t, Checked, items[0].State)
}

func TestParseCheckedUppercaseX(t *testing.T) {
	comment := strings.ReplaceAll(renderComment(makeFinding("bug-1", schema.SeverityCritical, "correctness")),
		"- [ ] ", "- [X] ")
	items := ParseItems(comment)
	require.Len(t, items, 1)
	assert.Equal(t, Checked, items[0].State)
}

func TestParseFixedAndWontFixItems(t *testing.T) {
	base := renderComment(makeFinding("bug-1", schema.SeverityCritical, "correctness"))

	items := ParseItems(strings.ReplaceAll(base, "- [ ] ", "- ✅ "))
	require.Len(t, items, 1)
	assert.Equal(t, Fixed, items[0].State)

	items = ParseItems(strings.ReplaceAll(base, "- [ ] ", "- 😵 "))
	require.Len(t, items, 1)
	assert.Equal(t, WontFix, items[0].State)
}

func TestParseMixedStates(t *testing.T) {
	comment := renderComment(
		makeFinding("a", schema.SeverityCritical, "correctness"),
		makeFinding("b", schema.SeverityWarning, "correctness"),
		makeFinding("c", schema.SeverityInfo, "style"),
	)
	var lines []string
	for _, line := range strings.Split(comment, "\n") {
		switch {
		case strings.Contains(line, "b description"):
			line = strings.Replace(line, "- [ ] ", "- [x] ", 1)
		case strings.Contains(line, "c description"):
			line = strings.Replace(line, "- [ ] ", "- ✅ ", 1)
		}
		lines = append(lines, line)
	}
	items := ParseItems(strings.Join(lines, "\n"))
	require.Len(t, items, 3)

	byID := map[string]CheckboxState{}
	for _, item := range items {
		byID[item.Finding.ID] = item.State
	}
	assert.Equal(t, Unchecked, byID["a"])
	assert.Equal(t, Checked, byID["b"])
	assert.Equal(t, Fixed, byID["c"])
}

func TestParseEmptyAndPlainBodies(t *testing.T) {
	assert.Empty(t, ParseItems(""))
	assert.Empty(t, ParseItems("Just a normal comment without findings."))
}

func TestParseMalformedJSONSkipped(t *testing.T) {
	body := "- [ ] **CRITICAL** `f.go` L1: bug <!-- rlph-finding:{bad json} -->"
	assert.Empty(t, ParseItems(body))
}

func TestParseMissingClosingCommentSkipped(t *testing.T) {
	body := `- [ ] **CRITICAL** ` + "`f.go`" + ` L1: bug <!-- rlph-finding:{"id":"x"}`
	assert.Empty(t, ParseItems(body))
}

func TestParseLineWithoutCheckboxPrefixSkipped(t *testing.T) {
	comment := renderComment(makeFinding("x", schema.SeverityInfo, "style"))
	var inner string
	for _, line := range strings.Split(comment, "\n") {
		if strings.Contains(line, schema.FindingMarker) {
			inner = strings.TrimPrefix(strings.TrimSpace(line), "- [ ] ")
		}
	}
	require.NotEmpty(t, inner)
	assert.Empty(t, ParseItems("Some text "+inner))
}

func TestParseFindingWithDependsOn(t *testing.T) {
	f := makeFinding("deref", schema.SeverityCritical, "correctness")
	f.DependsOn = []string{"null-check"}
	items := ParseItems(renderComment(f))
	require.Len(t, items, 1)
	assert.Equal(t, []string{"null-check"}, items[0].Finding.DependsOn)
}

func TestParseFindingWithDoubleDashesInDescription(t *testing.T) {
	f := schema.ReviewFinding{
		ID:          "html-esc",
		File:        "internal/tmpl.go",
		Line:        10,
		Severity:    schema.SeverityWarning,
		Description: "Outputs --> and -- unescaped",
		Category:    "security",
	}
	items := ParseItems(renderComment(f))
	require.Len(t, items, 1)
	assert.Equal(t, "Outputs --> and -- unescaped", items[0].Finding.Description)
}

func TestUpdateFixedReplacesCheckboxAndAppendsAnnotation(t *testing.T) {
	comment := strings.ReplaceAll(renderComment(makeFinding("bug-1", schema.SeverityCritical, "correctness")),
		"- [ ] ", "- [x] ")

	updated := UpdateComment(comment, "bug-1", Resolution{
		Status:  schema.StandaloneFixed,
		Message: "Fixed the bug",
	})

	assert.Contains(t, updated, "- ✅ ")
	assert.NotContains(t, updated, "- [x] ")
	assert.Contains(t, updated, "  > Fixed: Fixed the bug")
}

func TestUpdateWontFixReplacesCheckboxAndAppendsAnnotation(t *testing.T) {
	comment := strings.ReplaceAll(renderComment(makeFinding("nit-1", schema.SeverityInfo, "style")),
		"- [ ] ", "- [x] ")

	updated := UpdateComment(comment, "nit-1", Resolution{
		Status:  schema.StandaloneWontFix,
		Message: "Not worth the effort",
	})

	assert.Contains(t, updated, "- 😵 ")
	assert.NotContains(t, updated, "- [x] ")
	assert.Contains(t, updated, "  > Won't fix: Not worth the effort")
}

func TestUpdatePreservesOtherLines(t *testing.T) {
	comment := renderComment(
		makeFinding("a", schema.SeverityCritical, "correctness"),
		makeFinding("b", schema.SeverityWarning, "correctness"),
	)
	comment = strings.Replace(comment, "- [ ] ", "- [x] ", 1)

	updated := UpdateComment(comment, "a", Resolution{Status: schema.StandaloneFixed, Message: "done"})

	assert.Contains(t, updated, "- [ ] ")
	assert.Contains(t, updated, "Summary.")
	assert.Contains(t, updated, "### Correctness")
}

func TestUpdateNonexistentFindingReturnsUnchanged(t *testing.T) {
	comment := renderComment(makeFinding("bug-1", schema.SeverityCritical, "correctness"))
	updated := UpdateComment(comment, "nonexistent", Resolution{Status: schema.StandaloneFixed, Message: "done"})
	assert.Equal(t, comment, updated)
}

func TestUpdateAnnotationDirectlyBelowFindingLine(t *testing.T) {
	comment := strings.ReplaceAll(renderComment(makeFinding("bug-1", schema.SeverityCritical, "correctness")),
		"- [ ] ", "- [x] ")
	updated := UpdateComment(comment, "bug-1", Resolution{Status: schema.StandaloneFixed, Message: "commit abc"})

	lines := strings.Split(updated, "\n")
	findingIdx, annotationIdx := -1, -1
	for i, line := range lines {
		if strings.Contains(line, "bug-1") && findingIdx == -1 {
			findingIdx = i
		}
		if strings.Contains(line, "> Fixed: commit abc") {
			annotationIdx = i
		}
	}
	require.GreaterOrEqual(t, findingIdx, 0)
	assert.Equal(t, findingIdx+1, annotationIdx)
}

// Checkbox update idempotence: applying the same update twice yields the
// same body as applying it once.
func TestUpdateIdempotenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		severities := []schema.Severity{schema.SeverityCritical, schema.SeverityWarning, schema.SeverityInfo}
		var findings []schema.ReviewFinding
		n := rapid.IntRange(1, 4).Draw(t, "n")
		for i := 0; i < n; i++ {
			findings = append(findings, makeFinding(
				rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "id")+string(rune('a'+i)),
				severities[rapid.IntRange(0, 2).Draw(t, "sev")],
				rapid.SampledFrom([]string{"correctness", "security", "style"}).Draw(t, "cat"),
			))
		}
		comment := renderComment(findings...)
		if rapid.Bool().Draw(t, "check") {
			comment = strings.ReplaceAll(comment, "- [ ] ", "- [x] ")
		}

		target := findings[rapid.IntRange(0, len(findings)-1).Draw(t, "target")].ID
		res := Resolution{Status: schema.StandaloneFixed, Message: "m"}
		if rapid.Bool().Draw(t, "wontfix") {
			res = Resolution{Status: schema.StandaloneWontFix, Message: "r"}
		}

		once := UpdateComment(comment, target, res)
		twice := UpdateComment(once, target, res)
		if once != twice {
			t.Fatalf("update not idempotent:\nonce:\n%s\ntwice:\n%s", once, twice)
		}
	})
}

func TestFormatItemsForDisplay(t *testing.T) {
	assert.Equal(t, "No findings in review comment.", FormatItemsForDisplay(nil))

	items := []Item{
		{Finding: makeFinding("s1", schema.SeverityInfo, "style"), State: Unchecked},
		{Finding: makeFinding("c1", schema.SeverityCritical, "correctness"), State: Checked},
		{Finding: makeFinding("f1", schema.SeverityWarning, "correctness"), State: Fixed},
		{Finding: makeFinding("w1", schema.SeverityWarning, "correctness"), State: WontFix},
	}
	display := FormatItemsForDisplay(items)
	assert.Less(t, strings.Index(display, "Correctness"), strings.Index(display, "Style"))
	assert.Contains(t, display, "[ ]")
	assert.Contains(t, display, "[x]")
	assert.Contains(t, display, "✅")
	assert.Contains(t, display, "😵")
}

func TestCheckboxStateString(t *testing.T) {
	assert.Equal(t, "[ ]", Unchecked.String())
	assert.Equal(t, "[x]", Checked.String())
	assert.Equal(t, "✅", Fixed.String())
	assert.Equal(t, "😵", WontFix.String())
}
