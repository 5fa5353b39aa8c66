// Package submission defines the code-host port used to open PRs and manage
// the bot-owned review comment.
package submission

import (
	"fmt"
	"strings"
)

// ReviewMarker identifies the single bot-owned review comment on a PR.
// Upserts match on this marker substring, never on body equality, so
// host-side markdown normalisation cannot duplicate the comment.
const ReviewMarker = "<!-- rlph:review -->"

// SubmitResult is the outcome of opening a PR.
type SubmitResult struct {
	URL    string
	Number uint64 // 0 when the host did not report one
}

// PrComment is one comment on a PR.
type PrComment struct {
	ID                string
	Body              string
	CreatedAt         string
	AuthorAssociation string
}

// Backend is the port to the code host.
type Backend interface {
	// Submit opens a PR for branch against base.
	Submit(branch, base, title, body string) (*SubmitResult, error)

	// FindExistingPRForIssue returns the open PR number for an issue, or 0.
	FindExistingPRForIssue(issueNumber uint64) (uint64, error)

	// UpsertReviewComment creates or overwrites the marker-tagged review
	// comment on a PR. Idempotent per PR.
	UpsertReviewComment(prNumber uint64, body string) error

	// FetchPRComments returns all comments on a PR, oldest first.
	FetchPRComments(prNumber uint64) ([]PrComment, error)
}

// FindReviewComment returns the marker-tagged review comment, or nil.
func FindReviewComment(comments []PrComment) *PrComment {
	for i := range comments {
		if strings.Contains(comments[i].Body, ReviewMarker) {
			return &comments[i]
		}
	}
	return nil
}

// FormatPRCommentsForPrompt renders PR comments for inclusion in prompts.
func FormatPRCommentsForPrompt(comments []PrComment, prNumber uint64) string {
	if len(comments) == 0 {
		return fmt.Sprintf("PR #%d has no comments yet.", prNumber)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Comments on PR #%d:\n", prNumber)
	for _, c := range comments {
		author := c.AuthorAssociation
		if author == "" {
			author = "UNKNOWN"
		}
		fmt.Fprintf(&b, "\n---\n[%s at %s]\n%s\n", author, c.CreatedAt, c.Body)
	}
	return b.String()
}
