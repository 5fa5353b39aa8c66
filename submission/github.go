package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	ghMaxRetries     = 3
	ghInitialBackoff = 500 * time.Millisecond
)

// GhClient abstracts `gh` CLI execution for testability.
type GhClient interface {
	Run(args ...string) (string, error)
	RunWithStdin(stdin string, args ...string) (string, error)
}

// DefaultGhClient runs the real `gh` CLI with retry and exponential backoff.
type DefaultGhClient struct {
	// Dir is the working directory for gh, so repo detection works.
	Dir string
}

func (c DefaultGhClient) Run(args ...string) (string, error) {
	return c.RunWithStdin("", args...)
}

func (c DefaultGhClient) RunWithStdin(stdin string, args ...string) (string, error) {
	op := func() (string, error) {
		cmd := exec.Command("gh", args...)
		cmd.Dir = c.Dir
		if stdin != "" {
			cmd.Stdin = strings.NewReader(stdin)
		}
		out, err := cmd.Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return "", fmt.Errorf("gh failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
			}
			return "", fmt.Errorf("failed to run gh: %w", err)
		}
		return string(out), nil
	}
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(ghInitialBackoff),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.RetryWithData(op, backoff.WithMaxRetries(policy, ghMaxRetries-1))
}

// GitHubBackend submits PRs and manages review comments via the `gh` CLI.
type GitHubBackend struct {
	client GhClient
	logger *slog.Logger
}

// NewGitHubBackend creates a backend running gh from repoDir.
func NewGitHubBackend(repoDir string, logger *slog.Logger) *GitHubBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubBackend{client: DefaultGhClient{Dir: repoDir}, logger: logger}
}

// WithClient overrides the gh client (tests).
func (b *GitHubBackend) WithClient(client GhClient) *GitHubBackend {
	b.client = client
	return b
}

func (b *GitHubBackend) Submit(branch, base, title, body string) (*SubmitResult, error) {
	out, err := b.client.Run(
		"pr", "create",
		"--head", branch,
		"--base", base,
		"--title", title,
		"--body", body,
	)
	if err != nil {
		return nil, fmt.Errorf("gh pr create failed: %w", err)
	}

	url := strings.TrimSpace(out)
	result := &SubmitResult{URL: url}
	if number, ok := prNumberFromURL(url); ok {
		result.Number = number
	}
	b.logger.Info("created PR", "url", url, "number", result.Number)
	return result, nil
}

// prNumberFromURL extracts the trailing PR number from a gh-reported URL.
func prNumberFromURL(url string) (uint64, bool) {
	idx := strings.LastIndexByte(url, '/')
	if idx < 0 || idx == len(url)-1 {
		return 0, false
	}
	number, err := strconv.ParseUint(url[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return number, true
}

func (b *GitHubBackend) FindExistingPRForIssue(issueNumber uint64) (uint64, error) {
	out, err := b.client.Run(
		"pr", "list",
		"--state", "open",
		"--json", "number,headRefName",
		"--limit", "100",
	)
	if err != nil {
		return 0, fmt.Errorf("gh pr list failed: %w", err)
	}

	var prs []struct {
		Number      uint64 `json:"number"`
		HeadRefName string `json:"headRefName"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return 0, fmt.Errorf("failed to parse gh pr list output: %w", err)
	}

	prefix := fmt.Sprintf("rlph-%d-", issueNumber)
	for _, pr := range prs {
		if strings.HasPrefix(pr.HeadRefName, prefix) {
			return pr.Number, nil
		}
	}
	return 0, nil
}

func (b *GitHubBackend) FetchPRComments(prNumber uint64) ([]PrComment, error) {
	out, err := b.client.Run(
		"api", fmt.Sprintf("repos/{owner}/{repo}/issues/%d/comments", prNumber),
		"--paginate",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list PR comments: %w", err)
	}

	var raw []struct {
		ID                int64  `json:"id"`
		Body              string `json:"body"`
		CreatedAt         string `json:"created_at"`
		AuthorAssociation string `json:"author_association"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse PR comments: %w", err)
	}

	comments := make([]PrComment, 0, len(raw))
	for _, c := range raw {
		comments = append(comments, PrComment{
			ID:                strconv.FormatInt(c.ID, 10),
			Body:              c.Body,
			CreatedAt:         c.CreatedAt,
			AuthorAssociation: c.AuthorAssociation,
		})
	}
	return comments, nil
}

func (b *GitHubBackend) UpsertReviewComment(prNumber uint64, body string) error {
	comments, err := b.FetchPRComments(prNumber)
	if err != nil {
		return err
	}

	// HTML escaping is off so the review marker travels as written.
	var encoded strings.Builder
	enc := json.NewEncoder(&encoded)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]string{"body": body}); err != nil {
		return fmt.Errorf("failed to encode comment body: %w", err)
	}
	payload := encoded.String()

	if existing := FindReviewComment(comments); existing != nil {
		_, err = b.client.RunWithStdin(payload,
			"api", "--method", "PATCH",
			fmt.Sprintf("repos/{owner}/{repo}/issues/comments/%s", existing.ID),
			"--input", "-",
		)
		if err != nil {
			return fmt.Errorf("failed to update review comment: %w", err)
		}
		b.logger.Debug("updated review comment", "pr", prNumber, "comment", existing.ID)
		return nil
	}

	_, err = b.client.RunWithStdin(payload,
		"api", "--method", "POST",
		fmt.Sprintf("repos/{owner}/{repo}/issues/%d/comments", prNumber),
		"--input", "-",
	)
	if err != nil {
		return fmt.Errorf("failed to create review comment: %w", err)
	}
	b.logger.Debug("created review comment", "pr", prNumber)
	return nil
}
