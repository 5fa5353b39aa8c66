package sources

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
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
}

// DefaultGhClient runs the real `gh` CLI with retry and exponential backoff.
type DefaultGhClient struct{}

func (DefaultGhClient) Run(args ...string) (string, error) {
	return retryWithBackoff(func() (string, error) {
		out, err := exec.Command("gh", args...).Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return "", fmt.Errorf("gh failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
			}
			return "", fmt.Errorf("failed to run gh: %w", err)
		}
		return string(out), nil
	}, ghInitialBackoff, ghMaxRetries)
}

// retryWithBackoff retries transient failures with exponential backoff
// (initial 500ms, doubling, up to maxRetries attempts).
func retryWithBackoff(op func() (string, error), initial time.Duration, maxRetries uint64) (string, error) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.RetryWithData(op, backoff.WithMaxRetries(policy, maxRetries-1))
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghIssue struct {
	Number uint64    `json:"number"`
	Title  string    `json:"title"`
	Body   *string   `json:"body"`
	Labels []ghLabel `json:"labels"`
	URL    string    `json:"url"`
}

// GitHubSource fetches tasks from GitHub issues via the `gh` CLI.
type GitHubSource struct {
	client GhClient
	logger *slog.Logger
	label  string
}

// NewGitHubSource creates a source filtering on the given label.
func NewGitHubSource(label string, logger *slog.Logger) *GitHubSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubSource{label: label, client: DefaultGhClient{}, logger: logger}
}

// WithClient overrides the gh client (tests).
func (s *GitHubSource) WithClient(client GhClient) *GitHubSource {
	s.client = client
	return s
}

func parseIssue(gh ghIssue) Task {
	labels := make([]string, 0, len(gh.Labels))
	for _, l := range gh.Labels {
		labels = append(labels, l.Name)
	}
	var priority Priority
	for _, l := range labels {
		if p, ok := PriorityFromLabel(l); ok {
			priority = p
			break
		}
	}
	body := ""
	if gh.Body != nil {
		body = *gh.Body
	}
	return Task{
		ID:       fmt.Sprintf("%d", gh.Number),
		Title:    gh.Title,
		Body:     body,
		Labels:   labels,
		URL:      gh.URL,
		Priority: priority,
	}
}

func isEligible(issue ghIssue) bool {
	for _, l := range issue.Labels {
		if strings.EqualFold(l.Name, "in-progress") ||
			strings.EqualFold(l.Name, "in-review") ||
			strings.EqualFold(l.Name, "done") {
			return false
		}
	}
	return true
}

func (s *GitHubSource) FetchEligibleTasks() ([]Task, error) {
	out, err := s.client.Run(
		"issue", "list",
		"--label", s.label,
		"--state", "open",
		"--json", "number,title,body,labels,url",
		"--limit", "100",
	)
	if err != nil {
		return nil, err
	}

	var issues []ghIssue
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("failed to parse gh output: %w", err)
	}

	var tasks []Task
	for _, issue := range issues {
		if isEligible(issue) {
			tasks = append(tasks, parseIssue(issue))
		}
	}
	s.logger.Debug("fetched eligible tasks", "count", len(tasks))
	return tasks, nil
}

func (s *GitHubSource) FetchClosedTaskIDs() (map[uint64]bool, error) {
	out, err := s.client.Run(
		"issue", "list", "--state", "closed", "--json", "number", "--limit", "200",
	)
	if err != nil {
		return nil, err
	}

	var nums []struct {
		Number uint64 `json:"number"`
	}
	if err := json.Unmarshal([]byte(out), &nums); err != nil {
		return nil, fmt.Errorf("failed to parse closed issues: %w", err)
	}

	ids := make(map[uint64]bool, len(nums))
	for _, n := range nums {
		ids[n.Number] = true
	}
	s.logger.Debug("fetched closed task ids", "count", len(ids))
	return ids, nil
}

func (s *GitHubSource) GetTaskDetails(taskID string) (Task, error) {
	out, err := s.client.Run(
		"issue", "view", taskID, "--json", "number,title,body,labels,url",
	)
	if err != nil {
		return Task{}, err
	}

	var issue ghIssue
	if err := json.Unmarshal([]byte(out), &issue); err != nil {
		return Task{}, fmt.Errorf("failed to parse gh output: %w", err)
	}
	return parseIssue(issue), nil
}

func (s *GitHubSource) MarkInProgress(taskID string) error {
	if _, err := s.client.Run("issue", "reopen", taskID); err != nil {
		s.logger.Warn("failed to reopen issue", "task", taskID, "error", err)
	}
	if _, err := s.client.Run(
		"issue", "edit", taskID,
		"--add-label", "in-progress",
		"--remove-label", "in-review",
	); err != nil {
		s.logger.Warn("failed to update labels for in-progress", "task", taskID, "error", err)
	}
	return nil
}

func (s *GitHubSource) MarkInReview(taskID string) error {
	if _, err := s.client.Run(
		"issue", "edit", taskID,
		"--add-label", "in-review",
		"--remove-label", "in-progress",
	); err != nil {
		s.logger.Warn("failed to update labels for in-review", "task", taskID, "error", err)
	}
	return nil
}

func (s *GitHubSource) MarkDone(taskID string) error {
	if _, err := s.client.Run("issue", "close", taskID); err != nil {
		return fmt.Errorf("failed to close issue %s: %w", taskID, err)
	}
	return nil
}

// InitGitHubLabel creates the task label if it does not already exist.
func InitGitHubLabel(client GhClient, label string, logger *slog.Logger) error {
	if client == nil {
		client = DefaultGhClient{}
	}
	_, err := client.Run(
		"label", "create", label,
		"--description", "Tasks for the rlph autonomous loop",
		"--force",
	)
	if err != nil {
		return fmt.Errorf("failed to create label %q: %w", label, err)
	}
	logger.Info("label ready", "label", label)
	return nil
}
