// Package sources defines the task-source port and its GitHub and Linear
// adapters.
package sources

import (
	"strings"
)

// Priority is a task priority on a 1 (highest) to 9 (lowest) scale.
type Priority uint8

// PriorityFromLabel parses a priority from a label string. Recognizes p1-p9
// and priority-high / priority-medium / priority-low.
func PriorityFromLabel(label string) (Priority, bool) {
	lower := strings.ToLower(label)
	switch lower {
	case "priority-high":
		return 1, true
	case "priority-medium":
		return 5, true
	case "priority-low":
		return 9, true
	}
	if len(lower) == 2 && lower[0] == 'p' && lower[1] >= '1' && lower[1] <= '9' {
		return Priority(lower[1] - '0'), true
	}
	return 0, false
}

// Task is an immutable snapshot of an external work item.
type Task struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Labels   []string `json:"labels"`
	URL      string   `json:"url"`
	Priority Priority `json:"priority,omitempty"`
}

// TaskSource is the port to an external issue tracker.
type TaskSource interface {
	// FetchEligibleTasks returns open tasks matching the label filter that
	// are not in-progress, in-review, or done.
	FetchEligibleTasks() ([]Task, error)

	// FetchClosedTaskIDs returns IDs of closed/done tasks, used for
	// dependency resolution.
	FetchClosedTaskIDs() (map[uint64]bool, error)

	// GetTaskDetails returns the full task for an id.
	GetTaskDetails(taskID string) (Task, error)

	// MarkInProgress marks a task in-progress in the remote system.
	MarkInProgress(taskID string) error

	// MarkInReview marks a task in-review in the remote system.
	MarkInReview(taskID string) error

	// MarkDone marks a task done. Unused in the happy path: GitHub
	// auto-closes the issue when the PR containing "Resolves #N" merges.
	MarkDone(taskID string) error
}
