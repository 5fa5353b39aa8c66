// Package state persists the current task, completed-task history, and
// worktree mappings across process restarts.
package state

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// CurrentTask is the single in-flight task. At most one exists at a time;
// it survives failures so a later invocation can observe mid-pipeline state.
type CurrentTask struct {
	ID           string `toml:"id"`
	Phase        string `toml:"phase"`
	WorktreePath string `toml:"worktree_path"`
}

// CompletedTask is one append-only history entry.
type CompletedTask struct {
	ID          string `toml:"id"`
	CompletedAt int64  `toml:"completed_at"`
}

// Data is the full persisted state.
type Data struct {
	CurrentTask      *CurrentTask      `toml:"current_task,omitempty"`
	History          []CompletedTask   `toml:"history,omitempty"`
	WorktreeMappings map[string]string `toml:"worktree_mappings,omitempty"`
}

// Manager reads and writes state.toml under a state directory.
type Manager struct {
	stateDir string
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a Manager for the given state directory.
func NewManager(stateDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{stateDir: stateDir, logger: logger, now: time.Now}
}

// DefaultDir returns the state directory for a repo root.
func DefaultDir(repoRoot string) string {
	return filepath.Join(repoRoot, ".rlph", "state")
}

func (m *Manager) stateFile() string {
	return filepath.Join(m.stateDir, "state.toml")
}

// Load reads state from disk. A missing or corrupted file yields default
// empty state; corruption is logged, not raised.
func (m *Manager) Load() Data {
	path := m.stateFile()
	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("failed to read state file, resetting", "path", path, "error", err)
		}
		return Data{}
	}

	var data Data
	if err := toml.Unmarshal(content, &data); err != nil {
		m.logger.Warn("corrupted state file, resetting", "path", path, "error", err)
		return Data{}
	}
	return data
}

// Save writes state to disk.
func (m *Manager) Save(data Data) error {
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	f, err := os.Create(m.stateFile())
	if err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(data); err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	return nil
}

// SetCurrentTask replaces any existing current task and records its worktree
// mapping.
func (m *Manager) SetCurrentTask(id, phase, worktreePath string) error {
	data := m.Load()
	data.CurrentTask = &CurrentTask{ID: id, Phase: phase, WorktreePath: worktreePath}
	if data.WorktreeMappings == nil {
		data.WorktreeMappings = map[string]string{}
	}
	data.WorktreeMappings[id] = worktreePath
	return m.Save(data)
}

// UpdatePhase updates only the phase of the current task. No-op when there
// is no current task.
func (m *Manager) UpdatePhase(phase string) error {
	data := m.Load()
	if data.CurrentTask != nil {
		data.CurrentTask.Phase = phase
	}
	return m.Save(data)
}

// CompleteCurrentTask moves the current task into history with a wall-clock
// timestamp and clears it.
func (m *Manager) CompleteCurrentTask() error {
	data := m.Load()
	if data.CurrentTask != nil {
		data.History = append(data.History, CompletedTask{
			ID:          data.CurrentTask.ID,
			CompletedAt: m.now().Unix(),
		})
		data.CurrentTask = nil
	}
	return m.Save(data)
}

// ClearCurrentTask clears the current task without recording history. Used
// when reconciling with external truth.
func (m *Manager) ClearCurrentTask() error {
	data := m.Load()
	data.CurrentTask = nil
	return m.Save(data)
}

// RemoveWorktreeMapping deletes the mapping for a task id.
func (m *Manager) RemoveWorktreeMapping(taskID string) error {
	data := m.Load()
	delete(data.WorktreeMappings, taskID)
	return m.Save(data)
}

// WorktreePath returns the recorded worktree path for a task, if any.
func (m *Manager) WorktreePath(taskID string) (string, bool) {
	data := m.Load()
	path, ok := data.WorktreeMappings[taskID]
	return path, ok
}
