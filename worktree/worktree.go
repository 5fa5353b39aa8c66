// Package worktree manages isolated git worktrees bound to task branches.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Info describes a created worktree: the path exists on disk, is a git
// worktree, and the branch is checked out in it.
type Info struct {
	Path   string
	Branch string
}

// Manager creates and removes worktrees under a base directory.
type Manager struct {
	git        GitRunner
	logger     *slog.Logger
	repoRoot   string
	baseDir    string
	baseBranch string
}

// Option configures a Manager.
type Option func(*Manager)

// WithGitRunner sets a custom git runner.
func WithGitRunner(r GitRunner) Option {
	return func(m *Manager) { m.git = r }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager rooted at repoRoot that places worktrees under
// baseDir and branches them off baseBranch.
func NewManager(repoRoot, baseDir, baseBranch string, opts ...Option) *Manager {
	m := &Manager{
		repoRoot:   repoRoot,
		baseDir:    baseDir,
		baseBranch: baseBranch,
		git:        &DefaultGitRunner{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the worktree directory name for an issue: rlph-<n>-<slug>.
func Name(issueNumber uint64, slug string) string {
	return fmt.Sprintf("rlph-%d-%s", issueNumber, slug)
}

// PRName returns the worktree directory name for a PR: rlph-pr-<n>-<slug>.
func PRName(prNumber uint64, slug string) string {
	return fmt.Sprintf("rlph-pr-%d-%s", prNumber, slug)
}

// FixBranchName returns the branch name for a standalone fix:
// rlph-fix-<pr>-<finding_id>.
func FixBranchName(prNumber uint64, findingID string) string {
	return fmt.Sprintf("rlph-fix-%d-%s", prNumber, findingID)
}

// Slugify lowercases a title, maps non-alphanumerics to hyphens, collapses
// runs, trims, and truncates to 50 characters.
func Slugify(title string) string {
	var b strings.Builder
	prevHyphen := false
	for _, c := range strings.ToLower(title) {
		isAlnum := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
		if isAlnum {
			b.WriteRune(c)
			prevHyphen = false
			continue
		}
		if !prevHyphen && b.Len() > 0 {
			b.WriteByte('-')
		}
		prevHyphen = true
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if len(slug) > 50 {
		slug = slug[:50]
		slug = strings.TrimSuffix(slug, "-")
	}
	return slug
}

// Create makes (or reuses) a worktree for an issue. The branch is created
// from origin/<base> when available, falling back to the local base branch.
func (m *Manager) Create(ctx context.Context, issueNumber uint64, slug string) (*Info, error) {
	if existing, err := m.FindExisting(ctx, issueNumber); err != nil {
		return nil, err
	} else if existing != nil {
		m.logger.Info("reusing existing worktree", "issue", issueNumber, "path", existing.Path)
		return existing, nil
	}

	name := Name(issueNumber, slug)
	branch := name
	info, err := m.addWorktree(ctx, name, branch)
	if err != nil {
		return nil, err
	}
	m.logger.Info("created worktree", "issue", issueNumber, "path", info.Path, "branch", info.Branch)
	return info, nil
}

// CreateForBranch makes a worktree for an existing PR branch, fetched from
// origin, named rlph-pr-<n>-<slug>.
func (m *Manager) CreateForBranch(ctx context.Context, prNumber uint64, branch string) (*Info, error) {
	if err := ValidateBranchName(branch); err != nil {
		return nil, fmt.Errorf("invalid PR branch name: %w", err)
	}
	name := PRName(prNumber, Slugify(branch))
	path := filepath.Join(m.baseDir, name)

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base dir %s: %w", m.baseDir, err)
	}

	if _, err := m.git.Run(ctx, []string{"fetch", "origin", branch}, m.repoRoot); err != nil {
		return nil, fmt.Errorf("failed to fetch origin/%s: %w", branch, err)
	}

	// Reuse a local branch when one exists, otherwise track origin.
	var addErr error
	if _, err := m.git.Run(ctx, []string{"rev-parse", "--verify", "refs/heads/" + branch}, m.repoRoot); err == nil {
		_, addErr = m.git.Run(ctx, []string{"worktree", "add", path, branch}, m.repoRoot)
	} else {
		_, addErr = m.git.Run(ctx, []string{"worktree", "add", "-b", branch, path, "origin/" + branch}, m.repoRoot)
	}
	if addErr != nil {
		return nil, fmt.Errorf("git worktree add failed for %s: %w", path, addErr)
	}

	return &Info{Path: canonicalize(path), Branch: branch}, nil
}

// CreateFresh makes a brand-new worktree on fixBranch starting from
// origin/<sourceBranch>. Any stale local fixBranch is deleted first.
func (m *Manager) CreateFresh(ctx context.Context, fixBranch, sourceBranch string) (*Info, error) {
	if err := ValidateBranchName(fixBranch); err != nil {
		return nil, fmt.Errorf("invalid fix branch name: %w", err)
	}
	if err := ValidateBranchName(sourceBranch); err != nil {
		return nil, fmt.Errorf("invalid source branch name: %w", err)
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base dir %s: %w", m.baseDir, err)
	}

	if _, err := m.git.Run(ctx, []string{"fetch", "origin", sourceBranch}, m.repoRoot); err != nil {
		return nil, fmt.Errorf("failed to fetch origin/%s: %w", sourceBranch, err)
	}

	_, _ = m.git.Run(ctx, []string{"worktree", "prune"}, m.repoRoot)
	if _, err := m.git.Run(ctx, []string{"rev-parse", "--verify", "refs/heads/" + fixBranch}, m.repoRoot); err == nil {
		if _, err := m.git.Run(ctx, []string{"branch", "-D", fixBranch}, m.repoRoot); err != nil {
			m.logger.Warn("failed to delete stale fix branch", "branch", fixBranch, "error", err)
		}
	}

	path := filepath.Join(m.baseDir, fixBranch)
	if _, err := m.git.Run(ctx, []string{"worktree", "add", "-b", fixBranch, path, "origin/" + sourceBranch}, m.repoRoot); err != nil {
		return nil, fmt.Errorf("git worktree add failed for %s: %w", path, err)
	}

	return &Info{Path: canonicalize(path), Branch: fixBranch}, nil
}

// FindExisting returns the worktree matching the rlph-<n>- prefix, or nil.
func (m *Manager) FindExisting(ctx context.Context, issueNumber uint64) (*Info, error) {
	_, _ = m.git.Run(ctx, []string{"worktree", "prune"}, m.repoRoot)

	result, err := m.git.Run(ctx, []string{"worktree", "list", "--porcelain"}, m.repoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	prefix := fmt.Sprintf("rlph-%d-", issueNumber)
	for _, wt := range parsePorcelainList(result.Stdout) {
		if strings.HasPrefix(filepath.Base(wt.Path), prefix) {
			if wt.Branch == "" {
				wt.Branch = filepath.Base(wt.Path)
			}
			found := wt
			return &found, nil
		}
	}
	return nil, nil
}

// Remove prunes stale entries, force-removes the worktree, then deletes its
// branch. Branch-delete failures warn but do not fail. Safe to call after a
// failed Create.
func (m *Manager) Remove(ctx context.Context, worktreePath string) error {
	worktreePath = canonicalize(worktreePath)
	branch := m.branchForWorktree(ctx, worktreePath)

	_, _ = m.git.Run(ctx, []string{"worktree", "prune"}, m.repoRoot)

	if _, err := m.git.Run(ctx, []string{"worktree", "remove", "--force", worktreePath}, m.repoRoot); err != nil {
		return fmt.Errorf("failed to remove worktree %s: %w", worktreePath, err)
	}
	m.logger.Info("removed worktree", "path", worktreePath)

	if branch != "" {
		if _, err := m.git.Run(ctx, []string{"branch", "-D", branch}, m.repoRoot); err != nil {
			m.logger.Warn("failed to delete branch", "branch", branch, "error", err)
		} else {
			m.logger.Info("deleted branch", "branch", branch)
		}
	}
	return nil
}

func (m *Manager) addWorktree(ctx context.Context, name, branch string) (*Info, error) {
	path := filepath.Join(m.baseDir, name)

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base dir %s: %w", m.baseDir, err)
	}

	// Best-effort refresh of the base branch.
	_, _ = m.git.Run(ctx, []string{"fetch", "origin", m.baseBranch}, m.repoRoot)

	originRef := "origin/" + m.baseBranch
	var startPoint string
	if _, err := m.git.Run(ctx, []string{"rev-parse", "--verify", originRef}, m.repoRoot); err == nil {
		startPoint = originRef
	} else if _, err := m.git.Run(ctx, []string{"rev-parse", "--verify", m.baseBranch}, m.repoRoot); err == nil {
		startPoint = m.baseBranch
	} else {
		return nil, fmt.Errorf("base branch %q not found locally or on origin", m.baseBranch)
	}

	_, err := m.git.Run(ctx, []string{"worktree", "add", "-b", branch, path, startPoint}, m.repoRoot)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		// Branch exists from a prior run; check it out instead.
		_, err = m.git.Run(ctx, []string{"worktree", "add", path, branch}, m.repoRoot)
	}
	if err != nil {
		return nil, fmt.Errorf("git worktree add failed for %s: %w", path, err)
	}

	return &Info{Path: canonicalize(path), Branch: branch}, nil
}

func (m *Manager) branchForWorktree(ctx context.Context, worktreePath string) string {
	result, err := m.git.Run(ctx, []string{"worktree", "list", "--porcelain"}, m.repoRoot)
	if err != nil {
		return ""
	}
	for _, wt := range parsePorcelainList(result.Stdout) {
		if wt.Path == worktreePath {
			return wt.Branch
		}
	}
	return ""
}

// parsePorcelainList parses `git worktree list --porcelain` output.
func parsePorcelainList(output string) []Info {
	var worktrees []Info
	var current Info
	flush := func() {
		if current.Path != "" {
			worktrees = append(worktrees, current)
		}
		current = Info{}
	}
	for _, line := range strings.Split(output, "\n") {
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return worktrees
}

// canonicalize resolves symlinks (e.g. /var -> /private/var on macOS) so
// paths match git's own output.
func canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}
