package worktree

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CmdResult holds git command execution results.
type CmdResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// GitRunner executes git commands.
type GitRunner interface {
	Run(ctx context.Context, args []string, dir string) (*CmdResult, error)
}

// DefaultGitRunner implements GitRunner using os/exec.
type DefaultGitRunner struct{}

// Run executes a git command in dir.
func (r *DefaultGitRunner) Run(ctx context.Context, args []string, dir string) (*CmdResult, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	stdout, err := cmd.Output()
	result := &CmdResult{Stdout: string(stdout)}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.Stderr = string(exitErr.Stderr)
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(result.Stderr))
	}

	return result, err
}

// GitInDir runs a git command in dir and returns trimmed stdout. Failures
// return the stderr text as the error.
func GitInDir(ctx context.Context, git GitRunner, dir string, args ...string) (string, error) {
	result, err := git.Run(ctx, args, dir)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}
