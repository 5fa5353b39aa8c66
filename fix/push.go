package fix

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bazelment/rlph/worktree"
)

// pushToPRBranchWithRetry pushes <fixBranch>:<prBranch> to origin. The
// worktree was just created from origin/<prBranch>, so the first attempt
// skips the rebase. A rejected push (another fix landed first) triggers
// fetch+rebase+retry, up to MaxPushAttempts overall.
func (c *Coordinator) pushToPRBranchWithRetry(ctx context.Context, worktreePath, fixBranch, prBranch string) error {
	refspec := fixBranch + ":" + prBranch
	lastErr := ""
	for attempt := 1; attempt <= MaxPushAttempts; attempt++ {
		if attempt > 1 {
			if err := c.rebaseOnto(ctx, worktreePath, prBranch); err != nil {
				return err
			}
		}

		_, err := worktree.GitInDir(ctx, c.git, worktreePath, "push", "origin", refspec)
		if err == nil {
			c.logger.Info("pushed fix to PR branch", "refspec", refspec, "attempt", attempt)
			return nil
		}

		stderr := err.Error()
		isConflict := strings.Contains(stderr, "non-fast-forward") ||
			strings.Contains(stderr, "fetch first") ||
			strings.Contains(stderr, "[rejected]")
		if isConflict && attempt < MaxPushAttempts {
			c.logger.Warn("push conflict, retrying with fetch+rebase",
				"attempt", attempt, "max", MaxPushAttempts, "error", strings.TrimSpace(stderr))
		}
		lastErr = stderr
	}
	return fmt.Errorf("git push origin %s failed after %d attempts: %s", refspec, MaxPushAttempts, lastErr)
}

// rebaseOnto rebases the worktree onto origin/<prBranch>. A merge conflict
// aborts the rebase and fails the fix.
func (c *Coordinator) rebaseOnto(ctx context.Context, worktreePath, prBranch string) error {
	if err := c.fetchWithRetry(ctx, worktreePath, prBranch); err != nil {
		return err
	}

	remoteRef := "origin/" + prBranch
	if _, err := worktree.GitInDir(ctx, c.git, worktreePath, "rebase", remoteRef); err != nil {
		_, _ = worktree.GitInDir(ctx, c.git, worktreePath, "rebase", "--abort")
		return fmt.Errorf("git rebase onto %s failed: %w", remoteRef, err)
	}
	c.logger.Info("rebased onto latest PR branch", "ref", remoteRef)
	return nil
}

// fetchWithRetry fetches a ref from origin, retrying to ride out git-lock
// contention between concurrent fixes.
func (c *Coordinator) fetchWithRetry(ctx context.Context, worktreePath, refspec string) error {
	lastErr := ""
	for attempt := 1; attempt <= MaxFetchAttempts; attempt++ {
		_, err := worktree.GitInDir(ctx, c.git, worktreePath, "fetch", "origin", refspec)
		if err == nil {
			return nil
		}
		lastErr = err.Error()
		c.logger.Warn("git fetch failed",
			"refspec", refspec, "attempt", attempt, "max", MaxFetchAttempts,
			"error", strings.TrimSpace(lastErr))
		if attempt < MaxFetchAttempts {
			select {
			case <-time.After(fetchRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("git fetch origin %s failed after %d attempts: %s",
		refspec, MaxFetchAttempts, strings.TrimSpace(lastErr))
}
