// Package fix applies fixes to checked findings on an existing PR,
// independently of the main loop.
package fix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bazelment/rlph/config"
	"github.com/bazelment/rlph/orchestrator"
	"github.com/bazelment/rlph/prompts"
	"github.com/bazelment/rlph/runner"
	"github.com/bazelment/rlph/schema"
	"github.com/bazelment/rlph/submission"
	"github.com/bazelment/rlph/worktree"
)

const (
	// MaxConcurrentFixes bounds the number of fix agents running at once.
	MaxConcurrentFixes = 3
	// MaxPushAttempts bounds push retries (rebase+retry on conflict).
	MaxPushAttempts = 3
	// MaxFetchAttempts bounds fetch retries (git lock contention under
	// concurrency).
	MaxFetchAttempts = 3

	fetchRetryDelay = 1 * time.Second
)

// commentUpdateLock is the process-wide single-writer lock around every
// fetch-modify-write of the review comment. Holding it for the whole
// sequence is the sole protection against lost checkbox updates when fixes
// complete near-simultaneously.
var commentUpdateLock = make(chan struct{}, 1)

// Worktrees is the slice of the worktree manager the coordinator needs.
type Worktrees interface {
	CreateFresh(ctx context.Context, fixBranch, sourceBranch string) (*worktree.Info, error)
	Remove(ctx context.Context, worktreePath string) error
}

// Coordinator runs fix agents for checked findings on one PR.
type Coordinator struct {
	cfg        *config.Config
	submission submission.Backend
	prompts    *prompts.Engine
	worktrees  Worktrees
	factory    orchestrator.RunnerFactory
	correction orchestrator.CorrectionRunner
	git        worktree.GitRunner
	logger     *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorktrees overrides the worktree provider.
func WithWorktrees(w Worktrees) Option {
	return func(c *Coordinator) { c.worktrees = w }
}

// WithRunnerFactory overrides the fix runner factory.
func WithRunnerFactory(f orchestrator.RunnerFactory) Option {
	return func(c *Coordinator) { c.factory = f }
}

// WithCorrectionRunner overrides the session-resume correction runner.
func WithCorrectionRunner(cr orchestrator.CorrectionRunner) Option {
	return func(c *Coordinator) { c.correction = cr }
}

// WithGitRunner overrides the git runner used for rebase and push.
func WithGitRunner(g worktree.GitRunner) Option {
	return func(c *Coordinator) { c.git = g }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator wires a Coordinator for the repo at repoRoot.
func NewCoordinator(cfg *config.Config, backend submission.Backend, promptEngine *prompts.Engine, repoRoot string, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		submission: backend,
		prompts:    promptEngine,
		factory:    orchestrator.DefaultRunnerFactory{Stream: true},
		correction: orchestrator.DefaultCorrectionRunner{},
		git:        &worktree.DefaultGitRunner{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.worktrees == nil {
		c.worktrees = worktree.NewManager(repoRoot, cfg.WorktreeDir, cfg.BaseBranch, worktree.WithLogger(c.logger))
	}
	return c
}

// fixTask is the pre-validated work for one checked finding.
type fixTask struct {
	item      Item
	fixBranch string
	prompt    string
}

// Run fixes every checked finding on the PR concurrently, bounded by
// MaxConcurrentFixes. One failed fix does not stop the others; the first
// error is reported after all complete.
func (c *Coordinator) Run(ctx context.Context, prNumber uint64, prBranch string) error {
	// prBranch comes from the GitHub API: validate at the trust boundary.
	if err := worktree.ValidateBranchName(prBranch); err != nil {
		return err
	}

	c.logger.Info("polling for PR comments", "pr", prNumber)
	items, err := c.fetchItems(prNumber)
	if err != nil {
		return err
	}
	c.logger.Info("parsed fix items from review comment", "total", len(items))

	var eligible []Item
	for _, item := range items {
		if item.State == Checked {
			eligible = append(eligible, item)
		}
	}
	if len(eligible) == 0 {
		c.logger.Info("no checked items found, nothing to fix")
		return nil
	}
	c.logger.Info("found checked items for parallel fix", "count", len(eligible))

	tasks, skipped := c.prepareTasks(prNumber, eligible)
	if skipped == len(eligible) {
		return fmt.Errorf("all %d eligible fix item(s) were skipped due to validation errors", skipped)
	}
	if skipped > 0 {
		c.logger.Warn("some fix items were skipped due to validation errors",
			"skipped", skipped, "total", len(eligible))
	}

	sem := make(chan struct{}, MaxConcurrentFixes)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, task := range tasks {
		wg.Add(1)
		go func(task fixTask) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := c.runSingleFix(ctx, prNumber, prBranch, task); err != nil {
				c.logger.Warn("fix agent failed", "finding", task.item.Finding.ID, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(task)
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("%d fix(es) failed; first: %w", len(errs), errs[0])
	}
	c.logger.Info("all fixes completed successfully", "pr", prNumber)
	return nil
}

// RunLoop polls the review comment for newly checked findings, spawning fix
// agents for items not already in flight, completed, or failed. On shutdown
// it stops accepting new work and joins all in-flight fixes.
func (c *Coordinator) RunLoop(ctx context.Context, prNumber uint64, prBranch string, shutdown <-chan struct{}) error {
	if err := worktree.ValidateBranchName(prBranch); err != nil {
		return err
	}

	pollDuration := time.Duration(c.cfg.PollSeconds) * time.Second
	sem := make(chan struct{}, MaxConcurrentFixes)

	// Tracking sets, owned exclusively by this poller. A finding id lives
	// in at most one of them; transitions only move forward.
	inFlight := map[string]bool{}
	completed := map[string]bool{}
	failed := map[string]bool{}

	type fixDone struct {
		findingID string
		err       error
	}
	results := make(chan fixDone, 16)
	var wg sync.WaitGroup
	var cycle uint64

	drain := func(block bool) {
		for {
			if block {
				done, ok := <-results
				if !ok {
					return
				}
				c.recordDone(done.findingID, done.err, inFlight, completed, failed)
				continue
			}
			select {
			case done := <-results:
				c.recordDone(done.findingID, done.err, inFlight, completed, failed)
			default:
				return
			}
		}
	}

	for {
		cycle++
		if shutdownRequested(shutdown) {
			c.logger.Info("shutdown requested, stopping poll loop")
			break
		}

		drain(false)

		c.logger.Info("polling for newly-checked items",
			"pr", prNumber, "cycle", cycle,
			"inFlight", len(inFlight), "completed", len(completed))
		items, err := c.fetchItems(prNumber)
		if err != nil {
			c.logger.Warn("failed to fetch review comment, retrying next cycle", "cycle", cycle, "error", err)
			if waitOrShutdown(pollDuration, shutdown) {
				break
			}
			continue
		}

		var newlyChecked []Item
		for _, item := range items {
			id := item.Finding.ID
			if item.State == Checked && !inFlight[id] && !completed[id] && !failed[id] {
				newlyChecked = append(newlyChecked, item)
			}
		}
		c.logger.Info("poll cycle summary",
			"cycle", cycle,
			"newlyChecked", len(newlyChecked),
			"inFlight", len(inFlight),
			"completed", len(completed),
			"failed", len(failed))

		tasks, skipped := c.prepareTasks(prNumber, newlyChecked)
		if skipped > 0 {
			c.logger.Warn("some fix items skipped due to validation errors", "skipped", skipped)
		}
		for _, task := range tasks {
			inFlight[task.item.Finding.ID] = true
			wg.Add(1)
			go func(task fixTask) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				err := c.runSingleFix(ctx, prNumber, prBranch, task)
				results <- fixDone{findingID: task.item.Finding.ID, err: err}
			}(task)
		}

		if waitOrShutdown(pollDuration, shutdown) {
			c.logger.Info("shutdown requested during poll wait")
			break
		}
	}

	// Graceful shutdown: join every in-flight fix.
	if len(inFlight) > 0 {
		c.logger.Info("graceful shutdown: waiting for in-flight fix agents", "count", len(inFlight))
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	drain(true)

	c.logger.Info("fix loop finished", "completed", len(completed), "failed", len(failed))
	return nil
}

func (c *Coordinator) recordDone(findingID string, err error, inFlight, completed, failed map[string]bool) {
	delete(inFlight, findingID)
	if err != nil {
		c.logger.Warn("fix agent failed", "finding", findingID, "error", err)
		failed[findingID] = true
		return
	}
	c.logger.Info("fix completed successfully", "finding", findingID)
	completed[findingID] = true
}

// fetchItems reads the marker-tagged review comment and parses its items.
func (c *Coordinator) fetchItems(prNumber uint64) ([]Item, error) {
	comments, err := c.submission.FetchPRComments(prNumber)
	if err != nil {
		return nil, err
	}
	review := submission.FindReviewComment(comments)
	if review == nil {
		return nil, fmt.Errorf("no rlph review comment found on PR #%d", prNumber)
	}
	return ParseItems(review.Body), nil
}

// prepareTasks validates branch names and pre-renders prompts, skipping
// items that fail either.
func (c *Coordinator) prepareTasks(prNumber uint64, items []Item) ([]fixTask, int) {
	var tasks []fixTask
	skipped := 0
	for _, item := range items {
		fixBranch := worktree.FixBranchName(prNumber, item.Finding.ID)
		if err := worktree.ValidateBranchName(fixBranch); err != nil {
			c.logger.Warn("invalid fix branch name, skipping", "finding", item.Finding.ID, "error", err)
			skipped++
			continue
		}
		prompt, err := c.prompts.RenderPhase(c.cfg.Fix.Prompt, findingVars(item))
		if err != nil {
			c.logger.Warn("failed to render prompt, skipping", "finding", item.Finding.ID, "error", err)
			skipped++
			continue
		}
		c.logger.Info("spawning fix agent",
			"finding", item.Finding.ID,
			"file", item.Finding.File,
			"line", item.Finding.Line,
			"severity", item.Finding.Severity.Label(),
		)
		tasks = append(tasks, fixTask{item: item, fixBranch: fixBranch, prompt: prompt})
	}
	return tasks, skipped
}

// findingVars builds template variables from a fix item's finding.
func findingVars(item Item) map[string]string {
	return map[string]string{
		"finding_id":          item.Finding.ID,
		"finding_file":        item.Finding.File,
		"finding_line":        fmt.Sprintf("%d", item.Finding.Line),
		"finding_severity":    item.Finding.Severity.Label(),
		"finding_description": item.Finding.Description,
		"finding_depends_on":  strings.Join(item.Finding.DependsOn, ", "),
	}
}

// runSingleFix runs one fix end to end: fresh worktree, agent, parse,
// rebase+push, comment update, cleanup. The worktree is removed even on
// error.
func (c *Coordinator) runSingleFix(ctx context.Context, prNumber uint64, prBranch string, task fixTask) error {
	log := c.logger.With("finding", task.item.Finding.ID)

	info, err := c.worktrees.CreateFresh(ctx, task.fixBranch, prBranch)
	if err != nil {
		return err
	}
	log.Info("created fix worktree", "path", info.Path, "branch", task.fixBranch)

	fixErr := c.runFixAgentAndApply(ctx, prNumber, prBranch, task, info, log)

	log.Info("cleaning up fix worktree", "path", info.Path)
	if err := c.worktrees.Remove(ctx, info.Path); err != nil {
		log.Warn("failed to clean up fix worktree", "error", err)
	}
	return fixErr
}

func (c *Coordinator) runFixAgentAndApply(ctx context.Context, prNumber uint64, prBranch string, task fixTask, info *worktree.Info, log *slog.Logger) error {
	log.Info("spawning fix agent")
	agent := c.factory.StepRunner(c.cfg.Fix, c.cfg.AgentTimeoutRetries, "fix")
	result, err := agent.Run(ctx, runner.PhaseFix, task.prompt, info.Path)
	if err != nil {
		return err
	}

	output, err := c.parseFixWithRetry(ctx, result, info.Path)
	if err != nil {
		return err
	}
	log.Info("fix agent completed", "status", output.Status)

	var resolution Resolution
	switch output.Status {
	case schema.StandaloneFixed:
		log.Info("fix applied, rebasing and pushing", "commitMessage", output.CommitMessage)
		if err := c.pushToPRBranchWithRetry(ctx, info.Path, task.fixBranch, prBranch); err != nil {
			return err
		}
		resolution = Resolution{Status: schema.StandaloneFixed, Message: output.CommitMessage}
	case schema.StandaloneWontFix:
		log.Info("finding marked as won't fix", "reason", output.Reason)
		resolution = Resolution{Status: schema.StandaloneWontFix, Message: output.Reason}
	}

	// Re-fetch and update the comment under the single-writer lock so
	// concurrent fixes cannot overwrite each other's checkbox updates.
	select {
	case commentUpdateLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-commentUpdateLock }()

	log.Info("re-fetching review comment", "pr", prNumber)
	comments, err := c.submission.FetchPRComments(prNumber)
	if err != nil {
		return err
	}
	review := submission.FindReviewComment(comments)
	if review == nil {
		return fmt.Errorf("review comment disappeared from PR #%d", prNumber)
	}

	updated := UpdateComment(review.Body, task.item.Finding.ID, resolution)
	log.Info("updating review comment", "pr", prNumber)
	return c.submission.UpsertReviewComment(prNumber, updated)
}

// parseFixWithRetry parses the standalone fix output, correcting via
// session resume. Exhausted correction fails this one fix only.
func (c *Coordinator) parseFixWithRetry(ctx context.Context, result *runner.RunResult, workingDir string) (*schema.StandaloneFixOutput, error) {
	output, err := schema.ParseStandaloneFixOutput(result.Stdout)
	if err == nil {
		return output, nil
	}
	recovered, ok := orchestrator.RetryWithCorrection(ctx, c.correction, c.logger,
		result.SessionID, c.cfg.Fix.Runner, stepOptions(c.cfg.Fix),
		schema.NameStandaloneFix, err.Error(), workingDir, schema.ParseStandaloneFixOutput)
	if !ok {
		return nil, fmt.Errorf("fix agent JSON parse failed and correction unsuccessful: %w", err)
	}
	return recovered, nil
}

func stepOptions(step config.ReviewStep) runner.Options {
	return runner.Options{
		Binary:  step.AgentBinary,
		Model:   step.AgentModel,
		Effort:  step.AgentEffort,
		Variant: step.AgentVariant,
		Timeout: step.AgentTimeout,
	}
}

func shutdownRequested(shutdown <-chan struct{}) bool {
	if shutdown == nil {
		return false
	}
	select {
	case <-shutdown:
		return true
	default:
		return false
	}
}

// waitOrShutdown sleeps for the poll interval, waking early on shutdown.
func waitOrShutdown(d time.Duration, shutdown <-chan struct{}) bool {
	if shutdown == nil {
		time.Sleep(d)
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-shutdown:
		return true
	}
}
