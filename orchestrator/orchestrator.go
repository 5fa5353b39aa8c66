// Package orchestrator coordinates one end-to-end iteration of the
// autonomous loop: fetch, filter, choose, implement, submit, review, fix.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/sync/errgroup"

	"github.com/bazelment/rlph/config"
	"github.com/bazelment/rlph/deps"
	"github.com/bazelment/rlph/prompts"
	"github.com/bazelment/rlph/runner"
	"github.com/bazelment/rlph/schema"
	"github.com/bazelment/rlph/sources"
	"github.com/bazelment/rlph/state"
	"github.com/bazelment/rlph/submission"
	"github.com/bazelment/rlph/worktree"
)

// maxCorrectionAttempts bounds the session-resume correction loop.
const maxCorrectionAttempts = 2

// IterationOutcome describes what one iteration did.
type IterationOutcome int

const (
	ProcessedTask IterationOutcome = iota
	NoEligibleTasks
)

// ReviewInvocation describes a review-only run for an already-open PR.
type ReviewInvocation struct {
	TaskIDForState     string
	MarkInReviewTaskID string // empty = do not mark
	WorktreeInfo       *worktree.Info
	Vars               map[string]string
	CommentPRNumber    uint64 // 0 = no PR comments
	PushRemoteBranch   string // empty = push the worktree branch
}

// Orchestrator composes the ports and drives the pipeline.
type Orchestrator struct {
	source     sources.TaskSource
	agent      runner.AgentRunner
	submission submission.Backend
	worktrees  Worktrees
	state      *state.Manager
	prompts    *prompts.Engine
	cfg        *config.Config
	repoRoot   string

	factory    RunnerFactory
	reporter   Reporter
	correction CorrectionRunner
	git        worktree.GitRunner
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunnerFactory overrides the review runner factory.
func WithRunnerFactory(f RunnerFactory) Option {
	return func(o *Orchestrator) { o.factory = f }
}

// WithReporter overrides the progress reporter.
func WithReporter(r Reporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

// WithCorrectionRunner overrides the session-resume correction runner.
func WithCorrectionRunner(c CorrectionRunner) Option {
	return func(o *Orchestrator) { o.correction = c }
}

// WithGitRunner overrides the git runner used for pushes.
func WithGitRunner(g worktree.GitRunner) Option {
	return func(o *Orchestrator) { o.git = g }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New wires an Orchestrator.
func New(
	source sources.TaskSource,
	agent runner.AgentRunner,
	backend submission.Backend,
	worktrees Worktrees,
	stateMgr *state.Manager,
	promptEngine *prompts.Engine,
	cfg *config.Config,
	repoRoot string,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		source:     source,
		agent:      agent,
		submission: backend,
		worktrees:  worktrees,
		state:      stateMgr,
		prompts:    promptEngine,
		cfg:        cfg,
		repoRoot:   repoRoot,
		factory:    DefaultRunnerFactory{Stream: true},
		reporter:   NewStderrReporter(),
		correction: DefaultCorrectionRunner{},
		git:        &worktree.DefaultGitRunner{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunOnce runs a single iteration.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	_, err := o.RunIteration(ctx)
	return err
}

// RunIteration executes one full pipeline pass.
func (o *Orchestrator) RunIteration(ctx context.Context) (IterationOutcome, error) {
	// 1. Fetch eligible tasks and filter by dependency graph.
	o.reporter.FetchingTasks()
	o.logger.Info("fetching eligible tasks")
	tasks, err := o.source.FetchEligibleTasks()
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		o.logger.Info("no eligible tasks found")
		return NoEligibleTasks, nil
	}

	doneIDs, err := o.source.FetchClosedTaskIDs()
	if err != nil {
		return 0, err
	}
	tasks = deps.Build(tasks).FilterEligible(tasks, doneIDs)
	if len(tasks) == 0 {
		o.logger.Info("no unblocked tasks found")
		return NoEligibleTasks, nil
	}
	o.logger.Info("found eligible tasks", "count", len(tasks))
	o.reporter.TasksFound(len(tasks))

	// 2. Choose phase; skipped when only one task remains.
	taskID, err := o.chooseTask(ctx, tasks)
	if err != nil {
		return 0, err
	}
	issueNumber, err := ParseIssueNumber(taskID)
	if err != nil {
		return 0, err
	}
	o.logger.Info("selected task", "task", taskID, "issue", issueNumber)

	// 3. Existing-PR lookup.
	var existingPR uint64
	if o.cfg.DryRun {
		o.logger.Info("dry run, skipping existing PR lookup")
	} else {
		existingPR, err = o.submission.FindExistingPRForIssue(issueNumber)
		if err != nil {
			return 0, err
		}
		if existingPR > 0 {
			o.logger.Info("existing PR found", "pr", existingPR, "issue", issueNumber)
		} else {
			o.logger.Info("no existing PR found", "issue", issueNumber)
		}
	}

	// 4. Task details.
	task, err := o.source.GetTaskDetails(strconv.FormatUint(issueNumber, 10))
	if err != nil {
		return 0, err
	}
	o.logger.Info("task details", "id", task.ID, "title", task.Title)
	o.reporter.TaskSelected(issueNumber, task.Title)

	// 5. Mark in-progress.
	if !o.cfg.DryRun {
		o.logger.Info("marking task in-progress")
		if err := o.source.MarkInProgress(task.ID); err != nil {
			return 0, err
		}
	}

	// 6. Worktree.
	o.logger.Info("creating worktree")
	info, err := o.worktrees.Create(ctx, issueNumber, worktree.Slugify(task.Title))
	if err != nil {
		return 0, err
	}
	o.logger.Info("worktree created", "path", info.Path, "branch", info.Branch)

	if err := o.state.SetCurrentTask(taskID, "implement", info.Path); err != nil {
		return 0, err
	}

	// 7-11. Implement, submit, review; clean up on success. On failure the
	// current-task state and worktree survive for post-mortem.
	if err := o.runImplementReview(ctx, &task, issueNumber, info, existingPR); err != nil {
		o.logger.Warn("iteration failed", "error", err)
		return 0, err
	}

	// Marking done is skipped: GitHub auto-closes the issue when the PR
	// with "Resolves #N" merges.
	if err := o.state.CompleteCurrentTask(); err != nil {
		return 0, err
	}

	o.logger.Info("cleaning up worktree")
	if err := o.worktrees.Remove(ctx, info.Path); err != nil {
		o.logger.Warn("failed to clean up worktree", "error", err)
	}
	if err := o.state.RemoveWorktreeMapping(taskID); err != nil {
		o.logger.Warn("failed to remove worktree mapping", "error", err)
	}

	o.logger.Info("iteration complete")
	o.reporter.IterationComplete(issueNumber, task.Title)
	return ProcessedTask, nil
}

// RunReviewForExistingPR runs only the review pipeline against an
// already-open PR's worktree.
func (o *Orchestrator) RunReviewForExistingPR(ctx context.Context, inv ReviewInvocation) error {
	if err := o.state.SetCurrentTask(inv.TaskIDForState, "review", inv.WorktreeInfo.Path); err != nil {
		return err
	}

	if !o.cfg.DryRun && inv.MarkInReviewTaskID != "" {
		if err := o.source.MarkInReview(inv.MarkInReviewTaskID); err != nil {
			return err
		}
	}

	err := o.runReviewPipeline(ctx, inv.Vars, inv.WorktreeInfo, inv.CommentPRNumber, inv.PushRemoteBranch, true)
	if err != nil {
		o.logger.Warn("review-only run failed", "error", err)
		return err
	}

	if err := o.state.CompleteCurrentTask(); err != nil {
		return err
	}
	o.logger.Info("cleaning up worktree")
	if err := o.worktrees.Remove(ctx, inv.WorktreeInfo.Path); err != nil {
		o.logger.Warn("failed to clean up worktree", "error", err)
	}
	if err := o.state.RemoveWorktreeMapping(inv.TaskIDForState); err != nil {
		o.logger.Warn("failed to remove worktree mapping", "error", err)
	}
	o.logger.Info("review-only run complete")
	return nil
}

// chooseTask runs the choose agent unless exactly one task remains. The
// agent records its selection in .rlph/task.toml, which is read, deleted,
// and validated.
func (o *Orchestrator) chooseTask(ctx context.Context, tasks []sources.Task) (string, error) {
	if len(tasks) == 1 {
		id := "gh-" + tasks[0].ID
		o.logger.Info("auto-selected only eligible task", "task", id)
		return id, nil
	}

	o.logger.Info("running choose phase")
	issuesJSON, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize tasks: %w", err)
	}
	prompt, err := o.prompts.RenderPhase("choose", map[string]string{
		"repo_path":   o.repoRoot,
		"issues_json": string(issuesJSON),
	})
	if err != nil {
		return "", err
	}
	if _, err := o.agent.Run(ctx, runner.PhaseChoose, prompt, o.repoRoot); err != nil {
		return "", err
	}
	return o.parseTaskSelection()
}

// parseTaskSelection reads the id the choose agent wrote and removes the
// handoff file.
func (o *Orchestrator) parseTaskSelection() (string, error) {
	path := filepath.Join(o.repoRoot, ".rlph", "task.toml")
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read task selection %s: %w", path, err)
	}
	var selection struct {
		ID string `toml:"id"`
	}
	if err := toml.Unmarshal(content, &selection); err != nil {
		return "", fmt.Errorf("failed to parse task selection: %w", err)
	}
	_ = os.Remove(path)

	if _, err := ParseIssueNumber(selection.ID); err != nil {
		return "", err
	}
	return selection.ID, nil
}

// runImplementReview is the inner pipeline after worktree creation.
func (o *Orchestrator) runImplementReview(ctx context.Context, task *sources.Task, issueNumber uint64, info *worktree.Info, existingPR uint64) error {
	vars := o.initialTaskVars(task, info)

	// 7. Implement.
	o.reporter.ImplementStarted()
	o.logger.Info("running implement phase")
	implPrompt, err := o.prompts.RenderPhase("implement", vars)
	if err != nil {
		return err
	}
	if _, err := o.agent.Run(ctx, runner.PhaseImplement, implPrompt, info.Path); err != nil {
		return err
	}

	// 8. Push.
	if !o.cfg.DryRun {
		o.logger.Info("pushing branch")
		if err := o.pushBranch(ctx, info); err != nil {
			return err
		}
	}

	// 9. Submit PR, unless one already exists.
	var prNumber uint64
	switch {
	case existingPR > 0:
		o.logger.Info("skipping PR submission, existing PR", "pr", existingPR)
		prNumber = existingPR
	case !o.cfg.DryRun:
		o.logger.Info("submitting PR")
		body := fmt.Sprintf("Resolves #%d\n\nAutomated implementation by rlph.", issueNumber)
		result, err := o.submission.Submit(info.Branch, o.cfg.BaseBranch, task.Title, body)
		if err != nil {
			return err
		}
		o.logger.Info("PR created", "url", result.URL)
		o.reporter.PrCreated(result.URL)
		vars["pr_url"] = result.URL
		prNumber = result.Number
	default:
		o.logger.Info("dry run, skipping PR submission")
	}

	// 10. Mark in-review.
	if !o.cfg.DryRun {
		if err := o.source.MarkInReview(task.ID); err != nil {
			return err
		}
	}

	// 11. Review pipeline.
	return o.runReviewPipeline(ctx, vars, info, prNumber, "", false)
}

type reviewPhaseOutput struct {
	name      string
	stdout    string
	sessionID string
}

// runReviewPipeline runs up to max review rounds: concurrent phases, then
// the aggregator, then (unless approved or review-only) the fix agent.
// Malformed JSON restarts the round after correction is exhausted.
func (o *Orchestrator) runReviewPipeline(ctx context.Context, vars map[string]string, info *worktree.Info, prNumber uint64, pushRemoteBranch string, reviewOnly bool) error {
	if err := o.state.UpdatePhase("review"); err != nil {
		return err
	}

	maxReviews := o.cfg.MaxReviewRounds
	if reviewOnly {
		maxReviews = 1
	}

	phaseNames := make([]string, 0, len(o.cfg.ReviewPhases))
	for _, p := range o.cfg.ReviewPhases {
		phaseNames = append(phaseNames, p.Name)
	}
	o.reporter.PhasesStarted(phaseNames)

	reviewPassed := false
	lastJSONFailure := ""

rounds:
	for round := 1; round <= maxReviews; round++ {
		o.logger.Info("review round", "round", round, "max", maxReviews)

		// All phases in a round see the same PR-comment snapshot.
		prCommentsText := "No PR associated with this review."
		hasPRComments := false
		if prNumber > 0 {
			comments, err := o.submission.FetchPRComments(prNumber)
			if err != nil {
				o.logger.Warn("failed to fetch PR comments", "error", err)
				prCommentsText = "Failed to fetch PR comments."
			} else {
				hasPRComments = len(comments) > 0
				prCommentsText = submission.FormatPRCommentsForPrompt(comments, prNumber)
			}
		}
		prNumberStr := ""
		if prNumber > 0 {
			prNumberStr = strconv.FormatUint(prNumber, 10)
		}

		// Run the configured review phases concurrently.
		outputs := make([]reviewPhaseOutput, len(o.cfg.ReviewPhases))
		g, gctx := errgroup.WithContext(ctx)
		for i, phaseCfg := range o.cfg.ReviewPhases {
			phaseVars := cloneVars(vars)
			phaseVars["review_phase_name"] = phaseCfg.Name
			phaseVars["pr_comments"] = prCommentsText
			phaseVars["pr_number"] = prNumberStr
			// Templates treat the empty string as falsy.
			phaseVars["has_pr_comments"] = ""
			if hasPRComments {
				phaseVars["has_pr_comments"] = "true"
			}

			prompt, err := o.prompts.RenderPhase(phaseCfg.Prompt, phaseVars)
			if err != nil {
				return err
			}
			phaseRunner := o.factory.PhaseRunner(phaseCfg, o.cfg.AgentTimeoutRetries)
			i, phaseCfg := i, phaseCfg
			g.Go(func() error {
				result, err := phaseRunner.Run(gctx, runner.PhaseReview, prompt, info.Path)
				if err != nil {
					return err
				}
				outputs[i] = reviewPhaseOutput{
					name:      phaseCfg.Name,
					stdout:    result.Stdout,
					sessionID: result.SessionID,
				}
				o.reporter.PhaseComplete(phaseCfg.Name)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		// Parse each phase output, correcting via session resume.
		reviewTexts := make([]string, 0, len(outputs))
		for i, out := range outputs {
			phaseCfg := o.cfg.ReviewPhases[i]
			phase, err := schema.ParsePhaseOutput(out.stdout)
			if err != nil {
				recovered, ok := RetryWithCorrection(ctx, o.correction, o.logger,
					out.sessionID, phaseCfg.Runner, phaseOptions(phaseCfg),
					schema.NamePhase, err.Error(), info.Path, schema.ParsePhaseOutput)
				if !ok {
					o.logger.Warn("phase JSON correction exhausted, retrying round",
						"phase", out.name, "error", err)
					lastJSONFailure = fmt.Sprintf("review phase %q malformed JSON: %v", out.name, err)
					continue rounds
				}
				phase = recovered
			}
			rendered := schema.RenderFindingsForPrompt(phase.Findings, out.name)
			reviewTexts = append(reviewTexts, fmt.Sprintf("## Review Phase: %s\n\n%s", out.name, rendered))
		}

		// Aggregate.
		aggCfg := o.cfg.ReviewAggregate
		aggVars := cloneVars(vars)
		aggVars["review_outputs"] = strings.Join(reviewTexts, "\n\n---\n\n")
		aggVars["pr_comments"] = prCommentsText
		aggVars["pr_number"] = prNumberStr

		aggPrompt, err := o.prompts.RenderPhase(aggCfg.Prompt, aggVars)
		if err != nil {
			return err
		}
		aggRunner := o.factory.StepRunner(aggCfg, o.cfg.AgentTimeoutRetries, "aggregate")
		aggResult, err := aggRunner.Run(ctx, runner.PhaseReviewAggregate, aggPrompt, info.Path)
		if err != nil {
			return err
		}

		aggOutput, err := schema.ParseAggregatorOutput(aggResult.Stdout)
		if err != nil {
			recovered, ok := RetryWithCorrection(ctx, o.correction, o.logger,
				aggResult.SessionID, aggCfg.Runner, stepOptions(aggCfg),
				schema.NameAggregator, err.Error(), info.Path, schema.ParseAggregatorOutput)
			if !ok {
				o.logger.Warn("aggregator JSON correction failed, retrying round", "error", err)
				lastJSONFailure = fmt.Sprintf("aggregator malformed JSON: %v", err)
				continue rounds
			}
			aggOutput = recovered
		}

		// One marker-tagged comment per PR; later rounds update it.
		commentBody := submission.ReviewMarker + "\n" +
			schema.RenderFindingsForGitHub(aggOutput.Findings, aggOutput.Comment)
		if summary := strings.TrimSpace(aggOutput.Comment); summary != "" {
			o.reporter.ReviewSummary(summary)
		}
		if prNumber > 0 && !o.cfg.DryRun {
			if err := o.submission.UpsertReviewComment(prNumber, commentBody); err != nil {
				o.logger.Warn("failed to comment on PR", "error", err)
			}
		}

		if aggOutput.Verdict == schema.VerdictApproved {
			o.logger.Info("review approved", "round", round)
			reviewPassed = true
			break
		}

		if reviewOnly {
			o.logger.Info("review-only mode, skipping fix phase")
			break
		}

		if strings.TrimSpace(aggOutput.FixInstructions) == "" {
			o.logger.Warn("aggregator verdict is needs_fix but fix_instructions is empty, retrying")
			continue
		}

		// Fix.
		o.logger.Info("review needs fix, running fix agent", "round", round)
		fixCfg := o.cfg.ReviewFix
		fixVars := cloneVars(vars)
		fixVars["fix_instructions"] = aggOutput.FixInstructions

		fixPrompt, err := o.prompts.RenderPhase(fixCfg.Prompt, fixVars)
		if err != nil {
			return err
		}
		fixRunner := o.factory.StepRunner(fixCfg, o.cfg.AgentTimeoutRetries, "fix")
		fixResult, err := fixRunner.Run(ctx, runner.PhaseReviewFix, fixPrompt, info.Path)
		if err != nil {
			return err
		}

		fixOutput, err := schema.ParseFixOutput(fixResult.Stdout)
		if err != nil {
			recovered, ok := RetryWithCorrection(ctx, o.correction, o.logger,
				fixResult.SessionID, fixCfg.Runner, stepOptions(fixCfg),
				schema.NameFix, err.Error(), info.Path, schema.ParseFixOutput)
			if !ok {
				o.logger.Warn("fix agent JSON correction failed, retrying round", "error", err)
				lastJSONFailure = fmt.Sprintf("fix agent malformed JSON: %v", err)
				continue
			}
			fixOutput = recovered
		}
		o.logger.Info("fix agent complete",
			"status", fixOutput.Status,
			"summary", fixOutput.Summary,
			"filesChanged", fixOutput.FilesChanged,
		)

		if !o.cfg.DryRun {
			var pushErr error
			if pushRemoteBranch != "" {
				pushErr = o.pushBranchTo(ctx, info, pushRemoteBranch)
			} else {
				pushErr = o.pushBranch(ctx, info)
			}
			if pushErr != nil {
				o.logger.Warn("failed to push review fixes", "error", pushErr)
			}
		}
	}

	if url := vars["pr_url"]; url != "" {
		o.reporter.PrURL(url)
	}

	if !reviewPassed {
		reason := ""
		if lastJSONFailure != "" {
			reason = fmt.Sprintf(" (last failure: %s)", lastJSONFailure)
		}
		// The worktree is left in place so the operator can inspect.
		return fmt.Errorf("review did not complete after %d round(s)%s", maxReviews, reason)
	}
	return nil
}

// RetryWithCorrection resumes a session with a correction prompt after a
// JSON parse failure, at most maxCorrectionAttempts times. Each attempt
// re-parses and feeds the new parse error into the next correction. Returns
// false when no session id is available or every attempt fails.
func RetryWithCorrection[T any](
	ctx context.Context,
	correction CorrectionRunner,
	logger *slog.Logger,
	sessionID string,
	kind runner.Kind,
	opts runner.Options,
	name schema.Name,
	initialError string,
	workingDir string,
	parse func(string) (T, error),
) (T, bool) {
	var zero T
	if sessionID == "" {
		return zero, false
	}

	lastError := initialError
	for attempt := 1; attempt <= maxCorrectionAttempts; attempt++ {
		prompt := schema.CorrectionPrompt(name, lastError)
		logger.Info("resuming session with correction prompt",
			"session", sessionID, "attempt", attempt, "max", maxCorrectionAttempts)

		corrected, err := correction.Resume(ctx, kind, opts, sessionID, prompt, workingDir)
		if err != nil {
			logger.Warn("correction resume failed", "attempt", attempt, "error", err)
			return zero, false
		}
		parsed, err := parse(corrected.Stdout)
		if err != nil {
			lastError = err.Error()
			logger.Warn("correction output still invalid", "attempt", attempt, "error", err)
			continue
		}
		return parsed, true
	}
	return zero, false
}

func (o *Orchestrator) initialTaskVars(task *sources.Task, info *worktree.Info) map[string]string {
	vars := BuildTaskVars(task, o.repoRoot, info.Branch, info.Path, o.cfg.BaseBranch)
	vars["pr_number"] = ""
	vars["pr_branch"] = ""
	vars["pr_url"] = ""
	return vars
}

// BuildTaskVars builds the base template variables for a task.
func BuildTaskVars(task *sources.Task, repoRoot, branch, worktreePath, baseBranch string) map[string]string {
	return map[string]string{
		"issue_title":   task.Title,
		"issue_body":    task.Body,
		"issue_number":  task.ID,
		"issue_url":     task.URL,
		"repo_path":     repoRoot,
		"branch_name":   branch,
		"worktree_path": worktreePath,
		"base_branch":   baseBranch,
	}
}

// ParseIssueNumber extracts the issue number from a task id like "gh-42".
func ParseIssueNumber(taskID string) (uint64, error) {
	rest, ok := strings.CutPrefix(taskID, "gh-")
	if !ok || rest == "" {
		return 0, fmt.Errorf("invalid task id: %s, expected gh-<number>", taskID)
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id: %s, expected gh-<number>", taskID)
	}
	return n, nil
}

func (o *Orchestrator) pushBranch(ctx context.Context, info *worktree.Info) error {
	if _, err := worktree.GitInDir(ctx, o.git, info.Path, "push", "-u", "origin", info.Branch); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	o.logger.Info("pushed branch", "branch", info.Branch)
	return nil
}

func (o *Orchestrator) pushBranchTo(ctx context.Context, info *worktree.Info, remoteBranch string) error {
	if err := worktree.ValidateBranchName(remoteBranch); err != nil {
		return fmt.Errorf("invalid remote branch name: %w", err)
	}
	refspec := "HEAD:" + remoteBranch
	if _, err := worktree.GitInDir(ctx, o.git, info.Path, "push", "-u", "origin", refspec); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	o.logger.Info("pushed branch", "branch", info.Branch, "remoteBranch", remoteBranch)
	return nil
}

func cloneVars(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars)+6)
	for k, v := range vars {
		out[k] = v
	}
	return out
}
