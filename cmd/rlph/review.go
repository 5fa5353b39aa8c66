package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bazelment/rlph/orchestrator"
	"github.com/bazelment/rlph/sources"
	"github.com/bazelment/rlph/submission"
	"github.com/bazelment/rlph/worktree"
)

// reviewCmd runs a single review round against an already-open PR.
var reviewCmd = &cobra.Command{
	Use:   "review <pr>",
	Short: "Run the review pipeline once against an existing PR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prNumber, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid PR number %q", errUsage, args[0])
		}

		a, err := buildApp()
		if err != nil {
			return err
		}

		pr, err := fetchPRDetails(a, prNumber)
		if err != nil {
			return err
		}
		if err := worktree.ValidateBranchName(pr.HeadRefName); err != nil {
			return fmt.Errorf("invalid PR branch name: %w", err)
		}

		ctx := cmd.Context()
		info, err := a.worktrees.CreateForBranch(ctx, prNumber, pr.HeadRefName)
		if err != nil {
			return err
		}

		task := prTask(pr, prNumber)
		vars := orchestrator.BuildTaskVars(&task, a.repoRoot, info.Branch, info.Path, a.cfg.BaseBranch)
		vars["pr_number"] = strconv.FormatUint(prNumber, 10)
		vars["pr_branch"] = pr.HeadRefName
		vars["pr_url"] = pr.URL

		orch := a.buildOrchestrator()
		return orch.RunReviewForExistingPR(ctx, orchestrator.ReviewInvocation{
			TaskIDForState:   fmt.Sprintf("pr-%d", prNumber),
			WorktreeInfo:     info,
			Vars:             vars,
			CommentPRNumber:  prNumber,
			PushRemoteBranch: pr.HeadRefName,
		})
	},
}

// prTask adapts PR metadata into the task shape the prompt templates
// expect.
func prTask(pr *prDetails, prNumber uint64) sources.Task {
	return sources.Task{
		ID:    strconv.FormatUint(prNumber, 10),
		Title: pr.Title,
		Body:  pr.Body,
		URL:   pr.URL,
	}
}

type prDetails struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	URL         string `json:"url"`
	HeadRefName string `json:"headRefName"`
}

func fetchPRDetails(a *app, prNumber uint64) (*prDetails, error) {
	client := submission.DefaultGhClient{Dir: a.repoRoot}
	out, err := client.Run(
		"pr", "view", strconv.FormatUint(prNumber, 10),
		"--json", "title,body,url,headRefName",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to look up PR #%d: %w", prNumber, err)
	}
	var pr prDetails
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return nil, fmt.Errorf("failed to parse PR details: %w", err)
	}
	return &pr, nil
}
