package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bazelment/rlph/fix"
)

var flagFixWatch bool

// fixCmd services checked findings on an already-open PR.
var fixCmd = &cobra.Command{
	Use:   "fix <pr>",
	Short: "Fix checked findings from the review comment on a PR",
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

		coordinator := fix.NewCoordinator(a.cfg, a.backend, a.prompts, a.repoRoot,
			fix.WithLogger(a.logger))

		ctx := cmd.Context()
		if flagFixWatch {
			return coordinator.RunLoop(ctx, prNumber, pr.HeadRefName, shutdownChannel(ctx))
		}
		return coordinator.Run(ctx, prNumber, pr.HeadRefName)
	},
}

func init() {
	fixCmd.Flags().BoolVar(&flagFixWatch, "watch", false, "Poll the review comment for newly checked findings")
}
