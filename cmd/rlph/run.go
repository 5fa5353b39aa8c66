package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// runRoot is the default run mode, gated by --once, --max-iterations, or
// --continuous.
func runRoot(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("%w: unexpected argument %q", errUsage, args[0])
	}
	if !flagOnce && !flagContinuous && flagMaxIterations == 0 {
		return fmt.Errorf("%w: specify one of --once, --max-iterations, or --continuous", errUsage)
	}
	if flagOnce && (flagContinuous || flagMaxIterations > 0) {
		return fmt.Errorf("%w: --once conflicts with --continuous and --max-iterations", errUsage)
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	orch := a.buildOrchestrator()

	ctx := cmd.Context()
	return orch.RunLoop(ctx, shutdownChannel(ctx))
}
