// Command rlph is an autonomous development loop: it picks open issues,
// implements them in isolated worktrees with a coding agent, opens PRs,
// reviews them with parallel agents, and applies fixes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bazelment/rlph/config"
	"github.com/bazelment/rlph/proc"
)

// errUsage marks operator errors that should exit with code 2.
var errUsage = errors.New("usage error")

var (
	flagOnce          bool
	flagContinuous    bool
	flagMaxIterations uint32
	flagDryRun        bool
	flagVerbose       bool

	flagRunner     string
	flagSource     string
	flagSubmission string
	flagLabel      string
	flagBaseBranch string

	flagWorktreeDir string
	flagConfigPath  string

	flagAgentBinary         string
	flagAgentModel          string
	flagAgentEffort         string
	flagAgentTimeout        uint64
	flagAgentTimeoutRetries int
	flagMaxReviewRounds     int
	flagPollSeconds         uint64
)

var rootCmd = &cobra.Command{
	Use:   "rlph",
	Short: "Autonomous AI development loop",
	Long: `rlph drives a coding agent through a full engineering workflow:
pick an open issue, implement it in an isolated worktree, open a PR,
run a multi-agent review, and apply fixes until the review approves.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	f := rootCmd.Flags()
	f.BoolVar(&flagOnce, "once", false, "Run a single iteration then exit")
	f.BoolVar(&flagContinuous, "continuous", false, "Run continuously, polling for new tasks")
	f.Uint32Var(&flagMaxIterations, "max-iterations", 0, "Maximum number of iterations before stopping")
	f.BoolVar(&flagDryRun, "dry-run", false, "Go through the full loop without pushing changes or marking issues")
	f.Uint64Var(&flagPollSeconds, "poll-seconds", 0, "Poll interval in seconds (continuous mode)")

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose logging")
	pf.StringVar(&flagRunner, "runner", "", "Agent runner to use (claude, codex, opencode)")
	pf.StringVar(&flagSource, "source", "", "Task source to use (github, linear)")
	pf.StringVar(&flagSubmission, "submission", "", "Submission backend to use (github)")
	pf.StringVar(&flagLabel, "label", "", "Label to filter eligible tasks")
	pf.StringVar(&flagBaseBranch, "base-branch", "", "Base branch for worktrees and PRs (default: main)")
	pf.StringVar(&flagWorktreeDir, "worktree-dir", "", "Worktree base directory")
	pf.StringVar(&flagConfigPath, "config", "", "Path to config file")
	pf.StringVar(&flagAgentBinary, "agent-binary", "", "Agent binary to use")
	pf.StringVar(&flagAgentModel, "agent-model", "", "Model for the agent to use")
	pf.StringVar(&flagAgentEffort, "agent-effort", "", "Effort level for the agent (low, medium, high)")
	pf.Uint64Var(&flagAgentTimeout, "agent-timeout", 0, "Agent timeout in seconds")
	pf.IntVar(&flagAgentTimeoutRetries, "agent-timeout-retries", 0, "Maximum retries when the agent times out (session resume)")
	pf.IntVar(&flagMaxReviewRounds, "max-review-rounds", 0, "Maximum review rounds per task")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	rootCmd.AddCommand(initCmd, prdCmd, reviewCmd, fixCmd)
}

func main() {
	os.Exit(run())
}

func run() int {
	err := rootCmd.Execute()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, proc.ErrInterrupted):
		fmt.Fprintln(os.Stderr, "interrupted")
		return 130
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
}

// newLogger creates the structured logger with the configured verbosity.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func collectFlags() config.Flags {
	return config.Flags{
		Once:                flagOnce,
		Continuous:          flagContinuous,
		MaxIterations:       flagMaxIterations,
		DryRun:              flagDryRun,
		Runner:              flagRunner,
		Source:              flagSource,
		Submission:          flagSubmission,
		Label:               flagLabel,
		BaseBranch:          flagBaseBranch,
		WorktreeDir:         flagWorktreeDir,
		ConfigPath:          flagConfigPath,
		AgentBinary:         flagAgentBinary,
		AgentModel:          flagAgentModel,
		AgentEffort:         flagAgentEffort,
		AgentTimeoutSecs:    flagAgentTimeout,
		AgentTimeoutRetries: flagAgentTimeoutRetries,
		MaxReviewRounds:     flagMaxReviewRounds,
		PollSeconds:         flagPollSeconds,
	}
}

func repoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to resolve working directory: %w", err)
	}
	return cwd, nil
}

// shutdownChannel returns a channel closed on the first SIGINT/SIGTERM.
// The signal also reaches any running child supervisor, which forwards it;
// the loop drivers observe the closed channel between iterations.
func shutdownChannel(ctx context.Context) <-chan struct{} {
	shutdown := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var once sync.Once
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			once.Do(func() { close(shutdown) })
		case <-ctx.Done():
		}
	}()
	return shutdown
}
