package orchestrator

import (
	"context"

	"github.com/bazelment/rlph/config"
	"github.com/bazelment/rlph/runner"
	"github.com/bazelment/rlph/worktree"
)

// Worktrees is the slice of the worktree manager the orchestrator needs.
type Worktrees interface {
	Create(ctx context.Context, issueNumber uint64, slug string) (*worktree.Info, error)
	Remove(ctx context.Context, worktreePath string) error
}

// RunnerFactory creates review-phase runners. The default builds real
// runners from config; tests inject mocks.
type RunnerFactory interface {
	PhaseRunner(phase config.ReviewPhase, timeoutRetries int) runner.AgentRunner
	StepRunner(step config.ReviewStep, timeoutRetries int, name string) runner.AgentRunner
}

// DefaultRunnerFactory builds real runners from config.
type DefaultRunnerFactory struct {
	// Stream tags streamed agent output with a review:<name> prefix.
	Stream bool
}

func (f DefaultRunnerFactory) PhaseRunner(phase config.ReviewPhase, timeoutRetries int) runner.AgentRunner {
	r := runner.New(phase.Runner, runner.Options{
		Binary:         phase.AgentBinary,
		Model:          phase.AgentModel,
		Effort:         phase.AgentEffort,
		Variant:        phase.AgentVariant,
		Timeout:        phase.AgentTimeout,
		TimeoutRetries: timeoutRetries,
	})
	if f.Stream {
		return r.WithStreamPrefix("review:" + phase.Name)
	}
	return r
}

func (f DefaultRunnerFactory) StepRunner(step config.ReviewStep, timeoutRetries int, name string) runner.AgentRunner {
	r := runner.New(step.Runner, runner.Options{
		Binary:         step.AgentBinary,
		Model:          step.AgentModel,
		Effort:         step.AgentEffort,
		Variant:        step.AgentVariant,
		Timeout:        step.AgentTimeout,
		TimeoutRetries: timeoutRetries,
	})
	if f.Stream {
		return r.WithStreamPrefix("review:" + name)
	}
	return r
}

// CorrectionRunner abstracts session-resume correction calls so tests can
// avoid spawning real agent processes.
type CorrectionRunner interface {
	Resume(ctx context.Context, kind runner.Kind, opts runner.Options, sessionID, prompt, workingDir string) (*runner.RunResult, error)
}

// DefaultCorrectionRunner calls the real runner resume entry point.
type DefaultCorrectionRunner struct{}

func (DefaultCorrectionRunner) Resume(ctx context.Context, kind runner.Kind, opts runner.Options, sessionID, prompt, workingDir string) (*runner.RunResult, error) {
	return runner.Resume(ctx, kind, opts, sessionID, prompt, workingDir)
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

func phaseOptions(phase config.ReviewPhase) runner.Options {
	return runner.Options{
		Binary:  phase.AgentBinary,
		Model:   phase.AgentModel,
		Effort:  phase.AgentEffort,
		Variant: phase.AgentVariant,
		Timeout: phase.AgentTimeout,
	}
}
