// Package prd launches an interactive PRD-authoring agent session.
package prd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/bazelment/rlph/config"
	"github.com/bazelment/rlph/prompts"
	"github.com/bazelment/rlph/runner"
)

// SubmissionInstructions returns the source-specific text telling the agent
// how to file the finished PRD.
func SubmissionInstructions(source, label string) string {
	switch source {
	case "github":
		return fmt.Sprintf(
			"Submit the final PRD as a GitHub issue using the `gh` CLI:\n"+
				"```\n"+
				"gh issue create --label %q --title \"PRD: <title>\" --body \"<prd content>\"\n"+
				"```\n"+
				"Use a HEREDOC for the body if it contains special characters.\n"+
				"Add the label `%s` to the issue so the autonomous loop can pick it up.",
			label, label)
	case "linear":
		return fmt.Sprintf(
			"Submit the final PRD as a Linear project/issue.\n"+
				"Use the Linear CLI or API to create the issue with the PRD as its description.\n"+
				"Ensure it is placed in the correct team and project.\n"+
				"Tag it with the label `%s`.", label)
	default:
		return "Submit the final PRD to your configured task source."
	}
}

// BuildCommand builds the agent invocation for an interactive PRD session.
// Dispatches on the configured runner: Claude carries the prompt as an
// appended system prompt, Codex and OpenCode fold it into the initial
// message.
func BuildCommand(cfg *config.Config, renderedPrompt, description string) (string, []string) {
	var args []string

	switch cfg.Runner {
	case runner.KindCodex:
		// Codex interactive mode has no system-prompt flag; combine the
		// prompt and seed description into the initial message.
		if cfg.AgentModel != "" {
			args = append(args, "--model", cfg.AgentModel)
		}
		initial := renderedPrompt
		if description != "" {
			initial += "\n\n" + description
		}
		args = append(args, initial)
	case runner.KindOpenCode:
		if cfg.AgentModel != "" {
			args = append(args, "--model", cfg.AgentModel)
		}
		initial := renderedPrompt
		if description != "" {
			initial += "\n\n" + description
		}
		args = append(args, initial)
	default: // claude
		args = append(args, "--append-system-prompt", renderedPrompt)
		if cfg.AgentModel != "" {
			args = append(args, "--model", cfg.AgentModel)
		}
		if description != "" {
			args = append(args, description)
		}
	}

	return cfg.AgentBinary, args
}

// Run launches the interactive session with inherited stdio and blocks
// until the agent exits, returning its exit code.
func Run(ctx context.Context, cfg *config.Config, engine *prompts.Engine, description string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rendered, err := engine.RenderPhase("prd", map[string]string{
		"submission_instructions": SubmissionInstructions(cfg.Source, cfg.Label),
	})
	if err != nil {
		return 1, err
	}

	binary, args := BuildCommand(cfg, rendered, description)
	logger.Info("launching PRD session", "binary", binary)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, fmt.Errorf("failed to launch %s: %w", binary, err)
	}
	return 0, nil
}
