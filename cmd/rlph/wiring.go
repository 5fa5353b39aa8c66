package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bazelment/rlph/config"
	"github.com/bazelment/rlph/orchestrator"
	"github.com/bazelment/rlph/prompts"
	"github.com/bazelment/rlph/runner"
	"github.com/bazelment/rlph/sources"
	"github.com/bazelment/rlph/state"
	"github.com/bazelment/rlph/submission"
	"github.com/bazelment/rlph/worktree"
)

// app bundles the wired components for one command invocation.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	repoRoot  string
	source    sources.TaskSource
	backend   submission.Backend
	worktrees *worktree.Manager
	state     *state.Manager
	prompts   *prompts.Engine
}

func buildApp() (*app, error) {
	root, err := repoRoot()
	if err != nil {
		return nil, err
	}
	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load(root, collectFlags())
	if err != nil {
		return nil, err
	}

	source, err := buildSource(cfg, logger)
	if err != nil {
		return nil, err
	}

	worktreeBase := cfg.WorktreeDir
	if !filepath.IsAbs(worktreeBase) {
		worktreeBase = filepath.Join(root, worktreeBase)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		repoRoot:  root,
		source:    source,
		backend:   submission.NewGitHubBackend(root, logger),
		worktrees: worktree.NewManager(root, worktreeBase, cfg.BaseBranch, worktree.WithLogger(logger)),
		state:     state.NewManager(state.DefaultDir(root), logger),
		prompts:   prompts.NewEngine(filepath.Join(root, config.DefaultPromptDir)),
	}, nil
}

func buildSource(cfg *config.Config, logger *slog.Logger) (sources.TaskSource, error) {
	switch cfg.Source {
	case "linear":
		apiKey := os.Getenv(cfg.Linear.APIKeyEnv)
		if cfg.Linear.APIKeyEnv == "" {
			apiKey = os.Getenv("LINEAR_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("linear API key not found in environment")
		}
		return sources.NewLinearSource(apiKey, cfg.Linear.Team, cfg.Label, logger), nil
	default:
		return sources.NewGitHubSource(cfg.Label, logger), nil
	}
}

func (a *app) buildOrchestrator() *orchestrator.Orchestrator {
	agent := runner.New(a.cfg.Runner, runner.Options{
		Binary:         a.cfg.AgentBinary,
		Model:          a.cfg.AgentModel,
		Effort:         a.cfg.AgentEffort,
		Timeout:        a.cfg.AgentTimeout,
		TimeoutRetries: a.cfg.AgentTimeoutRetries,
		Logger:         a.logger,
	})
	return orchestrator.New(
		a.source,
		agent,
		a.backend,
		a.worktrees,
		a.state,
		a.prompts,
		a.cfg,
		a.repoRoot,
		orchestrator.WithLogger(a.logger),
	)
}
