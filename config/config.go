// Package config loads .rlph/config.toml and merges CLI flag overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bazelment/rlph/runner"
)

// DefaultConfigFile is the config path relative to the repo root.
const DefaultConfigFile = ".rlph/config.toml"

// DefaultPromptDir is the user prompt override directory.
const DefaultPromptDir = ".rlph/prompts"

// ReviewPhase configures one named concurrent review pass.
type ReviewPhase struct {
	Name         string
	Prompt       string
	Runner       runner.Kind
	AgentBinary  string
	AgentModel   string
	AgentEffort  string
	AgentVariant string
	AgentTimeout time.Duration // zero = none
}

// ReviewStep configures a single sequential agent step (aggregate, review
// fix, standalone fix).
type ReviewStep struct {
	Prompt       string
	Runner       runner.Kind
	AgentBinary  string
	AgentModel   string
	AgentEffort  string
	AgentVariant string
	AgentTimeout time.Duration
}

// LinearConfig holds the Linear source settings.
type LinearConfig struct {
	APIKeyEnv string
	Team      string
}

// Config is the resolved runtime configuration.
type Config struct {
	Runner     runner.Kind
	Source     string
	Submission string

	Label       string
	BaseBranch  string
	WorktreeDir string

	AgentBinary         string
	AgentModel          string
	AgentEffort         string
	AgentTimeout        time.Duration
	AgentTimeoutRetries int

	MaxReviewRounds int
	PollSeconds     uint64

	Once          bool
	Continuous    bool
	MaxIterations uint32
	DryRun        bool

	ReviewPhases    []ReviewPhase
	ReviewAggregate ReviewStep
	ReviewFix       ReviewStep
	Fix             ReviewStep

	Linear LinearConfig
}

// Flags carries CLI overrides; nil/zero fields leave file values alone.
type Flags struct {
	Once          bool
	Continuous    bool
	MaxIterations uint32
	DryRun        bool

	Runner     string
	Source     string
	Submission string
	Label      string
	BaseBranch string

	WorktreeDir string
	ConfigPath  string

	AgentBinary         string
	AgentModel          string
	AgentEffort         string
	AgentTimeoutSecs    uint64
	AgentTimeoutRetries int
	MaxReviewRounds     int
	PollSeconds         uint64
}

// file-shape structs, all optional.
type fileConfig struct {
	Runner     string `toml:"runner"`
	Source     string `toml:"source"`
	Submission string `toml:"submission"`

	Label       string `toml:"label"`
	BaseBranch  string `toml:"base_branch"`
	WorktreeDir string `toml:"worktree_dir"`

	AgentBinary         string `toml:"agent_binary"`
	AgentModel          string `toml:"agent_model"`
	AgentEffort         string `toml:"agent_effort"`
	AgentTimeout        uint64 `toml:"agent_timeout"`
	AgentTimeoutRetries *int   `toml:"agent_timeout_retries"`

	MaxReviewRounds *int   `toml:"max_review_rounds"`
	PollSeconds     uint64 `toml:"poll_seconds"`

	Review struct {
		Phases    []filePhase `toml:"phases"`
		Aggregate *fileStep   `toml:"aggregate"`
		Fix       *fileStep   `toml:"fix"`
	} `toml:"review"`
	Fix *fileStep `toml:"fix"`

	Linear struct {
		APIKeyEnv string `toml:"api_key_env"`
		Team      string `toml:"team"`
	} `toml:"linear"`
}

type filePhase struct {
	Name         string `toml:"name"`
	Prompt       string `toml:"prompt"`
	Runner       string `toml:"runner"`
	AgentBinary  string `toml:"agent_binary"`
	AgentModel   string `toml:"agent_model"`
	AgentEffort  string `toml:"agent_effort"`
	AgentVariant string `toml:"agent_variant"`
	AgentTimeout uint64 `toml:"agent_timeout"`
}

type fileStep struct {
	Prompt       string `toml:"prompt"`
	Runner       string `toml:"runner"`
	AgentBinary  string `toml:"agent_binary"`
	AgentModel   string `toml:"agent_model"`
	AgentEffort  string `toml:"agent_effort"`
	AgentVariant string `toml:"agent_variant"`
	AgentTimeout uint64 `toml:"agent_timeout"`
}

// Load reads the config file (if present) from repoRoot and merges flags
// over it. Missing file is fine; invalid values abort startup.
func Load(repoRoot string, flags Flags) (*Config, error) {
	cfg := defaults()

	path := flags.ConfigPath
	if path == "" {
		path = filepath.Join(repoRoot, DefaultConfigFile)
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		var file fileConfig
		if err := toml.Unmarshal(content, &file); err != nil {
			return nil, fmt.Errorf("config parse error in %s: %w", path, err)
		}
		applyFile(cfg, file)
	case os.IsNotExist(err) && flags.ConfigPath == "":
		// No config file; defaults + flags.
	default:
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if err := applyFlags(cfg, flags); err != nil {
		return nil, err
	}
	fillDerived(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Runner:              runner.KindClaude,
		Source:              "github",
		Submission:          "github",
		Label:               "rlph",
		BaseBranch:          "main",
		WorktreeDir:         ".rlph/worktrees",
		AgentBinary:         "claude",
		AgentTimeoutRetries: 2,
		MaxReviewRounds:     3,
		PollSeconds:         300,
	}
}

func applyFile(cfg *Config, file fileConfig) {
	setString(&cfg.Source, file.Source)
	setString(&cfg.Submission, file.Submission)
	setString(&cfg.Label, file.Label)
	setString(&cfg.BaseBranch, file.BaseBranch)
	setString(&cfg.WorktreeDir, file.WorktreeDir)
	setString(&cfg.AgentBinary, file.AgentBinary)
	setString(&cfg.AgentModel, file.AgentModel)
	setString(&cfg.AgentEffort, file.AgentEffort)
	if file.Runner != "" {
		cfg.Runner = runner.Kind(file.Runner)
		if file.AgentBinary == "" {
			cfg.AgentBinary = file.Runner
		}
	}
	if file.AgentTimeout > 0 {
		cfg.AgentTimeout = time.Duration(file.AgentTimeout) * time.Second
	}
	if file.AgentTimeoutRetries != nil {
		cfg.AgentTimeoutRetries = *file.AgentTimeoutRetries
	}
	if file.MaxReviewRounds != nil {
		cfg.MaxReviewRounds = *file.MaxReviewRounds
	}
	if file.PollSeconds > 0 {
		cfg.PollSeconds = file.PollSeconds
	}
	cfg.Linear.APIKeyEnv = file.Linear.APIKeyEnv
	cfg.Linear.Team = file.Linear.Team

	for _, p := range file.Review.Phases {
		cfg.ReviewPhases = append(cfg.ReviewPhases, ReviewPhase{
			Name:         p.Name,
			Prompt:       p.Prompt,
			Runner:       runner.Kind(p.Runner),
			AgentBinary:  p.AgentBinary,
			AgentModel:   p.AgentModel,
			AgentEffort:  p.AgentEffort,
			AgentVariant: p.AgentVariant,
			AgentTimeout: time.Duration(p.AgentTimeout) * time.Second,
		})
	}
	if file.Review.Aggregate != nil {
		cfg.ReviewAggregate = stepFromFile(*file.Review.Aggregate)
	}
	if file.Review.Fix != nil {
		cfg.ReviewFix = stepFromFile(*file.Review.Fix)
	}
	if file.Fix != nil {
		cfg.Fix = stepFromFile(*file.Fix)
	}
}

func stepFromFile(s fileStep) ReviewStep {
	return ReviewStep{
		Prompt:       s.Prompt,
		Runner:       runner.Kind(s.Runner),
		AgentBinary:  s.AgentBinary,
		AgentModel:   s.AgentModel,
		AgentEffort:  s.AgentEffort,
		AgentVariant: s.AgentVariant,
		AgentTimeout: time.Duration(s.AgentTimeout) * time.Second,
	}
}

func applyFlags(cfg *Config, flags Flags) error {
	cfg.Once = flags.Once
	cfg.Continuous = flags.Continuous
	cfg.MaxIterations = flags.MaxIterations
	cfg.DryRun = flags.DryRun

	if flags.Runner != "" {
		kind, err := runner.ParseKind(flags.Runner)
		if err != nil {
			return err
		}
		cfg.Runner = kind
		if flags.AgentBinary == "" {
			cfg.AgentBinary = string(kind)
		}
	}
	setString(&cfg.Source, flags.Source)
	setString(&cfg.Submission, flags.Submission)
	setString(&cfg.Label, flags.Label)
	setString(&cfg.BaseBranch, flags.BaseBranch)
	setString(&cfg.WorktreeDir, flags.WorktreeDir)
	setString(&cfg.AgentBinary, flags.AgentBinary)
	setString(&cfg.AgentModel, flags.AgentModel)
	setString(&cfg.AgentEffort, flags.AgentEffort)
	if flags.AgentTimeoutSecs > 0 {
		cfg.AgentTimeout = time.Duration(flags.AgentTimeoutSecs) * time.Second
	}
	if flags.AgentTimeoutRetries > 0 {
		cfg.AgentTimeoutRetries = flags.AgentTimeoutRetries
	}
	if flags.MaxReviewRounds > 0 {
		cfg.MaxReviewRounds = flags.MaxReviewRounds
	}
	if flags.PollSeconds > 0 {
		cfg.PollSeconds = flags.PollSeconds
	}
	return nil
}

// fillDerived completes phase and step configs with top-level defaults.
func fillDerived(cfg *Config) {
	if len(cfg.ReviewPhases) == 0 {
		for _, name := range []string{"correctness", "security", "style"} {
			cfg.ReviewPhases = append(cfg.ReviewPhases, ReviewPhase{Name: name})
		}
	}
	for i := range cfg.ReviewPhases {
		p := &cfg.ReviewPhases[i]
		if p.Prompt == "" {
			p.Prompt = "review"
		}
		fillStepDefaults(&p.Runner, &p.AgentBinary, &p.AgentModel, &p.AgentEffort, &p.AgentTimeout, cfg)
	}

	if cfg.ReviewAggregate.Prompt == "" {
		cfg.ReviewAggregate.Prompt = "review-aggregate"
	}
	fillStepDefaults(&cfg.ReviewAggregate.Runner, &cfg.ReviewAggregate.AgentBinary,
		&cfg.ReviewAggregate.AgentModel, &cfg.ReviewAggregate.AgentEffort,
		&cfg.ReviewAggregate.AgentTimeout, cfg)

	if cfg.ReviewFix.Prompt == "" {
		cfg.ReviewFix.Prompt = "review-fix"
	}
	fillStepDefaults(&cfg.ReviewFix.Runner, &cfg.ReviewFix.AgentBinary,
		&cfg.ReviewFix.AgentModel, &cfg.ReviewFix.AgentEffort,
		&cfg.ReviewFix.AgentTimeout, cfg)

	if cfg.Fix.Prompt == "" {
		cfg.Fix.Prompt = "fix"
	}
	fillStepDefaults(&cfg.Fix.Runner, &cfg.Fix.AgentBinary,
		&cfg.Fix.AgentModel, &cfg.Fix.AgentEffort,
		&cfg.Fix.AgentTimeout, cfg)
}

func fillStepDefaults(kind *runner.Kind, binary, model, effort *string, timeout *time.Duration, cfg *Config) {
	if *kind == "" {
		*kind = cfg.Runner
	}
	if *binary == "" {
		if *kind == cfg.Runner {
			*binary = cfg.AgentBinary
		} else {
			*binary = string(*kind)
		}
	}
	if *model == "" {
		*model = cfg.AgentModel
	}
	if *effort == "" {
		*effort = cfg.AgentEffort
	}
	if *timeout == 0 {
		*timeout = cfg.AgentTimeout
	}
}

func validate(cfg *Config) error {
	if _, err := runner.ParseKind(string(cfg.Runner)); err != nil {
		return err
	}
	switch cfg.Source {
	case "github", "linear":
	default:
		return fmt.Errorf("unknown source %q (expected github or linear)", cfg.Source)
	}
	switch cfg.Submission {
	case "github":
	default:
		return fmt.Errorf("unknown submission backend %q (expected github)", cfg.Submission)
	}
	if cfg.Source == "linear" && cfg.Linear.Team == "" {
		return fmt.Errorf("linear source requires [linear] team in config")
	}
	if cfg.MaxReviewRounds <= 0 {
		return fmt.Errorf("max_review_rounds must be positive")
	}
	for _, p := range cfg.ReviewPhases {
		if _, err := runner.ParseKind(string(p.Runner)); err != nil {
			return fmt.Errorf("review phase %q: %w", p.Name, err)
		}
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
