// Package runner abstracts one invocation of an external coding agent CLI
// (Claude, Codex, OpenCode) behind a single contract.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bazelment/rlph/proc"
)

// Phase is one step of the agent pipeline.
type Phase string

const (
	PhaseChoose          Phase = "choose"
	PhaseImplement       Phase = "implement"
	PhaseReview          Phase = "review"
	PhaseReviewAggregate Phase = "review_aggregate"
	PhaseReviewFix       Phase = "review_fix"
	PhaseFix             Phase = "fix"
)

// Kind selects an agent runner variant.
type Kind string

const (
	KindClaude   Kind = "claude"
	KindCodex    Kind = "codex"
	KindOpenCode Kind = "opencode"
)

// ParseKind validates a runner name.
func ParseKind(name string) (Kind, error) {
	switch Kind(name) {
	case KindClaude, KindCodex, KindOpenCode:
		return Kind(name), nil
	default:
		return "", fmt.Errorf("unknown runner %q (expected claude, codex, or opencode)", name)
	}
}

// RunResult is the outcome of one agent invocation.
type RunResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	SessionID string // empty when the agent did not report one
}

// AgentRunner runs an agent for a phase in a working directory.
type AgentRunner interface {
	Run(ctx context.Context, phase Phase, prompt string, workingDir string) (*RunResult, error)

	// WithStreamPrefix returns a runner whose streamed output lines are
	// tagged with the given prefix. Cosmetic, not semantic.
	WithStreamPrefix(tag string) AgentRunner
}

// Options configure a runner.
type Options struct {
	Binary  string
	Model   string
	Effort  string // claude, codex
	Variant string // opencode
	Timeout time.Duration
	// TimeoutRetries is how many additional attempts follow a timeout,
	// resuming the session when one was observed.
	TimeoutRetries int
	Logger         *slog.Logger
}

type spawnFunc func(ctx context.Context, cfg proc.Config) (*proc.Output, error)

// Runner is the concrete runner for one Kind.
type Runner struct {
	kind   Kind
	opts   Options
	prefix string
	spawn  spawnFunc
}

// New builds a runner of the given kind.
func New(kind Kind, opts Options) *Runner {
	if opts.Binary == "" {
		opts.Binary = string(kind)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{kind: kind, opts: opts, spawn: proc.Run}
}

// WithStreamPrefix returns a copy of the runner tagging streamed lines.
func (r *Runner) WithStreamPrefix(tag string) AgentRunner {
	clone := *r
	clone.prefix = tag
	return &clone
}

func (r *Runner) logPrefix(phase Phase) string {
	if r.prefix != "" {
		return r.prefix
	}
	return string(phase)
}

// Run invokes the agent. On timeout it retries up to TimeoutRetries times,
// resuming the same session when a session id was observed in the partial
// output; otherwise a retry is a fresh run with the same prompt.
func (r *Runner) Run(ctx context.Context, phase Phase, prompt string, workingDir string) (*RunResult, error) {
	attempts := r.opts.TimeoutRetries + 1
	sessionID := ""

	for attempt := 1; attempt <= attempts; attempt++ {
		var cfg proc.Config
		if attempt > 1 && sessionID != "" {
			cfg = r.resumeConfig(sessionID, prompt, workingDir, phase)
		} else {
			cfg = r.runConfig(prompt, workingDir, phase)
		}

		out, err := r.spawn(ctx, cfg)
		if err != nil {
			var timeoutErr *proc.TimeoutError
			if errors.As(err, &timeoutErr) {
				if sid := r.extractSessionID(timeoutErr.StdoutLines); sid != "" {
					sessionID = sid
				}
				r.opts.Logger.Warn("agent timed out",
					"runner", r.kind,
					"attempt", attempt,
					"maxAttempts", attempts,
					"resumable", sessionID != "",
				)
				continue
			}
			return nil, err
		}

		result := r.resultFromOutput(out)
		if result.SessionID == "" {
			result.SessionID = sessionID
		}
		if out.ExitCode != 0 {
			return result, fmt.Errorf("agent exited with code %d: %s",
				out.ExitCode, tailLines(out.StderrLines, 5))
		}
		return result, nil
	}

	return nil, fmt.Errorf("agent timed out after %d attempts", attempts)
}

// Resume re-enters an existing agent session with a new prompt. Used by the
// structured-output correction loop; a resume is a single attempt.
func Resume(ctx context.Context, kind Kind, opts Options, sessionID, prompt, workingDir string) (*RunResult, error) {
	r := New(kind, opts)
	return r.resume(ctx, sessionID, prompt, workingDir)
}

func (r *Runner) resume(ctx context.Context, sessionID, prompt, workingDir string) (*RunResult, error) {
	cfg := r.resumeConfig(sessionID, prompt, workingDir, "resume")
	out, err := r.spawn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	result := r.resultFromOutput(out)
	if result.SessionID == "" {
		result.SessionID = sessionID
	}
	if out.ExitCode != 0 {
		return result, fmt.Errorf("agent exited with code %d: %s",
			out.ExitCode, tailLines(out.StderrLines, 5))
	}
	return result, nil
}

func (r *Runner) runConfig(prompt, workingDir string, phase Phase) proc.Config {
	cfg := proc.Config{
		Command:      r.opts.Binary,
		WorkingDir:   workingDir,
		Timeout:      r.opts.Timeout,
		StreamOutput: true,
		LogPrefix:    r.logPrefix(phase),
		Logger:       r.opts.Logger,
	}

	switch r.kind {
	case KindCodex:
		// Codex takes the prompt on stdin.
		cfg.Args = append(cfg.Args, "exec", "--json")
		if r.opts.Model != "" {
			cfg.Args = append(cfg.Args, "-m", r.opts.Model)
		}
		if r.opts.Effort != "" {
			cfg.Args = append(cfg.Args, "-c", "model_reasoning_effort="+r.opts.Effort)
		}
		cfg.StdinData = prompt
	case KindOpenCode:
		// OpenCode takes the prompt as a positional argument.
		cfg.Args = append(cfg.Args, "run")
		if r.opts.Model != "" {
			cfg.Args = append(cfg.Args, "--model", r.opts.Model)
		}
		if r.opts.Variant != "" {
			cfg.Args = append(cfg.Args, "--variant", r.opts.Variant)
		}
		cfg.Args = append(cfg.Args, prompt)
	default: // claude
		if r.opts.Model != "" {
			cfg.Args = append(cfg.Args, "--model", r.opts.Model)
		}
		if r.opts.Effort != "" {
			cfg.Args = append(cfg.Args, "--effort", r.opts.Effort)
		}
		cfg.Args = append(cfg.Args, "--output-format", "stream-json", "--verbose", "-p", prompt)
	}
	return cfg
}

func (r *Runner) resumeConfig(sessionID, prompt, workingDir string, phase Phase) proc.Config {
	cfg := proc.Config{
		Command:      r.opts.Binary,
		WorkingDir:   workingDir,
		Timeout:      r.opts.Timeout,
		StreamOutput: true,
		LogPrefix:    r.logPrefix(phase),
		Logger:       r.opts.Logger,
	}

	switch r.kind {
	case KindCodex:
		cfg.Args = append(cfg.Args, "exec", "resume", sessionID, "--json")
		if r.opts.Model != "" {
			cfg.Args = append(cfg.Args, "-m", r.opts.Model)
		}
		cfg.StdinData = prompt
	case KindOpenCode:
		cfg.Args = append(cfg.Args, "run", "--session", sessionID)
		if r.opts.Model != "" {
			cfg.Args = append(cfg.Args, "--model", r.opts.Model)
		}
		cfg.Args = append(cfg.Args, prompt)
	default: // claude
		cfg.Args = append(cfg.Args, "--resume", sessionID)
		if r.opts.Model != "" {
			cfg.Args = append(cfg.Args, "--model", r.opts.Model)
		}
		cfg.Args = append(cfg.Args, "--output-format", "stream-json", "--verbose", "-p", prompt)
	}
	return cfg
}

// sessionKey is the JSON field each CLI reports its session handle in.
func (r *Runner) sessionKey() string {
	switch r.kind {
	case KindCodex:
		return "thread_id"
	case KindOpenCode:
		return "sessionID"
	default:
		return "session_id"
	}
}

// extractSessionID scans stdout lines for JSON objects carrying the
// runner's session field. The last occurrence wins.
func (r *Runner) extractSessionID(lines []string) string {
	key := r.sessionKey()
	last := ""
	for _, line := range lines {
		if sid := jsonStringField(line, key); sid != "" {
			last = sid
		}
	}
	return last
}

// resultFromOutput assembles a RunResult, extracting the session id and the
// final payload text from the runner's JSON stream shape.
func (r *Runner) resultFromOutput(out *proc.Output) *RunResult {
	result := &RunResult{
		ExitCode:  out.ExitCode,
		Stderr:    strings.Join(out.StderrLines, "\n"),
		SessionID: r.extractSessionID(out.StdoutLines),
	}

	// Prefer the final agent message from the event stream; fall back to
	// the raw stdout when the CLI did not emit events.
	resultKey := ""
	switch r.kind {
	case KindClaude:
		resultKey = "result"
	case KindCodex:
		resultKey = "last_agent_message"
	}
	if resultKey != "" {
		for _, line := range out.StdoutLines {
			if text := jsonStringField(line, resultKey); text != "" {
				result.Stdout = text
			}
		}
	}
	if result.Stdout == "" {
		result.Stdout = strings.Join(out.StdoutLines, "\n")
	}
	return result
}

// jsonStringField returns the string value of a top-level field when line
// is a JSON object, else "".
func jsonStringField(line string, key string) string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return ""
	}
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

func tailLines(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
