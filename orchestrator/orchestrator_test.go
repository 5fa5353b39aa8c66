package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/rlph/config"
	"github.com/bazelment/rlph/prompts"
	"github.com/bazelment/rlph/runner"
	"github.com/bazelment/rlph/schema"
	"github.com/bazelment/rlph/sources"
	"github.com/bazelment/rlph/state"
	"github.com/bazelment/rlph/submission"
	"github.com/bazelment/rlph/worktree"
)

const (
	approvedJSON  = `{"verdict":"approved","comment":"","findings":[]}`
	needsFixJSON  = `{"verdict":"needs_fix","comment":"Issues found.","findings":[],"fix_instructions":"Fix the bug."}`
	emptyFindings = `{"findings":[]}`
	fixDoneJSON   = `{"status":"fixed","summary":"done","files_changed":["a.go"]}`
)

// ---- mocks ----

type mockSource struct {
	mu         sync.Mutex
	tasks      []sources.Task
	closed     map[uint64]bool
	inProgress []string
	inReview   []string
	done       []string
}

func (m *mockSource) FetchEligibleTasks() ([]sources.Task, error) { return m.tasks, nil }
func (m *mockSource) FetchClosedTaskIDs() (map[uint64]bool, error) {
	if m.closed == nil {
		return map[uint64]bool{}, nil
	}
	return m.closed, nil
}
func (m *mockSource) GetTaskDetails(id string) (sources.Task, error) {
	for _, t := range m.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return sources.Task{}, fmt.Errorf("task %s not found", id)
}
func (m *mockSource) MarkInProgress(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgress = append(m.inProgress, id)
	return nil
}
func (m *mockSource) MarkInReview(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inReview = append(m.inReview, id)
	return nil
}
func (m *mockSource) MarkDone(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = append(m.done, id)
	return nil
}

func (m *mockSource) mutationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inProgress) + len(m.inReview) + len(m.done)
}

type mockBackend struct {
	mu         sync.Mutex
	existingPR uint64
	comments   []submission.PrComment
	submits    []string
	upserts    map[uint64][]string
	lookups    int
}

func (m *mockBackend) Submit(branch, base, title, body string) (*submission.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits = append(m.submits, branch)
	return &submission.SubmitResult{URL: "https://example.com/pull/1", Number: 1}, nil
}
func (m *mockBackend) FindExistingPRForIssue(issueNumber uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	return m.existingPR, nil
}
func (m *mockBackend) UpsertReviewComment(prNumber uint64, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upserts == nil {
		m.upserts = map[uint64][]string{}
	}
	m.upserts[prNumber] = append(m.upserts[prNumber], body)
	return nil
}
func (m *mockBackend) FetchPRComments(prNumber uint64) ([]submission.PrComment, error) {
	return m.comments, nil
}

type mockWorktrees struct {
	mu      sync.Mutex
	base    string
	created []string
	removed []string
}

func (m *mockWorktrees) Create(ctx context.Context, issueNumber uint64, slug string) (*worktree.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := worktree.Name(issueNumber, slug)
	path := filepath.Join(m.base, name)
	m.created = append(m.created, name)
	return &worktree.Info{Path: path, Branch: name}, nil
}

func (m *mockWorktrees) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, path)
	return nil
}

type scripted struct {
	mu       sync.Mutex
	results  []*runner.RunResult
	errs     []error
	fallback *runner.RunResult
	calls    int
}

func (s *scripted) Run(ctx context.Context, phase runner.Phase, prompt, dir string) (*runner.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) > 0 {
		res, err := s.results[0], error(nil)
		if len(s.errs) > 0 {
			err = s.errs[0]
			s.errs = s.errs[1:]
		}
		s.results = s.results[1:]
		return res, err
	}
	if s.fallback != nil {
		return s.fallback, nil
	}
	return &runner.RunResult{Stdout: ""}, nil
}

func (s *scripted) WithStreamPrefix(tag string) runner.AgentRunner { return s }

func out(stdout string) *runner.RunResult { return &runner.RunResult{Stdout: stdout} }

type mockFactory struct {
	phases map[string]*scripted
	steps  map[string]*scripted
}

func (f *mockFactory) PhaseRunner(phase config.ReviewPhase, retries int) runner.AgentRunner {
	if r, ok := f.phases[phase.Name]; ok {
		return r
	}
	return &scripted{fallback: out(emptyFindings)}
}

func (f *mockFactory) StepRunner(step config.ReviewStep, retries int, name string) runner.AgentRunner {
	if r, ok := f.steps[name]; ok {
		return r
	}
	return &scripted{fallback: out(approvedJSON)}
}

type mockCorrection struct {
	mu      sync.Mutex
	results []*runner.RunResult
	calls   int
}

func (m *mockCorrection) Resume(ctx context.Context, kind runner.Kind, opts runner.Options, sessionID, prompt, workingDir string) (*runner.RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.results) == 0 {
		return out("still not json"), nil
	}
	res := m.results[0]
	m.results = m.results[1:]
	return res, nil
}

type nopReporter struct{}

func (nopReporter) FetchingTasks()                    {}
func (nopReporter) TasksFound(int)                    {}
func (nopReporter) TaskSelected(uint64, string)       {}
func (nopReporter) ImplementStarted()                 {}
func (nopReporter) PrCreated(string)                  {}
func (nopReporter) IterationComplete(uint64, string)  {}
func (nopReporter) PhasesStarted([]string)            {}
func (nopReporter) PhaseComplete(string)              {}
func (nopReporter) ReviewSummary(string)              {}
func (nopReporter) PrURL(string)                      {}

type fakeGit struct {
	mu    sync.Mutex
	calls [][]string
}

func (g *fakeGit) Run(ctx context.Context, args []string, dir string) (*worktree.CmdResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, args)
	return &worktree.CmdResult{}, nil
}

// ---- fixture ----

type fixture struct {
	source     *mockSource
	backend    *mockBackend
	worktrees  *mockWorktrees
	factory    *mockFactory
	correction *mockCorrection
	git        *fakeGit
	state      *state.Manager
	cfg        *config.Config
	root       string
	orch       *Orchestrator
}

func newFixture(t *testing.T, flags config.Flags, tasks ...sources.Task) *fixture {
	t.Helper()
	cfg, err := config.Load(t.TempDir(), flags)
	require.NoError(t, err)

	f := &fixture{
		source:     &mockSource{tasks: tasks},
		backend:    &mockBackend{},
		worktrees:  &mockWorktrees{base: t.TempDir()},
		factory:    &mockFactory{phases: map[string]*scripted{}, steps: map[string]*scripted{}},
		correction: &mockCorrection{},
		git:        &fakeGit{},
		state:      state.NewManager(filepath.Join(t.TempDir(), "state"), nil),
		cfg:        cfg,
		root:       t.TempDir(),
	}
	f.orch = New(
		f.source,
		&scripted{fallback: out("IMPLEMENTATION_COMPLETE")},
		f.backend,
		f.worktrees,
		f.state,
		prompts.NewEngine(""),
		cfg,
		f.root,
		WithRunnerFactory(f.factory),
		WithReporter(nopReporter{}),
		WithCorrectionRunner(f.correction),
		WithGitRunner(f.git),
		WithLogger(slog.Default()),
	)
	return f
}

func task42() sources.Task {
	return sources.Task{
		ID:    "42",
		Title: "Fix the bug",
		Body:  "It crashes",
		URL:   "https://github.com/test/repo/issues/42",
	}
}

// ---- scenarios ----

// S1: dry-run happy path never touches the source or the code host; the
// task completes, its worktree is removed, and history records gh-42.
func TestDryRunHappyPath(t *testing.T) {
	f := newFixture(t, config.Flags{Once: true, DryRun: true}, task42())

	outcome, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProcessedTask, outcome)

	assert.Zero(t, f.source.mutationCount(), "dry run must not mutate the source")
	assert.Empty(t, f.backend.submits, "dry run must not submit")
	assert.Zero(t, f.backend.lookups, "dry run must not look up PRs")
	assert.Empty(t, f.backend.upserts, "dry run must not comment")

	data := f.state.Load()
	assert.Nil(t, data.CurrentTask)
	require.Len(t, data.History, 1)
	assert.Equal(t, "gh-42", data.History[0].ID)

	require.Len(t, f.worktrees.created, 1)
	assert.Equal(t, "rlph-42-fix-the-bug", f.worktrees.created[0])
	assert.Len(t, f.worktrees.removed, 1)
}

// S2: an existing PR skips submission; its number is used for comments.
func TestExistingPRSkipsSubmission(t *testing.T) {
	f := newFixture(t, config.Flags{Once: true}, task42())
	f.backend.existingPR = 99

	_, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)

	assert.Empty(t, f.backend.submits)
	require.Contains(t, f.backend.upserts, uint64(99))
	assert.Contains(t, f.backend.upserts[99][0], submission.ReviewMarker)

	// Non-dry-run marks the source.
	assert.Equal(t, []string{"42"}, f.source.inProgress)
	assert.Equal(t, []string{"42"}, f.source.inReview)
}

// S3: review exhaustion fails the iteration but preserves the current-task
// state and the worktree for post-mortem.
func TestReviewExhaustionPreservesState(t *testing.T) {
	f := newFixture(t, config.Flags{Once: true, DryRun: true, MaxReviewRounds: 2}, task42())
	f.factory.steps["aggregate"] = &scripted{fallback: out(needsFixJSON)}
	f.factory.steps["fix"] = &scripted{fallback: out(fixDoneJSON)}

	_, err := f.orch.RunIteration(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review did not complete after 2 round(s)")

	data := f.state.Load()
	require.NotNil(t, data.CurrentTask)
	assert.Equal(t, "review", data.CurrentTask.Phase)
	assert.Empty(t, data.History)
	assert.Empty(t, f.worktrees.removed, "worktree must survive review exhaustion")
}

// S4: a malformed phase output recovers via session-resume correction and
// the review completes in round one.
func TestCorrectionRecovery(t *testing.T) {
	f := newFixture(t, config.Flags{Once: true, DryRun: true}, task42())
	f.factory.phases["correctness"] = &scripted{
		results: []*runner.RunResult{{Stdout: "not json at all", SessionID: "s1"}},
	}
	f.correction.results = []*runner.RunResult{out(emptyFindings)}

	outcome, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProcessedTask, outcome)
	assert.Equal(t, 1, f.correction.calls)

	data := f.state.Load()
	require.Len(t, data.History, 1)
}

// A malformed phase output with no session id restarts the round; with a
// fresh round the phases succeed and the review passes.
func TestPhaseFailureWithoutSessionRestartsRound(t *testing.T) {
	f := newFixture(t, config.Flags{Once: true, DryRun: true}, task42())
	f.factory.phases["security"] = &scripted{
		results:  []*runner.RunResult{out("garbage output")},
		fallback: out(emptyFindings),
	}

	_, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.correction.calls, "no session id, no correction attempt")
	assert.Equal(t, 2, f.factory.phases["security"].calls)
}

func TestNoEligibleTasks(t *testing.T) {
	f := newFixture(t, config.Flags{Once: true, DryRun: true})
	outcome, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoEligibleTasks, outcome)
}

func TestDependencyBlockedTasksNotEligible(t *testing.T) {
	blocked := sources.Task{ID: "7", Title: "Blocked", Body: "Blocked by #99"}
	f := newFixture(t, config.Flags{Once: true, DryRun: true}, blocked)

	outcome, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoEligibleTasks, outcome)
}

func TestNeedsFixWithoutInstructionsRestartsRound(t *testing.T) {
	noInstructions := `{"verdict":"needs_fix","comment":"hm","findings":[]}`
	f := newFixture(t, config.Flags{Once: true, DryRun: true, MaxReviewRounds: 2}, task42())
	f.factory.steps["aggregate"] = &scripted{
		results:  []*runner.RunResult{out(noInstructions)},
		fallback: out(approvedJSON),
	}
	fixStep := &scripted{fallback: out(fixDoneJSON)}
	f.factory.steps["fix"] = fixStep

	_, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fixStep.calls, "fix agent must not run without instructions")
	assert.Equal(t, 2, f.factory.steps["aggregate"].calls)
}

func TestReviewFixPushesBranch(t *testing.T) {
	f := newFixture(t, config.Flags{Once: true, MaxReviewRounds: 2}, task42())
	f.factory.steps["aggregate"] = &scripted{
		results:  []*runner.RunResult{out(needsFixJSON)},
		fallback: out(approvedJSON),
	}
	f.factory.steps["fix"] = &scripted{fallback: out(fixDoneJSON)}

	_, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)

	// Implement push plus the post-fix push.
	pushes := 0
	for _, call := range f.git.calls {
		if call[0] == "push" {
			pushes++
		}
	}
	assert.Equal(t, 2, pushes)
}

// The correction loop performs at most two resume attempts, feeding each
// new parse error into the next correction prompt.
func TestCorrectionBound(t *testing.T) {
	correction := &mockCorrection{}
	_, ok := RetryWithCorrection(context.Background(), correction, slog.Default(),
		"session-1", runner.KindClaude, runner.Options{},
		schema.NamePhase, "initial error", "/wt", schema.ParsePhaseOutput)
	assert.False(t, ok)
	assert.Equal(t, 2, correction.calls)
}

func TestCorrectionSkippedWithoutSession(t *testing.T) {
	correction := &mockCorrection{}
	_, ok := RetryWithCorrection(context.Background(), correction, slog.Default(),
		"", runner.KindClaude, runner.Options{},
		schema.NamePhase, "initial error", "/wt", schema.ParsePhaseOutput)
	assert.False(t, ok)
	assert.Zero(t, correction.calls)
}

func osMkdirWrite(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// chooseAgent emulates the choose agent writing .rlph/task.toml, then
// defers every other phase to a scripted runner.
type chooseAgent struct {
	root      string
	selection string
	inner     *scripted
}

func (a *chooseAgent) Run(ctx context.Context, phase runner.Phase, prompt, dir string) (*runner.RunResult, error) {
	if phase == runner.PhaseChoose {
		path := filepath.Join(a.root, ".rlph", "task.toml")
		if err := osMkdirWrite(path, fmt.Sprintf("id = %q\n", a.selection)); err != nil {
			return nil, err
		}
		return out("selected"), nil
	}
	return a.inner.Run(ctx, phase, prompt, dir)
}

func (a *chooseAgent) WithStreamPrefix(tag string) runner.AgentRunner { return a }

func TestChoosePhaseReadsTaskSelection(t *testing.T) {
	other := sources.Task{ID: "7", Title: "Other task", Body: ""}
	f := newFixture(t, config.Flags{Once: true, DryRun: true}, task42(), other)
	f.orch.agent = &chooseAgent{
		root:      f.root,
		selection: "gh-42",
		inner:     &scripted{fallback: out("IMPLEMENTATION_COMPLETE")},
	}

	outcome, err := f.orch.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProcessedTask, outcome)

	data := f.state.Load()
	require.Len(t, data.History, 1)
	assert.Equal(t, "gh-42", data.History[0].ID)

	// The handoff file is consumed.
	_, statErr := os.Stat(filepath.Join(f.root, ".rlph", "task.toml"))
	assert.Error(t, statErr)
}

func TestParseIssueNumber(t *testing.T) {
	for id, want := range map[string]uint64{"gh-1": 1, "gh-42": 42, "gh-999": 999} {
		n, err := ParseIssueNumber(id)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	for _, id := range []string{"42", "gh-", "gh-abc", "", "linear-42"} {
		_, err := ParseIssueNumber(id)
		assert.Error(t, err, id)
	}
}

func TestRunLoopOnce(t *testing.T) {
	f := newFixture(t, config.Flags{Once: true, DryRun: true}, task42())
	require.NoError(t, f.orch.RunLoop(context.Background(), nil))
	assert.Len(t, f.worktrees.created, 1)
}

func TestRunLoopShutdownBeforeIteration(t *testing.T) {
	f := newFixture(t, config.Flags{Continuous: true, DryRun: true}, task42())
	shutdown := make(chan struct{})
	close(shutdown)
	require.NoError(t, f.orch.RunLoop(context.Background(), shutdown))
	assert.Empty(t, f.worktrees.created)
}

func TestRunLoopMaxIterations(t *testing.T) {
	f := newFixture(t, config.Flags{MaxIterations: 2, DryRun: true}, task42())
	require.NoError(t, f.orch.RunLoop(context.Background(), nil))
	assert.Len(t, f.worktrees.created, 2)
}
