package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "state"), nil)
}

func TestLoadEmptyReturnsDefault(t *testing.T) {
	mgr := testManager(t)
	data := mgr.Load()
	assert.Nil(t, data.CurrentTask)
	assert.Empty(t, data.History)
	assert.Empty(t, data.WorktreeMappings)
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	mgr := testManager(t)
	data := Data{
		CurrentTask: &CurrentTask{ID: "gh-5", Phase: "implement", WorktreePath: "/tmp/wt"},
		History:     []CompletedTask{{ID: "gh-3", CompletedAt: 1700000000}},
		WorktreeMappings: map[string]string{
			"gh-5": "/tmp/wt",
			"gh-3": "/tmp/old",
		},
	}
	require.NoError(t, mgr.Save(data))
	loaded := mgr.Load()
	assert.Equal(t, data, loaded)
}

func TestCorruptedStateReturnsDefault(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, os.MkdirAll(mgr.stateDir, 0o755))
	require.NoError(t, os.WriteFile(mgr.stateFile(), []byte("this is not valid toml [[["), 0o644))

	data := mgr.Load()
	assert.Nil(t, data.CurrentTask)
	assert.Empty(t, data.History)
}

func TestSetCurrentTask(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.SetCurrentTask("gh-7", "choose", "/tmp/wt7"))

	data := mgr.Load()
	require.NotNil(t, data.CurrentTask)
	assert.Equal(t, "gh-7", data.CurrentTask.ID)
	assert.Equal(t, "choose", data.CurrentTask.Phase)
	assert.Equal(t, "/tmp/wt7", data.CurrentTask.WorktreePath)
	assert.Equal(t, "/tmp/wt7", data.WorktreeMappings["gh-7"])
}

func TestSingleCurrentTaskInvariant(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.SetCurrentTask("gh-1", "implement", "/tmp/wt1"))
	require.NoError(t, mgr.SetCurrentTask("gh-2", "implement", "/tmp/wt2"))

	data := mgr.Load()
	require.NotNil(t, data.CurrentTask)
	assert.Equal(t, "gh-2", data.CurrentTask.ID)
}

func TestUpdatePhase(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.SetCurrentTask("gh-7", "choose", "/tmp/wt7"))
	require.NoError(t, mgr.UpdatePhase("implement"))
	assert.Equal(t, "implement", mgr.Load().CurrentTask.Phase)
}

func TestUpdatePhaseNoCurrentTask(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.UpdatePhase("review"))
	assert.Nil(t, mgr.Load().CurrentTask)
}

func TestCompleteCurrentTask(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.SetCurrentTask("gh-7", "implement", "/tmp/wt7"))
	require.NoError(t, mgr.CompleteCurrentTask())

	data := mgr.Load()
	assert.Nil(t, data.CurrentTask)
	require.Len(t, data.History, 1)
	assert.Equal(t, "gh-7", data.History[0].ID)
	assert.Greater(t, data.History[0].CompletedAt, int64(0))
}

func TestCompleteNoCurrentTask(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.CompleteCurrentTask())
	assert.Empty(t, mgr.Load().History)
}

func TestClearCurrentTask(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.SetCurrentTask("gh-7", "review", "/tmp/wt7"))
	require.NoError(t, mgr.ClearCurrentTask())

	data := mgr.Load()
	assert.Nil(t, data.CurrentTask)
	assert.Empty(t, data.History)
}

func TestRemoveWorktreeMapping(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.SetCurrentTask("gh-7", "implement", "/tmp/wt7"))
	require.NoError(t, mgr.RemoveWorktreeMapping("gh-7"))

	_, ok := mgr.WorktreePath("gh-7")
	assert.False(t, ok)
}

func TestWorktreePath(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.SetCurrentTask("gh-7", "implement", "/tmp/wt7"))

	path, ok := mgr.WorktreePath("gh-7")
	assert.True(t, ok)
	assert.Equal(t, "/tmp/wt7", path)

	_, ok = mgr.WorktreePath("gh-999")
	assert.False(t, ok)
}

func TestStateSurvivesReload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	first := NewManager(dir, nil)
	require.NoError(t, first.SetCurrentTask("gh-10", "implement", "/tmp/wt10"))

	second := NewManager(dir, nil)
	data := second.Load()
	require.NotNil(t, data.CurrentTask)
	assert.Equal(t, "gh-10", data.CurrentTask.ID)
	assert.Equal(t, "implement", data.CurrentTask.Phase)
}

func TestMultipleCompletedTasks(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.SetCurrentTask("gh-1", "implement", "/tmp/wt1"))
	require.NoError(t, mgr.CompleteCurrentTask())
	require.NoError(t, mgr.SetCurrentTask("gh-2", "implement", "/tmp/wt2"))
	require.NoError(t, mgr.CompleteCurrentTask())

	data := mgr.Load()
	require.Len(t, data.History, 2)
	assert.Equal(t, "gh-1", data.History[0].ID)
	assert.Equal(t, "gh-2", data.History[1].ID)
}

func TestStateFileIsValidTOML(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.SetCurrentTask("gh-5", "implement", "/tmp/wt5"))

	content, err := os.ReadFile(mgr.stateFile())
	require.NoError(t, err)
	var anything map[string]any
	require.NoError(t, toml.Unmarshal(content, &anything))
}
