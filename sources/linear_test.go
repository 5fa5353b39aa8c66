package sources

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLinearClient struct {
	responses []json.RawMessage
	errs      []error
	queries   []string
}

func (m *mockLinearClient) GraphQL(query string, variables map[string]any) (json.RawMessage, error) {
	m.queries = append(m.queries, query)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("no more mock responses")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func linearIssue(number uint64, title, stateName string, priority uint8) string {
	return fmt.Sprintf(`{
		"id": "uuid-%d",
		"identifier": "ENG-%d",
		"number": %d,
		"title": %q,
		"description": "body",
		"url": "https://linear.app/team/issue/ENG-%d",
		"priority": %d,
		"state": {"name": %q},
		"labels": {"nodes": [{"name": "rlph"}]}
	}`, number, number, number, title, number, priority, stateName)
}

func linearSourceWith(responses ...string) (*LinearSource, *mockLinearClient) {
	client := &mockLinearClient{}
	for _, r := range responses {
		client.responses = append(client.responses, json.RawMessage(r))
	}
	source := NewLinearSource("key", "Platform", "rlph", slog.Default()).WithClient(client)
	return source, client
}

func TestLinearFetchEligibleTasks(t *testing.T) {
	source, _ := linearSourceWith(fmt.Sprintf(
		`{"issues":{"nodes":[%s,%s,%s]}}`,
		linearIssue(1, "Backlog task", "Backlog", 2),
		linearIssue(2, "Active task", "In Progress", 0),
		linearIssue(3, "Todo task", "Todo", 4),
	))

	tasks, err := source.FetchEligibleTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "1", tasks[0].ID)
	assert.Equal(t, Priority(2), tasks[0].Priority)
	assert.Equal(t, "3", tasks[1].ID)
	assert.Equal(t, Priority(8), tasks[1].Priority)
}

func TestLinearPriorityFallsBackToLabels(t *testing.T) {
	// Priority 0 with a p3 label: the label wins.
	issue := `{
		"id": "uuid-5",
		"identifier": "ENG-5",
		"number": 5,
		"title": "Labelled",
		"description": "body",
		"url": "https://linear.app/team/issue/ENG-5",
		"priority": 0,
		"state": {"name": "Todo"},
		"labels": {"nodes": [{"name": "rlph"}, {"name": "p3"}]}
	}`
	source, _ := linearSourceWith(fmt.Sprintf(`{"issues":{"nodes":[%s]}}`, issue))

	tasks, err := source.FetchEligibleTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, Priority(3), tasks[0].Priority)
}

func TestLinearNativePriorityWinsOverLabels(t *testing.T) {
	issue := `{
		"id": "uuid-6",
		"identifier": "ENG-6",
		"number": 6,
		"title": "Both",
		"description": "body",
		"url": "https://linear.app/team/issue/ENG-6",
		"priority": 1,
		"state": {"name": "Todo"},
		"labels": {"nodes": [{"name": "priority-low"}]}
	}`
	source, _ := linearSourceWith(fmt.Sprintf(`{"issues":{"nodes":[%s]}}`, issue))

	tasks, err := source.FetchEligibleTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, Priority(1), tasks[0].Priority)
}

func TestLinearFetchClosedTaskIDs(t *testing.T) {
	source, _ := linearSourceWith(`{"issues":{"nodes":[{"number":4},{"number":9}]}}`)
	ids, err := source.FetchClosedTaskIDs()
	require.NoError(t, err)
	assert.True(t, ids[4])
	assert.True(t, ids[9])
	assert.False(t, ids[1])
}

func TestLinearGetTaskDetails(t *testing.T) {
	source, _ := linearSourceWith(fmt.Sprintf(
		`{"issues":{"nodes":[%s]}}`, linearIssue(7, "Detail", "Todo", 1)))
	task, err := source.GetTaskDetails("7")
	require.NoError(t, err)
	assert.Equal(t, "7", task.ID)
	assert.Equal(t, "Detail", task.Title)
	assert.Equal(t, Priority(1), task.Priority)
	assert.Equal(t, []string{"rlph"}, task.Labels)
}

func TestLinearGetTaskDetailsNotFound(t *testing.T) {
	source, _ := linearSourceWith(`{"issues":{"nodes":[]}}`)
	_, err := source.GetTaskDetails("99")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLinearMarkInProgress(t *testing.T) {
	source, client := linearSourceWith(
		fmt.Sprintf(`{"issues":{"nodes":[%s]}}`, linearIssue(7, "Task", "Todo", 0)),
		`{"workflowStates":{"nodes":[{"id":"state-1","name":"In Progress"}]}}`,
		`{"issueUpdate":{"success":true}}`,
	)
	require.NoError(t, source.MarkInProgress("7"))
	assert.Len(t, client.queries, 3)
}

func TestLinearMarkStateFailure(t *testing.T) {
	source, _ := linearSourceWith(
		fmt.Sprintf(`{"issues":{"nodes":[%s]}}`, linearIssue(7, "Task", "Todo", 0)),
		`{"workflowStates":{"nodes":[{"id":"state-1","name":"Done"}]}}`,
		`{"issueUpdate":{"success":false}}`,
	)
	err := source.MarkDone("7")
	require.Error(t, err)
}

func TestLinearInvalidIssueNumber(t *testing.T) {
	source, _ := linearSourceWith()
	_, err := source.GetTaskDetails("abc")
	require.Error(t, err)
}

func TestInitLinearLabelAlreadyExists(t *testing.T) {
	client := &mockLinearClient{responses: []json.RawMessage{
		json.RawMessage(`{"issueLabels":{"nodes":[{"id":"lbl-1"}]}}`),
	}}
	require.NoError(t, InitLinearLabel(client, "Platform", "rlph", slog.Default()))
	assert.Len(t, client.queries, 1)
}

func TestInitLinearLabelCreates(t *testing.T) {
	client := &mockLinearClient{responses: []json.RawMessage{
		json.RawMessage(`{"issueLabels":{"nodes":[]}}`),
		json.RawMessage(`{"teams":{"nodes":[{"id":"team-1"}]}}`),
		json.RawMessage(`{"issueLabelCreate":{"success":true}}`),
	}}
	require.NoError(t, InitLinearLabel(client, "Platform", "rlph", slog.Default()))
	assert.Len(t, client.queries, 3)
}
