package sources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const linearAPIURL = "https://api.linear.app/graphql"

// LinearClient abstracts the Linear GraphQL API for testability.
type LinearClient interface {
	GraphQL(query string, variables map[string]any) (json.RawMessage, error)
}

// DefaultLinearClient posts GraphQL queries over HTTPS with retry/backoff.
type DefaultLinearClient struct {
	APIKey string
	HTTP   *http.Client
}

func (c *DefaultLinearClient) GraphQL(query string, variables map[string]any) (json.RawMessage, error) {
	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return nil, fmt.Errorf("failed to encode GraphQL request: %w", err)
	}

	return retryWithBackoffRaw(func() (json.RawMessage, error) {
		req, err := http.NewRequest(http.MethodPost, linearAPIURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", c.APIKey)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("linear request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read linear response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("linear returned %d: %s", resp.StatusCode, string(body))
		}

		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("failed to parse linear response: %w", err)
		}
		if len(envelope.Errors) > 0 {
			return nil, fmt.Errorf("linear GraphQL error: %s", envelope.Errors[0].Message)
		}
		return envelope.Data, nil
	}, ghInitialBackoff, ghMaxRetries)
}

func retryWithBackoffRaw(op func() (json.RawMessage, error), initial time.Duration, maxRetries uint64) (json.RawMessage, error) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.RetryWithData(op, backoff.WithMaxRetries(policy, maxRetries-1))
}

type linearIssueNode struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Number      uint64 `json:"number"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Priority    uint8  `json:"priority"`
	State       struct {
		Name string `json:"name"`
	} `json:"state"`
	Labels struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
}

// LinearSource fetches tasks from Linear via its GraphQL API.
type LinearSource struct {
	client LinearClient
	logger *slog.Logger
	label  string
	team   string
}

// NewLinearSource creates a source for the given team and label filter.
func NewLinearSource(apiKey, team, label string, logger *slog.Logger) *LinearSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinearSource{
		client: &DefaultLinearClient{APIKey: apiKey},
		team:   team,
		label:  label,
		logger: logger,
	}
}

// WithClient overrides the GraphQL client (tests).
func (s *LinearSource) WithClient(client LinearClient) *LinearSource {
	s.client = client
	return s
}

// mapLinearPriority maps Linear's 0-4 priority onto the 1-9 scale.
// Linear: 0=None, 1=Urgent, 2=High, 3=Medium, 4=Low.
func mapLinearPriority(p uint8) Priority {
	switch p {
	case 1:
		return 1 // Urgent
	case 2:
		return 2 // High
	case 3:
		return 5 // Medium
	case 4:
		return 8 // Low
	default:
		return 0 // no priority
	}
}

func (s *LinearSource) parseIssue(node linearIssueNode) Task {
	labels := make([]string, 0, len(node.Labels.Nodes))
	for _, l := range node.Labels.Nodes {
		labels = append(labels, l.Name)
	}
	// Fall back to label-based priority when Linear reports none.
	priority := mapLinearPriority(node.Priority)
	if priority == 0 {
		for _, l := range labels {
			if p, ok := PriorityFromLabel(l); ok {
				priority = p
				break
			}
		}
	}
	return Task{
		ID:       strconv.FormatUint(node.Number, 10),
		Title:    node.Title,
		Body:     node.Description,
		Labels:   labels,
		URL:      node.URL,
		Priority: priority,
	}
}

const linearIssueFields = `
	id
	identifier
	number
	title
	description
	url
	priority
	state { name }
	labels { nodes { name } }
`

func (s *LinearSource) FetchEligibleTasks() ([]Task, error) {
	query := `query($filter: IssueFilter) {
		issues(filter: $filter, first: 100) {
			nodes {` + linearIssueFields + `}
		}
	}`
	filter := map[string]any{
		"team":   map[string]any{"name": map[string]any{"eq": s.team}},
		"labels": map[string]any{"name": map[string]any{"eq": s.label}},
		"state":  map[string]any{"type": map[string]any{"nin": []string{"completed", "canceled", "started"}}},
	}
	data, err := s.client.GraphQL(query, map[string]any{"filter": filter})
	if err != nil {
		return nil, err
	}

	var result struct {
		Issues struct {
			Nodes []linearIssueNode `json:"nodes"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse linear issues: %w", err)
	}

	var tasks []Task
	for _, node := range result.Issues.Nodes {
		switch node.State.Name {
		case "In Progress", "In Review", "Done":
			continue
		}
		tasks = append(tasks, s.parseIssue(node))
	}
	s.logger.Debug("fetched eligible tasks", "count", len(tasks))
	return tasks, nil
}

func (s *LinearSource) FetchClosedTaskIDs() (map[uint64]bool, error) {
	query := `query($filter: IssueFilter) {
		issues(filter: $filter, first: 200) {
			nodes { number }
		}
	}`
	filter := map[string]any{
		"team":  map[string]any{"name": map[string]any{"eq": s.team}},
		"state": map[string]any{"type": map[string]any{"eq": "completed"}},
	}
	data, err := s.client.GraphQL(query, map[string]any{"filter": filter})
	if err != nil {
		return nil, err
	}

	var result struct {
		Issues struct {
			Nodes []struct {
				Number uint64 `json:"number"`
			} `json:"nodes"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse closed issues: %w", err)
	}

	ids := make(map[uint64]bool, len(result.Issues.Nodes))
	for _, n := range result.Issues.Nodes {
		ids[n.Number] = true
	}
	return ids, nil
}

func (s *LinearSource) GetTaskDetails(taskID string) (Task, error) {
	node, err := s.findIssueByNumber(taskID)
	if err != nil {
		return Task{}, err
	}
	return s.parseIssue(*node), nil
}

func (s *LinearSource) MarkInProgress(taskID string) error {
	return s.updateIssueState(taskID, "In Progress")
}

func (s *LinearSource) MarkInReview(taskID string) error {
	return s.updateIssueState(taskID, "In Review")
}

func (s *LinearSource) MarkDone(taskID string) error {
	return s.updateIssueState(taskID, "Done")
}

func (s *LinearSource) findIssueByNumber(taskID string) (*linearIssueNode, error) {
	number, err := strconv.ParseUint(taskID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid linear issue number %q: %w", taskID, err)
	}
	query := `query($filter: IssueFilter) {
		issues(filter: $filter, first: 1) {
			nodes {` + linearIssueFields + `}
		}
	}`
	filter := map[string]any{
		"team":   map[string]any{"name": map[string]any{"eq": s.team}},
		"number": map[string]any{"eq": number},
	}
	data, err := s.client.GraphQL(query, map[string]any{"filter": filter})
	if err != nil {
		return nil, err
	}

	var result struct {
		Issues struct {
			Nodes []linearIssueNode `json:"nodes"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse linear issue: %w", err)
	}
	if len(result.Issues.Nodes) == 0 {
		return nil, fmt.Errorf("linear issue %s not found in team %s", taskID, s.team)
	}
	return &result.Issues.Nodes[0], nil
}

func (s *LinearSource) findStateID(stateName string) (string, error) {
	query := `query($filter: WorkflowStateFilter) {
		workflowStates(filter: $filter, first: 1) {
			nodes { id name }
		}
	}`
	filter := map[string]any{
		"team": map[string]any{"name": map[string]any{"eq": s.team}},
		"name": map[string]any{"eq": stateName},
	}
	data, err := s.client.GraphQL(query, map[string]any{"filter": filter})
	if err != nil {
		return "", err
	}

	var result struct {
		WorkflowStates struct {
			Nodes []struct {
				ID string `json:"id"`
			} `json:"nodes"`
		} `json:"workflowStates"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to parse workflow states: %w", err)
	}
	if len(result.WorkflowStates.Nodes) == 0 {
		return "", fmt.Errorf("workflow state %q not found in team %s", stateName, s.team)
	}
	return result.WorkflowStates.Nodes[0].ID, nil
}

func (s *LinearSource) updateIssueState(taskID, stateName string) error {
	node, err := s.findIssueByNumber(taskID)
	if err != nil {
		return err
	}
	stateID, err := s.findStateID(stateName)
	if err != nil {
		return err
	}

	mutation := `mutation($id: String!, $stateId: String!) {
		issueUpdate(id: $id, input: { stateId: $stateId }) {
			success
		}
	}`
	data, err := s.client.GraphQL(mutation, map[string]any{"id": node.ID, "stateId": stateID})
	if err != nil {
		return err
	}

	var result struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("failed to parse issueUpdate response: %w", err)
	}
	if !result.IssueUpdate.Success {
		return fmt.Errorf("linear issueUpdate reported failure for issue %s", taskID)
	}
	s.logger.Debug("updated issue state", "task", taskID, "state", stateName)
	return nil
}

// InitLinearLabel creates the task label on the team if it does not exist.
func InitLinearLabel(client LinearClient, team, label string, logger *slog.Logger) error {
	check := `query($filter: IssueLabelFilter) {
		issueLabels(filter: $filter, first: 1) {
			nodes { id name }
		}
	}`
	filter := map[string]any{
		"team": map[string]any{"name": map[string]any{"eq": team}},
		"name": map[string]any{"eq": label},
	}
	data, err := client.GraphQL(check, map[string]any{"filter": filter})
	if err != nil {
		return err
	}
	var existing struct {
		IssueLabels struct {
			Nodes []struct {
				ID string `json:"id"`
			} `json:"nodes"`
		} `json:"issueLabels"`
	}
	if err := json.Unmarshal(data, &existing); err != nil {
		return fmt.Errorf("failed to parse label check: %w", err)
	}
	if len(existing.IssueLabels.Nodes) > 0 {
		logger.Info("label already exists", "label", label)
		return nil
	}

	teamQuery := `query($filter: TeamFilter) {
		teams(filter: $filter, first: 1) { nodes { id } }
	}`
	data, err = client.GraphQL(teamQuery, map[string]any{
		"filter": map[string]any{"name": map[string]any{"eq": team}},
	})
	if err != nil {
		return err
	}
	var teams struct {
		Teams struct {
			Nodes []struct {
				ID string `json:"id"`
			} `json:"nodes"`
		} `json:"teams"`
	}
	if err := json.Unmarshal(data, &teams); err != nil {
		return fmt.Errorf("failed to parse team lookup: %w", err)
	}
	if len(teams.Teams.Nodes) == 0 {
		return fmt.Errorf("linear team %q not found", team)
	}

	create := `mutation($input: IssueLabelCreateInput!) {
		issueLabelCreate(input: $input) { success }
	}`
	data, err = client.GraphQL(create, map[string]any{
		"input": map[string]any{"name": label, "teamId": teams.Teams.Nodes[0].ID},
	})
	if err != nil {
		return err
	}
	var created struct {
		IssueLabelCreate struct {
			Success bool `json:"success"`
		} `json:"issueLabelCreate"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return fmt.Errorf("failed to parse label create: %w", err)
	}
	if !created.IssueLabelCreate.Success {
		return fmt.Errorf("linear label create reported failure for %q", label)
	}
	logger.Info("created label", "label", label, "team", team)
	return nil
}
