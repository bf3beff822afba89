package taskservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultBaseURL is the task service's REST root.
const DefaultBaseURL = "https://api.ticktick.com/open/v1"

// TokenSource yields a bearer token per request and can force a refresh
// after an authorization failure. *Auth implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Client talks to the task service REST API. Every call authenticates
// with a bearer token; on a 401 the token is refreshed and the request
// retried exactly once.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds the REST client. An empty baseURL selects the default.
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "taskservice"),
	}
}

// do performs one authenticated request. body is marshalled once so the
// 401 retry can resend it; out, when non-nil, receives the decoded JSON
// response.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	resp, err := c.send(ctx, method, path, payload, tok)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.logger.Info("token rejected, refreshing and retrying", "path", path)
		tok, err = c.tokens.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("token refresh after 401: %w", err)
		}
		resp, err = c.send(ctx, method, path, payload, tok)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("task service returned %d for %s %s: %s",
			resp.StatusCode, method, path, truncate(string(data), 200))
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("task service request failed: %w", err)
	}
	return resp, nil
}

// Projects lists every project.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/project", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// ProjectData fetches a project together with its tasks and columns.
func (c *Client) ProjectData(ctx context.Context, projectID string) (*ProjectData, error) {
	var data ProjectData
	if err := c.do(ctx, http.MethodGet, "/project/"+projectID+"/data", nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ProjectTasks lists one project's tasks, dropping completed rows unless
// asked to keep them.
func (c *Client) ProjectTasks(ctx context.Context, projectID string, includeCompleted bool) ([]Task, error) {
	data, err := c.ProjectData(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tasks := data.Tasks
	if !includeCompleted {
		tasks = dropCompleted(tasks)
	}
	return tasks, nil
}

// AllTasks aggregates tasks across every non-closed project, injecting
// project id and name into each row.
func (c *Client) AllTasks(ctx context.Context, includeCompleted bool) ([]Task, error) {
	projects, err := c.Projects(ctx)
	if err != nil {
		return nil, err
	}

	var all []Task
	for _, proj := range projects {
		if proj.Closed || proj.ID == "" {
			continue
		}
		data, err := c.ProjectData(ctx, proj.ID)
		if err != nil {
			c.logger.Warn("skipping project, data fetch failed", "project", proj.ID, "error", err)
			continue
		}
		name := data.Project.Name
		if name == "" {
			name = proj.Name
		}
		for _, t := range data.Tasks {
			if !includeCompleted && t.Status == StatusCompleted {
				continue
			}
			t.ProjectID = proj.ID
			t.ProjectName = name
			all = append(all, t)
		}
	}
	return all, nil
}

// Task fetches one task by id.
func (c *Client) Task(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, "/task/"+taskID, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask creates a task. Title and ProjectID are required; the due
// date, when set, must already be in service format (FormatServiceTime).
func (c *Client) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	if t.Title == "" {
		return nil, fmt.Errorf("task title is required")
	}
	if t.ProjectID == "" {
		return nil, fmt.Errorf("task project id is required")
	}
	var created Task
	if err := c.do(ctx, http.MethodPost, "/task", t, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// TaskPatch describes a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title    *string
	Content  *string
	Status   *int
	Priority *int
	DueDate  *string
}

// UpdateTask applies a patch: the current task is fetched, the set fields
// merged in, and the whole object posted back. The service has no partial
// update endpoint.
func (c *Client) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (*Task, error) {
	current, err := c.Task(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("fetching task for update: %w", err)
	}
	if patch.Title != nil {
		current.Title = *patch.Title
	}
	if patch.Content != nil {
		current.Content = *patch.Content
	}
	if patch.Status != nil {
		current.Status = *patch.Status
	}
	if patch.Priority != nil {
		current.Priority = *patch.Priority
	}
	if patch.DueDate != nil {
		current.DueDate = *patch.DueDate
	}

	var updated Task
	if err := c.do(ctx, http.MethodPost, "/task/"+taskID, current, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// CompleteTask marks a task completed.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (*Task, error) {
	status := StatusCompleted
	return c.UpdateTask(ctx, taskID, TaskPatch{Status: &status})
}

func dropCompleted(tasks []Task) []Task {
	out := tasks[:0]
	for _, t := range tasks {
		if t.Status != StatusCompleted {
			out = append(out, t)
		}
	}
	return out
}

// truncate shortens a string for error messages and logs.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
