package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// TaskFilter narrows a task listing. Zero values mean no constraint.
type TaskFilter struct {
	Status string
	RepoID int64
	Limit  int
}

// CreateTask registers a new task.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.RepoID > 0 {
		q.Set("repo_id", strconv.FormatInt(f.RepoID, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}

	path := "/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var ts []Task
	if err := c.do(ctx, http.MethodGet, path, nil, &ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// GetTask returns one task with its live session state.
func (c *Client) GetTask(ctx context.Context, id int64) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/tasks/%d", id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTask stops any live session and removes the task.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/tasks/%d", id), nil, nil)
}

// EnsureSession starts a session for the task, or attaches to the live one.
func (c *Client) EnsureSession(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%d/session", id), nil, nil)
}

// SendMessage enqueues a user message for the task's agent.
func (c *Client) SendMessage(ctx context.Context, id int64, content string) error {
	body := struct {
		Content string `json:"content"`
	}{Content: content}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%d/messages", id), body, nil)
}

// Interrupt asks the task's live session to stop the current turn.
func (c *Client) Interrupt(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%d/interrupt", id), nil, nil)
}

// ListMessages returns the task transcript, oldest first. limit 0 returns
// everything.
func (c *Client) ListMessages(ctx context.Context, id int64, limit int) ([]Message, error) {
	path := fmt.Sprintf("/v1/tasks/%d/messages", id)
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}

	var msgs []Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// StreamToken mints a short-lived token for the task's WebSocket stream.
func (c *Client) StreamToken(ctx context.Context, id int64) (*StreamToken, error) {
	var st StreamToken
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%d/stream-token", id), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
