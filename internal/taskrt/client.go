// Package taskrt is the HTTP client for the task runtime API.
package taskrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskmill/internal/scheduler"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client implements scheduler.TaskRuntime plus the optional polling and
// result-retrieval capabilities.
type Client struct {
	base  string
	token string
	hc    *http.Client
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("task runtime base URL required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("task runtime base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:  base,
		token: strings.TrimSpace(cfg.Token),
		hc:    &http.Client{Timeout: timeout},
	}, nil
}

type createTaskRequest struct {
	Title         string `json:"title,omitempty"`
	Prompt        string `json:"prompt"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
	Model         string `json:"model,omitempty"`
}

type createTaskResponse struct {
	ID string `json:"id"`
}

func (c *Client) CreateTask(ctx context.Context, spec scheduler.TaskSpec) (scheduler.TaskRef, error) {
	var resp createTaskResponse
	err := c.do(ctx, http.MethodPost, "/v1/tasks", createTaskRequest{
		Title:         spec.Title,
		Prompt:        spec.Prompt,
		WorkspaceID:   spec.WorkspaceID,
		WorkspacePath: spec.WorkspacePath,
		Model:         spec.Model,
	}, &resp)
	if err != nil {
		return scheduler.TaskRef{}, err
	}
	if resp.ID == "" {
		return scheduler.TaskRef{}, fmt.Errorf("runtime returned empty task id")
	}
	return scheduler.TaskRef{ID: resp.ID}, nil
}

type taskStatusResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (c *Client) TaskStatus(ctx context.Context, id string) (scheduler.TaskState, error) {
	var resp taskStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &resp); err != nil {
		return scheduler.TaskState{}, err
	}
	st := scheduler.TaskState{Status: resp.Status, Summary: resp.Summary, Error: resp.Error}
	switch strings.ToLower(resp.Status) {
	case "completed", "succeeded":
		st.Terminal = scheduler.TerminalCompleted
	case "partial", "partial_success":
		st.Terminal = scheduler.TerminalPartial
	case "failed", "error", "canceled", "cancelled":
		st.Terminal = scheduler.TerminalFailed
	}
	return st, nil
}

type taskResultResponse struct {
	Text string `json:"text"`
}

func (c *Client) TaskResultText(ctx context.Context, id string) (string, error) {
	var resp taskResultResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id)+"/result", nil, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
