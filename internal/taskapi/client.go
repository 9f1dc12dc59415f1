// Package taskapi is a read-only client for the task management API.
package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/taskhub/reminder-worker/internal/domain"
)

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("task api %s: unexpected status %d", e.Path, e.StatusCode)
}

// Is lets callers match a 404 with errors.Is(err, domain.ErrNotFound).
func (e *StatusError) Is(target error) bool {
	return target == domain.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client queries tasks and users. The base URL is injected from config so
// tests can point it at an httptest server.
type Client struct {
	baseURL    string
	fetchLimit int
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration, fetchLimit int) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		fetchLimit: fetchLimit,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ListTasks fetches GET /tasks. The API already returns the newest tasks
// first; the result is additionally capped at the configured fetch limit.
func (c *Client) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := c.getJSON(ctx, "/tasks", &tasks); err != nil {
		return nil, err
	}
	if c.fetchLimit > 0 && len(tasks) > c.fetchLimit {
		tasks = tasks[:c.fetchLimit]
	}
	return tasks, nil
}

// GetUser fetches GET /users/{id}.
func (c *Client) GetUser(ctx context.Context, id int) (*domain.User, error) {
	var u domain.User
	if err := c.getJSON(ctx, "/users/"+strconv.Itoa(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Path: path, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s: empty body", path)
		}
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
