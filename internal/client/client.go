package client

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

	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/dante-gpu/dante-mesh/internal/handlers"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"go.uber.org/zap"
)

// Client talks to a running agent's control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// APIError is a non-2xx reply from the control API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control API returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps a 404 onto ErrNotFound.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return apperrors.ErrNotFound
	}
	return nil
}

// NewClient creates a control API client. addr may omit the scheme.
func NewClient(addr string, timeout time.Duration, logger *zap.Logger) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL:    strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (*models.AgentStatus, error) {
	var st models.AgentStatus
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Tasks fetches GET /tasks, filtered by status when one is given.
func (c *Client) Tasks(ctx context.Context, status string) ([]models.TaskResult, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var results []models.TaskResult
	if err := c.do(ctx, http.MethodGet, path, nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Task fetches GET /tasks/{taskID}.
func (c *Client) Task(ctx context.Context, taskID string) (*models.TaskResult, error) {
	var r models.TaskResult
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Submit publishes a task onto the mesh through the agent.
func (c *Client) Submit(ctx context.Context, msg models.TaskMessage) (*handlers.SubmitResponse, error) {
	var resp handlers.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", msg, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop asks the agent to shut down gracefully.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Calling control API", zap.String("method", method), zap.String("path", path))
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach agent at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var errResp handlers.ErrorResponse
		if json.Unmarshal(data, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
