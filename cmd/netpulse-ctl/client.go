package main

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

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/registry"
	"github.com/netpulse/netpulse/internal/wire"
)

// Client wraps HTTP client for API operations
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(server, token string) *Client {
	// Ensure server has protocol prefix
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "http://" + server
	}

	return &Client{
		baseURL: strings.TrimSuffix(server, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// request makes an HTTP request to the API
func (c *Client) request(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// ListResponse wraps list results with pagination echo
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Count  int `json:"count"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// listQuery builds the common limit/offset query string
func listQuery(params url.Values, limit, offset int) string {
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		params.Set("offset", fmt.Sprintf("%d", offset))
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

// ListAgents lists registered agents, optionally filtered by status
func (c *Client) ListAgents(ctx context.Context, status string, limit, offset int) (*ListResponse[database.Agent], error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	path := "/api/v1/agents" + listQuery(params, limit, offset)

	var resp ListResponse[database.Agent]
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAgent retrieves a specific agent
func (c *Client) GetAgent(ctx context.Context, agentID string) (*database.Agent, error) {
	var agent database.Agent
	if err := c.request(ctx, http.MethodGet, "/api/v1/agents/"+agentID, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// CreateAgentRequest specifies parameters for registering an agent
type CreateAgentRequest struct {
	Name               string          `json:"name"`
	Address            string          `json:"address"`
	Country            *string         `json:"country,omitempty"`
	City               *string         `json:"city,omitempty"`
	Latitude           *float64        `json:"latitude,omitempty"`
	Longitude          *float64        `json:"longitude,omitempty"`
	ISP                *string         `json:"isp,omitempty"`
	Capabilities       []wire.Protocol `json:"capabilities,omitempty"`
	MaxConcurrentTasks int             `json:"max_concurrent_tasks,omitempty"`
}

// CreateAgentResponse returns the created agent and its one-time API key
type CreateAgentResponse struct {
	Agent  *database.Agent `json:"agent"`
	APIKey string          `json:"api_key"`
}

// CreateAgent registers a new probe agent
func (c *Client) CreateAgent(ctx context.Context, req *CreateAgentRequest) (*CreateAgentResponse, error) {
	var resp CreateAgentResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/agents", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteAgent removes an agent
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	return c.request(ctx, http.MethodDelete, "/api/v1/agents/"+agentID, nil, nil)
}

// SetAgentEnabled enables or disables an agent
func (c *Client) SetAgentEnabled(ctx context.Context, agentID string, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	return c.request(ctx, http.MethodPost, fmt.Sprintf("/api/v1/agents/%s/%s", agentID, action), nil, nil)
}

// ListAgentResults lists recent results produced by an agent
func (c *Client) ListAgentResults(ctx context.Context, agentID string, limit, offset int) (*ListResponse[database.TaskResult], error) {
	path := fmt.Sprintf("/api/v1/agents/%s/results%s", agentID, listQuery(url.Values{}, limit, offset))

	var resp ListResponse[database.TaskResult]
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTasks lists probe tasks, optionally filtered by status or user
func (c *Client) ListTasks(ctx context.Context, status, userID string, limit, offset int) (*ListResponse[database.Task], error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if userID != "" {
		params.Set("user_id", userID)
	}
	path := "/api/v1/tasks" + listQuery(params, limit, offset)

	var resp ListResponse[database.Task]
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTask retrieves a specific task
func (c *Client) GetTask(ctx context.Context, taskID string) (*database.Task, error) {
	var task database.Task
	if err := c.request(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTaskRequest specifies parameters for defining a probe task
type CreateTaskRequest struct {
	UserID           string         `json:"user_id"`
	Protocol         wire.Protocol  `json:"protocol"`
	Target           string         `json:"target"`
	Port             *int           `json:"port,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	FrequencySeconds int            `json:"frequency_seconds"`
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	PreferredCountry *string        `json:"preferred_country,omitempty"`
	PreferredCity    *string        `json:"preferred_city,omitempty"`
	PreferredISP     *string        `json:"preferred_isp,omitempty"`
}

// CreateTask defines a new probe task
func (c *Client) CreateTask(ctx context.Context, req *CreateTaskRequest) (*database.Task, error) {
	var task database.Task
	if err := c.request(ctx, http.MethodPost, "/api/v1/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTaskRequest carries optional task field updates
type UpdateTaskRequest struct {
	Target           *string        `json:"target,omitempty"`
	Port             *int           `json:"port,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	FrequencySeconds *int           `json:"frequency_seconds,omitempty"`
	TimeoutSeconds   *int           `json:"timeout_seconds,omitempty"`
	Priority         *int           `json:"priority,omitempty"`
	PreferredCountry *string        `json:"preferred_country,omitempty"`
	PreferredCity    *string        `json:"preferred_city,omitempty"`
	PreferredISP     *string        `json:"preferred_isp,omitempty"`
}

// UpdateTask updates fields of an existing task
func (c *Client) UpdateTask(ctx context.Context, taskID string, req *UpdateTaskRequest) (*database.Task, error) {
	var task database.Task
	if err := c.request(ctx, http.MethodPut, "/api/v1/tasks/"+taskID, req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask removes a task
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.request(ctx, http.MethodDelete, "/api/v1/tasks/"+taskID, nil, nil)
}

// TaskAction performs a lifecycle action on a task (pause, resume, cancel)
func (c *Client) TaskAction(ctx context.Context, taskID, action string) error {
	return c.request(ctx, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/%s", taskID, action), nil, nil)
}

// RunTask triggers a manual task run, optionally scheduled for a later time
func (c *Client) RunTask(ctx context.Context, taskID string, at *time.Time) error {
	body := map[string]interface{}{}
	if at != nil {
		body["at"] = at.UTC().Format(time.RFC3339)
	}
	return c.request(ctx, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/run", taskID), body, nil)
}

// ListTaskResults lists results recorded for a task, newest first
func (c *Client) ListTaskResults(ctx context.Context, taskID string, limit, offset int) (*ListResponse[database.TaskResult], error) {
	path := fmt.Sprintf("/api/v1/tasks/%s/results%s", taskID, listQuery(url.Values{}, limit, offset))

	var resp ListResponse[database.TaskResult]
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTaskReassignments lists the reassignment history for a task
func (c *Client) ListTaskReassignments(ctx context.Context, taskID string, limit, offset int) (*ListResponse[database.Reassignment], error) {
	path := fmt.Sprintf("/api/v1/tasks/%s/reassignments%s", taskID, listQuery(url.Values{}, limit, offset))

	var resp ListResponse[database.Reassignment]
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetResult retrieves a single task result
func (c *Client) GetResult(ctx context.Context, resultID string) (*database.TaskResult, error) {
	var result database.TaskResult
	if err := c.request(ctx, http.MethodGet, "/api/v1/results/"+resultID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RawPayloadRef points at an offloaded raw payload in object storage
type RawPayloadRef struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GetResultRaw fetches a result's raw probe payload. Small payloads come
// back inline; offloaded ones are answered with a presigned download URL.
func (c *Client) GetResultRaw(ctx context.Context, resultID string) ([]byte, *RawPayloadRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/results/%s/raw", c.baseURL, resultID), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return nil, nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var ref RawPayloadRef
		if err := json.Unmarshal(body, &ref); err != nil {
			return nil, nil, fmt.Errorf("failed to parse response: %w", err)
		}
		return nil, &ref, nil
	}

	return body, nil, nil
}

// ApplyManifests posts a YAML manifest set for reconciliation
func (c *Client) ApplyManifests(ctx context.Context, manifests []byte) (*registry.ApplyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/manifests", bytes.NewReader(manifests))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/yaml")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var result registry.ApplyResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// Status aggregates orchestrator state for operators
type Status struct {
	Agents    map[string]int64 `json:"agents"`
	Tasks     map[string]int64 `json:"tasks"`
	Pool      PoolStatus       `json:"pool"`
	Scheduler SchedulerStats   `json:"scheduler"`
	Queue     QueueStatus      `json:"queue"`
	UptimeSec int64            `json:"uptime_seconds"`
}

// PoolStatus mirrors the connection pool counters
type PoolStatus struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
	Agents        int `json:"agents"`
}

// SchedulerStats mirrors the scheduler counters
type SchedulerStats struct {
	QueueDepth    int    `json:"queue_depth"`
	RetryDepth    int    `json:"retry_depth"`
	DelayedDepth  int    `json:"delayed_depth"`
	Executing     int    `json:"executing"`
	TotalExecuted uint64 `json:"total_executed"`
	TotalFailed   uint64 `json:"total_failed"`
	TotalTimeout  uint64 `json:"total_timeout"`
}

// QueueStatus mirrors the dispatch queue counters
type QueueStatus struct {
	Depths   map[string]int `json:"depths"`
	Enqueued uint64         `json:"enqueued"`
	Dequeued uint64         `json:"dequeued"`
	Expired  uint64         `json:"expired"`
	Rejected uint64         `json:"rejected"`
}

// GetStatus retrieves the orchestrator status summary
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.request(ctx, http.MethodGet, "/api/v1/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
