// Package openmcp is a small client for the OpenMCP intent daemon REST API.
// It deliberately does not import the daemon's internal packages so it can be
// vendored on its own.
package openmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Synchronous runs may take several completion rounds, so it is longer than a
// typical API timeout.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with the intent daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// AskRequest is the payload of a synchronous run.
type AskRequest struct {
	Prompt    string         `json:"prompt"`
	SessionID string         `json:"session_id,omitempty"`
	Wallet    string         `json:"wallet,omitempty"`
	Values    map[string]any `json:"values,omitempty"`
}

// ToolResult mirrors one tool invocation in a run result.
type ToolResult struct {
	Tool        string `json:"tool"`
	CallID      string `json:"call_id,omitempty"`
	OK          bool   `json:"ok"`
	Output      any    `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	Blocked     bool   `json:"blocked,omitempty"`
	Synthetic   bool   `json:"synthetic,omitempty"`
	RetriesUsed int    `json:"retries_used,omitempty"`
}

// RunResult is the outcome of one run.
type RunResult struct {
	RunID             string       `json:"run_id"`
	FinalResponseText string       `json:"final_response_text"`
	ToolResults       []ToolResult `json:"tool_results"`
	Iterations        int          `json:"iterations"`
	Outcome           string       `json:"outcome"`
}

// Event is one entry of the ordered run event log.
type Event struct {
	RunID     string         `json:"run_id,omitempty"`
	Seq       int            `json:"seq"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// AskResponse is returned by Ask. Error is set when the run was cut short but
// still produced an answer.
type AskResponse struct {
	Result *RunResult `json:"result"`
	Events []Event    `json:"events"`
	Error  string     `json:"error,omitempty"`
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	ID        string         `json:"id,omitempty"`
	Prompt    string         `json:"prompt"`
	SessionID string         `json:"session_id,omitempty"`
	Wallet    string         `json:"wallet,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskResult summarises the run that completed a task.
type TaskResult struct {
	RunID      string `json:"run_id"`
	Reply      string `json:"reply"`
	Outcome    string `json:"outcome"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`
}

// Task is the daemon's view of an asynchronous run.
type Task struct {
	ID         string         `json:"id"`
	Prompt     string         `json:"prompt"`
	SessionID  string         `json:"session_id,omitempty"`
	Wallet     string         `json:"wallet,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *TaskResult    `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Finished reports whether the task reached a state it will not leave.
func (t Task) Finished() bool {
	switch t.Status {
	case "succeeded":
		return true
	case "failed":
		return t.Attempts >= t.MaxRetries
	}
	return false
}

// TaskStats aggregates task counts by status.
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Retrying        int   `json:"retrying"`
	WriteCommitted  int   `json:"write_committed"`
	QueueDepth      int   `json:"queue_depth"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// TaskFilter narrows ListTasks. Zero values are omitted.
type TaskFilter struct {
	Statuses   []string
	SessionID  string
	Wallet     string
	ErrorCodes []string
	Outcomes   []string
	Query      string
	Limit      int
	Offset     int
	Oldest     bool
}

func (f TaskFilter) values() url.Values {
	v := url.Values{}
	if len(f.Statuses) > 0 {
		v.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.SessionID != "" {
		v.Set("session_id", f.SessionID)
	}
	if f.Wallet != "" {
		v.Set("wallet", f.Wallet)
	}
	if len(f.ErrorCodes) > 0 {
		v.Set("error_code", strings.Join(f.ErrorCodes, ","))
	}
	if len(f.Outcomes) > 0 {
		v.Set("outcome", strings.Join(f.Outcomes, ","))
	}
	if f.Query != "" {
		v.Set("q", f.Query)
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		v.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Oldest {
		v.Set("order", "asc")
	}
	return v
}

// RunRecord is one persisted run.
type RunRecord struct {
	RunID         string `json:"run_id"`
	SessionID     string `json:"session_id"`
	Wallet        string `json:"wallet"`
	Prompt        string `json:"prompt"`
	FinalResponse string `json:"final_response"`
	Iterations    int    `json:"iterations"`
	Outcome       string `json:"outcome"`
	CreatedAt     int64  `json:"created_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openmcp api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openmcp api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the intent API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets a bearer token for gateways in front of the daemon.
// An empty token removes the header.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Ask runs one intent synchronously and returns the result with its events.
func (c *Client) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	var resp AskResponse
	if err := c.post(ctx, "/api/v1/ask", req, &resp); err != nil {
		return AskResponse{}, err
	}
	return resp, nil
}

// SubmitTask queues an intent for asynchronous execution.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var detail Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &detail); err != nil {
		return Task{}, err
	}
	return detail, nil
}

// ListTasks returns tasks matching filter.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var tasks []Task
	if err := c.get(ctx, "/api/v1/tasks", filter.values(), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskStats returns aggregate task counts.
func (c *Client) TaskStats(ctx context.Context) (TaskStats, error) {
	var stats TaskStats
	if err := c.get(ctx, "/api/v1/tasks/stats", nil, &stats); err != nil {
		return TaskStats{}, err
	}
	return stats, nil
}

// ListRuns returns the latest runs, optionally for one session.
func (c *Client) ListRuns(ctx context.Context, sessionID string, limit int) ([]RunRecord, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var records []RunRecord
	if err := c.get(ctx, "/api/v1/runs", q, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// WaitForTask polls GetTask until the task is finished or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if t.Finished() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			var envelope struct {
				Error *APIError `json:"error"`
			}
			if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
				apiErr.Code = envelope.Error.Code
				apiErr.Message = envelope.Error.Message
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
