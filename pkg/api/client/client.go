// Package client is a typed HTTP client for the zeblit API, used by the
// zeblit CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the zeblit API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; streams end when the command does.
	streamClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
			c.streamClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:      strings.TrimRight(trimmed, "/"),
		httpClient:   &http.Client{Timeout: 15 * time.Minute},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, token string) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	req, err := c.newRequest(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	if body == nil {
		return apiErr
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.Code = payload.Code
	return apiErr
}

func projectPath(projectID, suffix string) string {
	return "/v1/projects/" + url.PathEscape(projectID) + suffix
}

// ExecResult is the outcome of a one-shot command.
type ExecResult struct {
	ExitCode   int      `json:"exit_code"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	Truncated  bool     `json:"truncated"`
	TimedOut   bool     `json:"timed_out"`
	Args       []string `json:"args"`
	Shell      bool     `json:"shell"`
	DurationMS float64  `json:"duration_ms"`
	StartedAt  string   `json:"started_at"`
}

// Exec runs an encoded command and waits for its result.
func (c *Client) Exec(ctx context.Context, token, projectID, command string) (ExecResult, error) {
	var res ExecResult
	body := map[string]string{"token": command}
	if err := c.do(ctx, http.MethodPost, projectPath(projectID, "/exec"), body, token, &res); err != nil {
		return ExecResult{}, err
	}
	return res, nil
}

// Container mirrors the API's view of a project container.
type Container struct {
	ProjectID      string   `json:"project_id"`
	ContainerID    string   `json:"container_id"`
	State          string   `json:"state"`
	Ports          string   `json:"ports"`
	LastError      string   `json:"last_error"`
	CPUPercent     *float64 `json:"cpu_percent"`
	MemoryBytes    *int64   `json:"memory_bytes"`
	CreatedAt      string   `json:"created_at"`
	LastActivityAt string   `json:"last_activity_at"`
}

// GetContainer reports the project's container record.
func (c *Client) GetContainer(ctx context.Context, token, projectID string) (Container, error) {
	var out Container
	if err := c.do(ctx, http.MethodGet, projectPath(projectID, "/container"), nil, token, &out); err != nil {
		return Container{}, err
	}
	return out, nil
}

// StartContainer ensures the project's container is running.
func (c *Client) StartContainer(ctx context.Context, token, projectID string) (Container, error) {
	var out Container
	if err := c.do(ctx, http.MethodPost, projectPath(projectID, "/container/start"), nil, token, &out); err != nil {
		return Container{}, err
	}
	return out, nil
}

// StopContainer stops the project's container.
func (c *Client) StopContainer(ctx context.Context, token, projectID string) (Container, error) {
	var out Container
	if err := c.do(ctx, http.MethodPost, projectPath(projectID, "/container/stop"), nil, token, &out); err != nil {
		return Container{}, err
	}
	return out, nil
}

// DeleteContainer removes the container; purge also removes the workspace.
func (c *Client) DeleteContainer(ctx context.Context, token, projectID string, purge bool) error {
	path := projectPath(projectID, "/container")
	if purge {
		path += "?purge=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// Logs returns the last tail lines of container output.
func (c *Client) Logs(ctx context.Context, token, projectID string, tail int) (string, error) {
	path := projectPath(projectID, "/container/logs")
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var out struct {
		Logs string `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

// Stats is a point-in-time resource sample.
type Stats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryBytes    int64   `json:"memory_bytes"`
	MemoryLimit    int64   `json:"memory_limit_bytes"`
	NetworkRxBytes int64   `json:"network_rx_bytes"`
	NetworkTxBytes int64   `json:"network_tx_bytes"`
}

// Stats samples the running container's resource usage.
func (c *Client) Stats(ctx context.Context, token, projectID string) (Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, projectPath(projectID, "/container/stats"), nil, token, &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

// EnvVar represents a decrypted environment variable.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ListEnvVars returns environment variables for the project.
func (c *Client) ListEnvVars(ctx context.Context, token, projectID string) ([]EnvVar, error) {
	var vars []EnvVar
	if err := c.do(ctx, http.MethodGet, projectPath(projectID, "/env"), nil, token, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// SetEnvVar stores an environment variable for a project.
func (c *Client) SetEnvVar(ctx context.Context, token, projectID string, v EnvVar) error {
	return c.do(ctx, http.MethodPut, projectPath(projectID, "/env"), v, token, nil)
}

// Execution is one entry of the project's execution log.
type Execution struct {
	ID         string   `json:"id"`
	Args       []string `json:"args"`
	Shell      bool     `json:"shell"`
	ExitCode   *int     `json:"exit_code"`
	Outcome    string   `json:"outcome"`
	Error      string   `json:"error"`
	DurationMS float64  `json:"duration_ms"`
	StartedAt  string   `json:"started_at"`
}

// ListExecutions returns recent executions, newest first.
func (c *Client) ListExecutions(ctx context.Context, token, projectID string, limit int) ([]Execution, error) {
	path := projectPath(projectID, "/executions")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Execution
	if err := c.do(ctx, http.MethodGet, path, nil, token, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AgentSuggestion is a command proposed by an agent, already encoded.
type AgentSuggestion struct {
	Command string `json:"command"`
	Token   string `json:"token"`
}

// AgentResponse is an agent's answer.
type AgentResponse struct {
	Kind        string            `json:"kind"`
	Text        string            `json:"text"`
	Suggestions []AgentSuggestion `json:"suggestions"`
}

// AskAgent sends prompt to the named agent.
func (c *Client) AskAgent(ctx context.Context, token, projectID, kind, prompt string) (AgentResponse, error) {
	var out AgentResponse
	path := projectPath(projectID, "/agents/"+url.PathEscape(kind))
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"prompt": prompt}, token, &out); err != nil {
		return AgentResponse{}, err
	}
	return out, nil
}

// SessionOptions tune an interactive session.
type SessionOptions struct {
	Command          string
	WorkDir          string
	Rows, Cols       uint
	KillOnDisconnect *bool
}

// SessionURL returns the websocket URL that opens an interactive session.
func (c *Client) SessionURL(projectID string, opts SessionOptions) string {
	q := url.Values{}
	if opts.Command != "" {
		q.Set("command", opts.Command)
	}
	if opts.WorkDir != "" {
		q.Set("workdir", opts.WorkDir)
	}
	if opts.Rows > 0 && opts.Cols > 0 {
		q.Set("rows", strconv.FormatUint(uint64(opts.Rows), 10))
		q.Set("cols", strconv.FormatUint(uint64(opts.Cols), 10))
	}
	if opts.KillOnDisconnect != nil {
		q.Set("kill_on_disconnect", strconv.FormatBool(*opts.KillOnDisconnect))
	}
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	out := base + projectPath(projectID, "/sessions/ws")
	if encoded := q.Encode(); encoded != "" {
		out += "?" + encoded
	}
	return out
}
