package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ExitStatus ends a streamed execution.
type ExitStatus struct {
	ExitCode   int     `json:"exit_code"`
	Truncated  bool    `json:"truncated"`
	TimedOut   bool    `json:"timed_out"`
	DurationMS float64 `json:"duration_ms"`
}

// StreamExec runs an encoded command and copies its output to out as it is
// produced.
func (c *Client) StreamExec(ctx context.Context, token, projectID, command string, out io.Writer) (ExitStatus, error) {
	req, err := c.newRequest(ctx, http.MethodPost, projectPath(projectID, "/exec/stream"), map[string]string{"token": command}, token)
	if err != nil {
		return ExitStatus{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return ExitStatus{}, extractError(resp.StatusCode, resp.Body)
	}

	var status ExitStatus
	done := false
	err = readEvents(resp.Body, func(name, data string) error {
		switch name {
		case "output":
			_, err := io.WriteString(out, data)
			return err
		case "exit":
			done = true
			return json.Unmarshal([]byte(data), &status)
		case "error":
			done = true
			apiErr := extractError(resp.StatusCode, strings.NewReader(data))
			return apiErr
		}
		return nil
	})
	if err != nil {
		return status, err
	}
	if !done {
		return status, fmt.Errorf("stream ended without exit status: %w", io.ErrUnexpectedEOF)
	}
	return status, nil
}

// readEvents parses a text/event-stream body, calling fn once per event.
func readEvents(body io.Reader, fn func(name, data string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	var (
		name string
		data []string
		seen bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if seen {
				if err := fn(name, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			name, data, seen = "", nil, false
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			seen = true
		}
	}
	return scanner.Err()
}
