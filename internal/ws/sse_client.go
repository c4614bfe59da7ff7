package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SSEClient streams Server-Sent Events over an HTTP response writer. It is
// both a hub subscriber and an io.Writer that frames raw bytes as events.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	event   string
	closed  bool
	last    time.Time
}

// NewSSEClient builds an SSE client instance. Bytes passed to Write are
// emitted as events named event; an empty name emits unnamed data events.
func NewSSEClient(writer io.Writer, flusher http.Flusher, event string, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{writer: writer, flusher: flusher, event: event, log: logger, last: time.Now().UTC()}
}

// Send emits payload as a data event.
func (c *SSEClient) Send(payload []byte) error {
	return c.Event("", payload)
}

// Write implements io.Writer; each call becomes one event.
func (c *SSEClient) Write(p []byte) (int, error) {
	if err := c.Event(c.event, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Event emits a named event. Multi-line payloads are split across data
// fields so clients reassemble them with newlines.
func (c *SSEClient) Event(name string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "event: %s\n", name)
	}
	for _, line := range strings.Split(string(payload), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := io.WriteString(c.writer, b.String()); err != nil {
		c.closed = true
		c.log.Warn("sse send failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprint(c.writer, ": ping\n\n"); err != nil {
		c.closed = true
		c.log.Warn("sse heartbeat failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
