package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/genos-ai/zeblit-sub001/internal/service/session"
)

const (
	maxFrameBytes = 1 << 20
	writeWait     = 10 * time.Second
)

// Conn adapts a websocket connection to a session transport. Reads are
// interrupted when the caller's context ends.
type Conn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps conn.
func NewConn(conn *websocket.Conn) *Conn {
	conn.SetReadLimit(maxFrameBytes)
	return &Conn{conn: conn}
}

// ReadMessage returns the next frame. Websocket close frames surface as
// io.EOF style errors from gorilla.
func (c *Conn) ReadMessage(ctx context.Context) (session.Message, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return session.Message{}, ctx.Err()
		}
		return session.Message{}, err
	}
	return session.Message{Binary: kind == websocket.BinaryMessage, Data: data}, nil
}

// WriteMessage sends msg as a binary or text frame.
func (c *Conn) WriteMessage(ctx context.Context, msg session.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	kind := websocket.TextMessage
	if msg.Binary {
		kind = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(kind, msg.Data)
}

// Close sends a normal closure frame and closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err := c.conn.Close()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
