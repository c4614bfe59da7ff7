package ws

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/genos-ai/zeblit-sub001/internal/service/session"
)

// Client subscribes a websocket to a Hub. Events go out as text frames;
// anything the peer sends is discarded.
type Client struct {
	conn *Conn
	log  *slog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: NewConn(conn), log: logger}
}

func (c *Client) Send(payload []byte) error {
	err := c.conn.WriteMessage(context.Background(), session.Message{Data: payload})
	if err != nil {
		c.log.Warn("event delivery failed", "error", err)
		c.Close()
	}
	return err
}

// Drain reads and drops inbound frames until the peer goes away or ctx
// ends. It keeps control frames (ping, close) flowing.
func (c *Client) Drain(ctx context.Context) {
	for {
		if _, err := c.conn.ReadMessage(ctx); err != nil {
			return
		}
	}
}

func (c *Client) Close() {
	_ = c.conn.Close()
}
