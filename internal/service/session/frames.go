package session

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is one frame on a session transport. Binary frames carry terminal
// bytes; text frames carry JSON encoded Control messages.
type Message struct {
	Binary bool
	Data   []byte
}

// Transport is the client side of a session, typically a websocket.
type Transport interface {
	ReadMessage(ctx context.Context) (Message, error)
	WriteMessage(ctx context.Context, msg Message) error
	Close() error
}

// Control message types.
const (
	ControlResize = "resize"
	ControlClose  = "close"
	ControlExit   = "exit"
	ControlError  = "error"
)

// Control is a JSON control frame. Clients send resize and close; the
// server sends exit once the process has ended and error before giving up.
type Control struct {
	Type    string `json:"type"`
	Rows    uint   `json:"rows,omitempty"`
	Cols    uint   `json:"cols,omitempty"`
	Kill    bool   `json:"kill,omitempty"`
	Code    *int   `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseControl decodes a text frame.
func ParseControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("session: invalid control frame: %w", err)
	}
	switch c.Type {
	case ControlResize:
		if c.Rows == 0 || c.Cols == 0 {
			return Control{}, fmt.Errorf("session: resize needs rows and cols")
		}
	case ControlClose, ControlExit, ControlError:
	default:
		return Control{}, fmt.Errorf("session: unknown control type %q", c.Type)
	}
	return c, nil
}

// ControlMessage encodes c as a text frame.
func ControlMessage(c Control) Message {
	data, _ := json.Marshal(c)
	return Message{Data: data}
}
