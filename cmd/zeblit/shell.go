package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/genos-ai/zeblit-sub001/internal/service/session"
	apiclient "github.com/genos-ai/zeblit-sub001/pkg/api/client"
)

// detachKey is Ctrl-], which leaves the session without sending it to the
// remote process.
const detachKey = 0x1d

func (a *app) shellCmd() *cobra.Command {
	var (
		flags commandFlags
		kill  bool
		keep  bool
	)
	cmd := &cobra.Command{
		Use:   "shell [-- COMMAND [ARGS...]]",
		Short: "Open an interactive session in the project container",
		Long: `Open an interactive session. Without a command the container's login
shell is started. Press Ctrl-] to detach.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, token, project, err := a.session(true)
			if err != nil {
				return err
			}
			opts := apiclient.SessionOptions{WorkDir: flags.workdir}
			if len(args) > 0 {
				flags.interactive = true
				if opts.Command, err = flags.encode(args); err != nil {
					return err
				}
			}
			switch {
			case kill:
				v := true
				opts.KillOnDisconnect = &v
			case keep:
				v := false
				opts.KillOnDisconnect = &v
			}
			return a.runShell(cmd.Context(), client, token, project, opts, kill)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&kill, "kill", false, "terminate the process when this client disconnects")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the process running when this client disconnects")
	cmd.MarkFlagsMutuallyExclusive("kill", "keep")
	return cmd
}

func (a *app) runShell(ctx context.Context, client *apiclient.Client, token, project string, opts apiclient.SessionOptions, kill bool) error {
	stdin := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdin)
	if interactive {
		if cols, rows, err := term.GetSize(stdin); err == nil {
			opts.Rows, opts.Cols = uint(rows), uint(cols)
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, client.SessionURL(project, opts), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("open session: %s: %s", resp.Status, body)
		}
		return fmt.Errorf("open session: %w", err)
	}
	defer conn.Close()
	a.log.Debug("session attached", "project_id", project, "rows", opts.Rows, "cols", opts.Cols, "tty", interactive)

	if interactive {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer func() { _ = term.Restore(stdin, state) }()
	}

	result := make(chan error, 1)
	go func() { result <- a.pumpRemote(conn) }()
	go pumpLocal(conn, os.Stdin, kill)

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		a.log.Debug("interrupted, closing session")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "interrupted"),
			time.Now().Add(time.Second))
		return ctx.Err()
	}
}

// pumpRemote copies session output to stdout until the process exits.
func (a *app) pumpRemote(conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("session: %w", err)
		}
		if kind == websocket.BinaryMessage {
			if _, err := a.out.Write(data); err != nil {
				return err
			}
			continue
		}
		ctl, err := session.ParseControl(data)
		if err != nil {
			a.log.Debug("ignoring text frame", "error", err)
			continue
		}
		switch ctl.Type {
		case session.ControlExit:
			if ctl.Code != nil && *ctl.Code != 0 {
				return exitCodeError(*ctl.Code)
			}
			return nil
		case session.ControlError:
			return errors.New("session: " + ctl.Message)
		}
	}
}

// pumpLocal forwards keystrokes. It is the only goroutine writing data
// frames on conn.
func pumpLocal(conn *websocket.Conn, in io.Reader, kill bool) {
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for i, b := range chunk {
				if b == detachKey {
					if i > 0 {
						_ = conn.WriteMessage(websocket.BinaryMessage, chunk[:i])
					}
					closeSession(conn, kill)
					return
				}
			}
			if werr := conn.WriteMessage(websocket.BinaryMessage, chunk); werr != nil {
				return
			}
		}
		if err != nil {
			closeSession(conn, kill)
			return
		}
	}
}

func closeSession(conn *websocket.Conn, kill bool) {
	payload, _ := json.Marshal(session.Control{Type: session.ControlClose, Kill: kill})
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detached"),
		time.Now().Add(time.Second))
}
