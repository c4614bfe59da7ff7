package session

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

const (
	minIdleTick = 10 * time.Millisecond
	maxIdleTick = 30 * time.Second
)

// Serve connects t to an attached session and pumps bytes both ways until
// the process exits, the client disconnects or asks to close, the session
// idles out, or ctx ends. Whether the process is killed on disconnect or
// idle follows the session's KillOnDisconnect. Serve returns after the
// session is closed. Serve owns t: it is closed on every return, including
// when the session is already closing or served by another client.
func (m *Manager) Serve(ctx context.Context, s *Session, t Transport) error {
	s.mu.Lock()
	if s.ending || s.bound || s.stream == nil {
		ending := s.ending
		s.mu.Unlock()
		_ = t.Close()
		if ending {
			return ErrSessionNotFound
		}
		return ErrSessionBusy
	}
	s.bound = true
	stream := s.stream
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reasons := make(chan closeRequest, 1)
	finish := func(req closeRequest) {
		select {
		case reasons <- req:
		default:
		}
	}
	chunks := make(chan []byte, m.cfg.BufferChunks)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.pumpOutput(gctx, s, stream, chunks)
		return nil
	})
	g.Go(func() error {
		m.deliver(gctx, s, stream, t, chunks, finish)
		return nil
	})
	g.Go(func() error {
		m.pumpInput(gctx, s, stream, t, finish)
		return nil
	})
	g.Go(func() error {
		m.watchIdle(gctx, s, finish)
		return nil
	})

	var req closeRequest
	select {
	case req = <-reasons:
	case req = <-s.closeReq:
	case <-ctx.Done():
		req = closeRequest{reason: ReasonDisconnect, kill: s.KillOnDisconnect}
	}
	if req.reason != ReasonExit && req.reason != ReasonDisconnect {
		writeCtx, writeCancel := context.WithTimeout(context.Background(), time.Second)
		_ = t.WriteMessage(writeCtx, ControlMessage(Control{Type: ControlClose, Reason: req.reason}))
		writeCancel()
	}
	cancel()
	_ = t.Close()
	m.teardown(s, req, func() { _ = g.Wait() })
	return nil
}

// pumpOutput reads process output into the bounded chunk queue. When the
// queue is full it stops reading, which back-pressures the process.
func (m *Manager) pumpOutput(ctx context.Context, s *Session, stream runtime.Stream, chunks chan<- []byte) {
	defer close(chunks)
	buf := make([]byte, m.cfg.ChunkSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			s.touch(m.now())
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// deliver writes queued output to the client. Once the queue is drained
// after the process closed its output, the exit code is sent.
func (m *Manager) deliver(ctx context.Context, s *Session, stream runtime.Stream, t Transport, chunks <-chan []byte, finish func(closeRequest)) {
	for chunk := range chunks {
		if err := t.WriteMessage(ctx, Message{Binary: true, Data: chunk}); err != nil {
			if ctx.Err() == nil {
				finish(closeRequest{reason: ReasonDisconnect, kill: s.KillOnDisconnect})
			}
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	code, err := stream.Wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logf(slog.LevelWarn, "session exit status unavailable", "session_id", s.ID, "error", err)
			finish(closeRequest{reason: ReasonExit})
		}
		return
	}
	s.setExitCode(code)
	_ = t.WriteMessage(ctx, ControlMessage(Control{Type: ControlExit, Code: &code}))
	finish(closeRequest{reason: ReasonExit})
}

// pumpInput forwards client keystrokes and applies control frames.
func (m *Manager) pumpInput(ctx context.Context, s *Session, stream runtime.Stream, t Transport, finish func(closeRequest)) {
	for {
		msg, err := t.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				finish(closeRequest{reason: ReasonDisconnect, kill: s.KillOnDisconnect})
			}
			return
		}
		s.touch(m.now())
		if msg.Binary {
			if _, err := stream.Write(msg.Data); err != nil {
				m.logf(slog.LevelDebug, "session input dropped", "session_id", s.ID, "error", err)
			}
			continue
		}
		ctrl, err := ParseControl(msg.Data)
		if err != nil {
			_ = t.WriteMessage(ctx, ControlMessage(Control{Type: ControlError, Message: err.Error()}))
			continue
		}
		switch ctrl.Type {
		case ControlResize:
			if err := stream.Resize(ctx, ctrl.Rows, ctrl.Cols); err != nil {
				m.logf(slog.LevelWarn, "session resize failed", "session_id", s.ID, "error", err)
			}
		case ControlClose:
			finish(closeRequest{reason: ReasonClose, kill: ctrl.Kill || s.KillOnDisconnect})
			return
		}
	}
}

// watchIdle ends the session once no bytes moved either way for the idle
// timeout.
func (m *Manager) watchIdle(ctx context.Context, s *Session, finish func(closeRequest)) {
	tick := m.cfg.IdleTimeout / 4
	if tick < minIdleTick {
		tick = minIdleTick
	}
	if tick > maxIdleTick {
		tick = maxIdleTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.now().Sub(s.idleSince()) >= m.cfg.IdleTimeout {
				finish(closeRequest{reason: ReasonIdle, kill: s.KillOnDisconnect})
				return
			}
		}
	}
}
