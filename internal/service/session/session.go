// Package session multiplexes interactive terminals onto exec streams in
// project containers.
package session

import (
	"sync"
	"time"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

// Reasons a session leaves the attached state.
const (
	ReasonExit       = "exit"
	ReasonDisconnect = "disconnect"
	ReasonClose      = "close"
	ReasonIdle       = "idle"
	ReasonShutdown   = "shutdown"
)

// Session is one live interactive terminal. It is owned by the Manager;
// callers only read it through Snapshot.
type Session struct {
	ID               string
	ProjectID        string
	ContainerID      string
	KillOnDisconnect bool
	CreatedAt        time.Time

	mu           sync.Mutex
	state        domain.SessionState
	lastActivity time.Time
	bound        bool
	ending       bool
	pending      *closeRequest
	stream       runtime.Stream
	release      func()
	exitCode     *int

	closeReq  chan closeRequest
	closeOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

type closeRequest struct {
	reason string
	kill   bool
}

// Snapshot returns the session's current view.
func (s *Session) Snapshot() domain.InteractiveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.InteractiveSession{
		ID:               s.ID,
		ProjectID:        s.ProjectID,
		ContainerID:      s.ContainerID,
		State:            s.state,
		KillOnDisconnect: s.KillOnDisconnect,
		CreatedAt:        s.CreatedAt,
		LastActivityAt:   s.lastActivity,
	}
}

// State returns the session state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode returns the process exit code once known.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// Done is closed when the session reaches closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// markClosed moves the session to closed and releases Done waiters.
func (s *Session) markClosed() {
	s.setState(domain.SessionClosed)
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) setState(state domain.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) setExitCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = &code
}

// requestClose asks the serving loop to end the session. It reports false
// when a close was already requested.
func (s *Session) requestClose(req closeRequest) bool {
	sent := false
	s.closeOnce.Do(func() {
		s.closeReq <- req
		sent = true
	})
	return sent
}
