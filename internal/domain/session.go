package domain

import "time"

// SessionState is the state of an interactive session.
type SessionState string

const (
	SessionCreated  SessionState = "created"
	SessionAttached SessionState = "attached"
	SessionClosing  SessionState = "closing"
	SessionClosed   SessionState = "closed"
)

// InteractiveSession is a snapshot of a live interactive session.
type InteractiveSession struct {
	ID               string
	ProjectID        string
	ContainerID      string
	State            SessionState
	KillOnDisconnect bool
	CreatedAt        time.Time
	LastActivityAt   time.Time
}
