package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrContainerNotFound reports that the engine has no such container.
	ErrContainerNotFound = errors.New("runtime: container not found")
	// ErrContainerNotRunning reports an operation that needs a running container.
	ErrContainerNotRunning = errors.New("runtime: container not running")
	// ErrExecutionTimeout reports a command killed after exceeding its budget.
	ErrExecutionTimeout = errors.New("runtime: execution timeout")
)

// TransportError wraps a failure talking to the container engine itself.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("runtime: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is an engine transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
