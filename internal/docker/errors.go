package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

// classify maps an engine error onto the runtime error taxonomy.
func classify(op, containerID string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case client.IsErrNotFound(err) || errdefs.IsNotFound(err):
		return fmt.Errorf("%s %s: %w", op, containerID, runtime.ErrContainerNotFound)
	case errdefs.IsConflict(err) && strings.Contains(strings.ToLower(err.Error()), "not running"):
		return fmt.Errorf("%s %s: %w", op, containerID, runtime.ErrContainerNotRunning)
	case isTransport(err):
		return &runtime.TransportError{Op: op, Err: err}
	default:
		return fmt.Errorf("%s %s: %w", op, containerID, err)
	}
}

func isTransport(err error) bool {
	if client.IsErrConnectionFailed(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
