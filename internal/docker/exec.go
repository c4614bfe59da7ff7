package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

const (
	// execMarkerEnv tags every exec so its process tree can be found again.
	execMarkerEnv = "ZEBLIT_EXEC_ID"

	killTimeout      = 10 * time.Second
	exitPollInterval = 100 * time.Millisecond
	exitPollAttempts = 20
	streamWaitPoll   = 200 * time.Millisecond
)

// killScript SIGKILLs every process whose environment holds the marker
// passed as $1. The marker is an argument, never spliced into the script.
const killScript = `for p in /proc/[0-9]*; do
  if tr '\0' '\n' < "$p/environ" 2>/dev/null | grep -qxF "$1"; then
    kill -9 "${p#/proc/}" 2>/dev/null
  fi
done`

func markerEnv(env []string) (string, []string) {
	marker := execMarkerEnv + "=" + uuid.NewString()
	out := make([]string, 0, len(env)+1)
	out = append(out, env...)
	return marker, append(out, marker)
}

// Exec runs a command to completion and captures its split output. A command
// that outlives req.Timeout is killed inside the container and reported as
// runtime.ErrExecutionTimeout.
func (c *Client) Exec(ctx context.Context, containerID string, req runtime.ExecRequest) (runtime.ExecResult, error) {
	if len(req.Args) == 0 {
		return runtime.ExecResult{}, fmt.Errorf("exec: empty argument list")
	}
	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	marker, env := markerEnv(req.Env)
	created, err := c.inner.ContainerExecCreate(execCtx, containerID, container.ExecOptions{
		Cmd:          req.Args,
		Env:          env,
		WorkingDir:   req.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return runtime.ExecResult{}, c.execErr(ctx, execCtx, "exec create", containerID, err)
	}
	hj, err := c.inner.ContainerExecAttach(execCtx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return runtime.ExecResult{}, c.execErr(ctx, execCtx, "exec attach", containerID, err)
	}
	defer hj.Close()

	stdout := runtime.NewLimitedBuffer(req.MaxOutputBytes)
	stderr := runtime.NewLimitedBuffer(req.MaxOutputBytes)
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, hj.Reader)
		copied <- err
	}()

	interrupted := false
	select {
	case err := <-copied:
		if err != nil {
			if execCtx.Err() == nil {
				return runtime.ExecResult{}, &runtime.TransportError{Op: "exec read", Err: err}
			}
			interrupted = true
		}
	case <-execCtx.Done():
		hj.Close()
		<-copied
		interrupted = true
	}

	if interrupted {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			c.killMarked(containerID, marker)
			return runtime.ExecResult{
				Stdout:          stdout.Bytes(),
				Stderr:          stderr.Bytes(),
				StdoutTruncated: stdout.Truncated(),
				StderrTruncated: stderr.Truncated(),
			}, fmt.Errorf("exec %v exceeded %s: %w", req.Args[0], req.Timeout, runtime.ErrExecutionTimeout)
		}
		return runtime.ExecResult{}, ctx.Err()
	}

	code, err := c.exitCode(ctx, created.ID)
	if err != nil {
		return runtime.ExecResult{}, err
	}
	return runtime.ExecResult{
		ExitCode:        code,
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}, nil
}

func (c *Client) execErr(parent, execCtx context.Context, op, containerID string, err error) error {
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%s: %w", op, runtime.ErrExecutionTimeout)
	}
	return classify(op, containerID, err)
}

// exitCode waits briefly for the exec to be reported finished once its
// output stream has closed.
func (c *Client) exitCode(ctx context.Context, execID string) (int, error) {
	for attempt := 0; ; attempt++ {
		insp, err := c.inner.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, classify("exec inspect", execID, err)
		}
		if !insp.Running || attempt == exitPollAttempts {
			return insp.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(exitPollInterval):
		}
	}
}

// killMarked terminates the process tree of a tagged exec. It runs on its
// own budget because the caller's context has usually expired by now.
func (c *Client) killMarked(containerID, marker string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	created, err := c.inner.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", killScript, "zeblit-kill", marker},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		c.warn("failed to create kill exec", "container_id", containerID, "error", err)
		return
	}
	hj, err := c.inner.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		c.warn("failed to attach kill exec", "container_id", containerID, "error", err)
		return
	}
	defer hj.Close()
	_, _ = io.Copy(io.Discard, hj.Reader)
}

// StreamExec starts a command attached to the caller. Without a TTY the
// engine multiplexes stdout and stderr; they are merged into one stream.
func (c *Client) StreamExec(ctx context.Context, containerID string, req runtime.StreamRequest) (runtime.Stream, error) {
	if len(req.Args) == 0 {
		return nil, fmt.Errorf("exec: empty argument list")
	}
	marker, env := markerEnv(req.Env)
	opts := container.ExecOptions{
		Cmd:          req.Args,
		Env:          env,
		WorkingDir:   req.WorkDir,
		Tty:          req.TTY,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	start := container.ExecStartOptions{Tty: req.TTY}
	if req.TTY && req.Rows > 0 && req.Cols > 0 {
		size := [2]uint{req.Rows, req.Cols}
		opts.ConsoleSize = &size
		start.ConsoleSize = &size
	}
	created, err := c.inner.ContainerExecCreate(ctx, containerID, opts)
	if err != nil {
		return nil, classify("exec create", containerID, err)
	}
	hj, err := c.inner.ContainerExecAttach(ctx, created.ID, start)
	if err != nil {
		return nil, classify("exec attach", containerID, err)
	}

	s := &execStream{
		client:      c,
		containerID: containerID,
		execID:      created.ID,
		marker:      marker,
		hj:          hj,
	}
	if req.TTY {
		s.out = hj.Reader
	} else {
		pr, pw := io.Pipe()
		go func() {
			_, err := stdcopy.StdCopy(pw, pw, hj.Reader)
			_ = pw.CloseWithError(err)
		}()
		s.out = pr
	}
	return s, nil
}

type execStream struct {
	client      *Client
	containerID string
	execID      string
	marker      string
	hj          types.HijackedResponse
	out         io.Reader

	closeOnce sync.Once
}

func (s *execStream) Read(p []byte) (int, error) { return s.out.Read(p) }

func (s *execStream) Write(p []byte) (int, error) { return s.hj.Conn.Write(p) }

func (s *execStream) Resize(ctx context.Context, rows, cols uint) error {
	err := s.client.inner.ContainerExecResize(ctx, s.execID, container.ResizeOptions{Height: rows, Width: cols})
	if err != nil {
		return classify("exec resize", s.containerID, err)
	}
	return nil
}

func (s *execStream) CloseWrite() error { return s.hj.CloseWrite() }

func (s *execStream) Kill(ctx context.Context) error {
	s.client.killMarked(s.containerID, s.marker)
	return nil
}

func (s *execStream) Close() error {
	s.closeOnce.Do(s.hj.Close)
	return nil
}

func (s *execStream) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(streamWaitPoll)
	defer ticker.Stop()
	for {
		insp, err := s.client.inner.ContainerExecInspect(ctx, s.execID)
		if err != nil {
			return 0, classify("exec inspect", s.execID, err)
		}
		if !insp.Running {
			return insp.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
