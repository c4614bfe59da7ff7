package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/genos-ai/zeblit-sub001/internal/command"
	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

// Stream decodes token and runs the command, copying its combined output to
// w as it is produced. Output past the size cap is dropped after a single
// TruncationMarker. The returned result carries the exit code and timing
// but no output. Cancelling ctx detaches from the command without killing
// it; overrunning the execution budget kills it.
func (e *Executor) Stream(ctx context.Context, projectID, token string, w io.Writer) (domain.ExecutionResult, error) {
	spec, err := command.Decode(token)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if spec.Interactive {
		return domain.ExecutionResult{}, ErrInteractiveRequiresSession
	}
	req := e.request(spec)
	started := e.now()

	out := &cappedWriter{w: w, limit: e.cfg.MaxOutputBytes}
	var code int
	err = e.withContainer(ctx, projectID, func(containerID string) error {
		stream, err := e.runtime.StreamExec(ctx, containerID, runtime.StreamRequest{
			Args:    req.Args,
			WorkDir: req.WorkDir,
			Env:     req.Env,
		})
		if err != nil {
			return err
		}
		code, err = e.pump(ctx, stream, out, req)
		return err
	})

	result := domain.ExecutionResult{
		ExitCode:  code,
		Truncated: out.truncated,
		Command:   spec,
		Duration:  e.now().Sub(started),
		StartedAt: started,
	}
	e.finish(projectID, spec, "stream", result, err)
	if errors.Is(err, runtime.ErrExecutionTimeout) {
		result.ExitCode = -1
		return result, fmt.Errorf("%w after %s", runtime.ErrExecutionTimeout, req.Timeout)
	}
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	return result, nil
}

func (e *Executor) pump(ctx context.Context, stream runtime.Stream, out io.Writer, req prepared) (int, error) {
	defer stream.Close()
	_ = stream.CloseWrite()

	execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	copied := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, stream)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return 0, fmt.Errorf("stream output: %w", err)
		}
	case <-execCtx.Done():
		if ctx.Err() != nil {
			_ = stream.Close()
			<-copied
			return 0, ctx.Err()
		}
		killCtx, killCancel := context.WithTimeout(context.WithoutCancel(ctx), waitExitTimeout)
		if err := stream.Kill(killCtx); err != nil {
			e.logf(slog.LevelWarn, "failed to kill timed out command", "error", err)
		}
		killCancel()
		_ = stream.Close()
		<-copied
		return 0, runtime.ErrExecutionTimeout
	}

	waitCtx, waitCancel := context.WithTimeout(context.WithoutCancel(ctx), waitExitTimeout)
	defer waitCancel()
	return stream.Wait(waitCtx)
}

// cappedWriter forwards at most limit bytes, then writes TruncationMarker
// once and discards the rest so the source keeps draining.
type cappedWriter struct {
	mu        sync.Mutex
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit <= 0 {
		n, err := c.w.Write(p)
		c.written += n
		return n, err
	}
	if c.truncated {
		return len(p), nil
	}
	room := c.limit - c.written
	chunk := p
	if len(chunk) > room {
		chunk = chunk[:room]
	}
	if len(chunk) > 0 {
		n, err := c.w.Write(chunk)
		c.written += n
		if err != nil {
			return n, err
		}
	}
	if len(chunk) < len(p) {
		c.truncated = true
		if _, err := io.WriteString(c.w, TruncationMarker); err != nil {
			return len(chunk), err
		}
	}
	return len(p), nil
}
