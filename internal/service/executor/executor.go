// Package executor runs decoded commands inside project containers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/genos-ai/zeblit-sub001/internal/command"
	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
	"github.com/genos-ai/zeblit-sub001/pkg/metrics"
)

// TruncationMarker ends any output that was cut at the size cap.
const TruncationMarker = "\n[zeblit: output truncated]\n"

const (
	defaultExecTimeout = 30 * time.Second
	waitExitTimeout    = 10 * time.Second
)

// ErrInteractiveRequiresSession is returned for interactive commands, which
// must be run through an interactive session.
var ErrInteractiveRequiresSession = errors.New("executor: interactive commands require a session")

// Containers resolves a project to its running container.
type Containers interface {
	Acquire(ctx context.Context, projectID string) (domain.ContainerRecord, func(), error)
	Invalidate(ctx context.Context, projectID, containerID string, cause error) error
	Touch(projectID string)
}

// Recorder receives one record per finished execution.
type Recorder interface {
	RecordExecution(rec domain.ExecutionRecord)
}

// Config bounds command execution.
type Config struct {
	WorkspacePath  string
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutputBytes int
	// Registerer receives the executor metrics; nil uses the default registry.
	Registerer prometheus.Registerer
}

// Executor runs one-shot commands in project containers.
type Executor struct {
	containers Containers
	runtime    runtime.Client
	recorder   Recorder
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	duration *prometheus.HistogramVec
}

// New constructs an Executor. recorder may be nil.
func New(containers Containers, rt runtime.Client, recorder Recorder, cfg Config, logger *slog.Logger) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultExecTimeout
	}
	if cfg.MaxTimeout > 0 && cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = "/workspace"
	}
	if logger != nil {
		logger = logger.With("component", "executor")
	}
	duration := metrics.Register(cfg.Registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zeblit",
		Subsystem: "executor",
		Name:      "command_duration_seconds",
		Help:      "Wall time of commands run in project containers",
		Buckets:   metrics.DurationBuckets,
	}, []string{"outcome", "mode"}))
	return &Executor{
		containers: containers,
		runtime:    rt,
		recorder:   recorder,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		duration:   duration,
	}
}

// Execute decodes token and runs the command in the project's container,
// starting the container first when needed. A command that overruns its
// execution budget returns its partial output together with an error
// matching runtime.ErrExecutionTimeout; a non-zero exit is not an error.
func (e *Executor) Execute(ctx context.Context, projectID, token string) (domain.ExecutionResult, error) {
	spec, err := command.Decode(token)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	return e.Run(ctx, projectID, spec)
}

// Run executes an already decoded spec.
func (e *Executor) Run(ctx context.Context, projectID string, spec command.Spec) (domain.ExecutionResult, error) {
	if err := spec.Validate(); err != nil {
		return domain.ExecutionResult{}, err
	}
	if spec.Interactive {
		return domain.ExecutionResult{}, ErrInteractiveRequiresSession
	}
	req := e.request(spec)
	started := e.now()

	var res runtime.ExecResult
	err := e.withContainer(ctx, projectID, func(containerID string) error {
		var execErr error
		res, execErr = e.runtime.Exec(ctx, containerID, runtime.ExecRequest{
			Args:           req.Args,
			WorkDir:        req.WorkDir,
			Env:            req.Env,
			Timeout:        req.Timeout,
			MaxOutputBytes: e.cfg.MaxOutputBytes,
		})
		return execErr
	})
	duration := e.now().Sub(started)

	result := domain.ExecutionResult{
		ExitCode:  res.ExitCode,
		Stdout:    withMarker(res.Stdout, res.StdoutTruncated),
		Stderr:    withMarker(res.Stderr, res.StderrTruncated),
		Truncated: res.StdoutTruncated || res.StderrTruncated,
		Command:   spec,
		Duration:  duration,
		StartedAt: started,
	}
	e.finish(projectID, spec, "exec", result, err)
	if errors.Is(err, runtime.ErrExecutionTimeout) {
		result.ExitCode = -1
		return result, fmt.Errorf("%w after %s", runtime.ErrExecutionTimeout, req.Timeout)
	}
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	return result, nil
}

type prepared struct {
	Args    []string
	WorkDir string
	Env     []string
	Timeout time.Duration
}

func (e *Executor) request(spec command.Spec) prepared {
	return prepared{
		Args:    spec.Args,
		WorkDir: e.workDir(spec.WorkDir),
		Env:     sortedEnv(spec),
		Timeout: e.timeout(spec.Timeout),
	}
}

// withContainer runs fn against the project's running container. When the
// runtime reports that the container is gone or stopped the record is
// resynchronized and fn is retried once against a fresh container.
func (e *Executor) withContainer(ctx context.Context, projectID string, fn func(containerID string) error) error {
	defer e.containers.Touch(projectID)
	for attempt := 0; ; attempt++ {
		rec, release, err := e.containers.Acquire(ctx, projectID)
		if err != nil {
			return err
		}
		err = fn(rec.ContainerID)
		release()
		if attempt == 0 && stale(err) {
			e.logf(slog.LevelWarn, "container out of sync, retrying", "project_id", projectID, "container_id", rec.ContainerID, "error", err)
			if invErr := e.containers.Invalidate(ctx, projectID, rec.ContainerID, err); invErr != nil {
				return errors.Join(err, invErr)
			}
			continue
		}
		return err
	}
}

func stale(err error) bool {
	return errors.Is(err, runtime.ErrContainerNotFound) || errors.Is(err, runtime.ErrContainerNotRunning)
}

func (e *Executor) workDir(dir string) string {
	switch {
	case dir == "":
		return e.cfg.WorkspacePath
	case path.IsAbs(dir):
		return path.Clean(dir)
	default:
		return path.Join(e.cfg.WorkspacePath, dir)
	}
}

func (e *Executor) timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return e.cfg.DefaultTimeout
	}
	if e.cfg.MaxTimeout > 0 && requested > e.cfg.MaxTimeout {
		return e.cfg.MaxTimeout
	}
	return requested
}

func sortedEnv(spec command.Spec) []string {
	env := spec.EnvList()
	sort.Strings(env)
	return env
}

func withMarker(out []byte, truncated bool) string {
	if !truncated {
		return string(out)
	}
	var b strings.Builder
	b.Grow(len(out) + len(TruncationMarker))
	b.Write(out)
	b.WriteString(TruncationMarker)
	return b.String()
}

func outcome(result domain.ExecutionResult, err error) string {
	switch {
	case errors.Is(err, runtime.ErrExecutionTimeout):
		return domain.OutcomeTimedOut
	case err != nil:
		return domain.OutcomeError
	case result.ExitCode != 0:
		return domain.OutcomeFailed
	default:
		return domain.OutcomeSucceeded
	}
}

func (e *Executor) finish(projectID string, spec command.Spec, mode string, result domain.ExecutionResult, err error) {
	out := outcome(result, err)
	e.duration.WithLabelValues(out, mode).Observe(result.Duration.Seconds())

	level := slog.LevelInfo
	if out == domain.OutcomeError || out == domain.OutcomeTimedOut {
		level = slog.LevelWarn
	}
	attrs := []any{"project_id", projectID, "mode", mode, "outcome", out, "duration_ms", result.Duration.Milliseconds(), "shell", spec.Shell}
	if err != nil {
		attrs = append(attrs, "error", err)
	} else {
		attrs = append(attrs, "exit_code", result.ExitCode)
	}
	e.logf(level, "command finished", attrs...)

	if e.recorder == nil {
		return
	}
	rec := domain.ExecutionRecord{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Args:       spec.Args,
		Shell:      spec.Shell,
		Outcome:    out,
		DurationMS: float64(result.Duration) / float64(time.Millisecond),
		StartedAt:  result.StartedAt,
	}
	if out == domain.OutcomeSucceeded || out == domain.OutcomeFailed {
		code := result.ExitCode
		rec.ExitCode = &code
	}
	if err != nil {
		rec.Error = err.Error()
	}
	e.recorder.RecordExecution(rec)
}

func (e *Executor) logf(level slog.Level, msg string, args ...any) {
	if e.logger != nil {
		e.logger.Log(context.Background(), level, msg, args...)
	}
}
