// Package logs reads output and resource usage of project containers.
package logs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

const (
	defaultTail = 200
	maxTail     = 5000
)

// Containers resolves a project to its container record.
type Containers interface {
	Get(projectID string) domain.ContainerRecord
	Invalidate(ctx context.Context, projectID, containerID string, cause error) error
}

// Reader is the part of the runtime client used here. Wrap the client in
// runtime.Retrying so transient engine failures are retried.
type Reader interface {
	Logs(ctx context.Context, containerID string, tail int) (string, error)
	Stats(ctx context.Context, containerID string) (runtime.Stats, error)
}

// Service handles container log and stats reads.
type Service struct {
	containers Containers
	reader     Reader
	logger     *slog.Logger
}

// New constructs a log service.
func New(containers Containers, reader Reader, logger *slog.Logger) Service {
	if logger != nil {
		logger = logger.With("component", "logs")
	}
	return Service{containers: containers, reader: reader, logger: logger}
}

// Tail returns the last lines of the project container's combined output.
// A non-positive tail selects the default.
func (s Service) Tail(ctx context.Context, projectID string, tail int) (string, error) {
	if tail <= 0 {
		tail = defaultTail
	}
	if tail > maxTail {
		tail = maxTail
	}
	rec, err := s.record(projectID, false)
	if err != nil {
		return "", err
	}
	out, err := s.reader.Logs(ctx, rec.ContainerID, tail)
	if err != nil {
		return "", s.resync(ctx, rec, err)
	}
	return out, nil
}

// Stats samples the project container's resource usage. The container must
// be running.
func (s Service) Stats(ctx context.Context, projectID string) (runtime.Stats, error) {
	rec, err := s.record(projectID, true)
	if err != nil {
		return runtime.Stats{}, err
	}
	stats, err := s.reader.Stats(ctx, rec.ContainerID)
	if err != nil {
		return runtime.Stats{}, s.resync(ctx, rec, err)
	}
	return stats, nil
}

func (s Service) record(projectID string, running bool) (domain.ContainerRecord, error) {
	projectID = strings.TrimSpace(projectID)
	rec := s.containers.Get(projectID)
	if rec.ContainerID == "" {
		return rec, fmt.Errorf("project %s: %w", projectID, runtime.ErrContainerNotFound)
	}
	if running && rec.State != domain.ContainerRunning {
		return rec, fmt.Errorf("project %s: %w", projectID, runtime.ErrContainerNotRunning)
	}
	return rec, nil
}

// resync lets the lifecycle manager correct its record when the engine
// disagrees with it, then returns err unchanged.
func (s Service) resync(ctx context.Context, rec domain.ContainerRecord, err error) error {
	if errors.Is(err, runtime.ErrContainerNotFound) || errors.Is(err, runtime.ErrContainerNotRunning) {
		if invErr := s.containers.Invalidate(ctx, rec.ProjectID, rec.ContainerID, err); invErr != nil && s.logger != nil {
			s.logger.Warn("failed to resynchronize container record", "project_id", rec.ProjectID, "error", invErr)
		}
	}
	return err
}
