package logs

import (
	"context"
	"errors"
	"testing"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

type stubContainers struct {
	records     map[string]domain.ContainerRecord
	invalidated []error
}

func (s *stubContainers) Get(projectID string) domain.ContainerRecord {
	if rec, ok := s.records[projectID]; ok {
		return rec
	}
	return domain.ContainerRecord{ProjectID: projectID, State: domain.ContainerAbsent}
}

func (s *stubContainers) Invalidate(ctx context.Context, projectID, containerID string, cause error) error {
	s.invalidated = append(s.invalidated, cause)
	return nil
}

type stubReader struct {
	logs     string
	stats    runtime.Stats
	err      error
	lastTail int
}

func (s *stubReader) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	s.lastTail = tail
	return s.logs, s.err
}

func (s *stubReader) Stats(ctx context.Context, containerID string) (runtime.Stats, error) {
	return s.stats, s.err
}

func running() *stubContainers {
	return &stubContainers{records: map[string]domain.ContainerRecord{
		"p1": {ProjectID: "p1", ContainerID: "c1", State: domain.ContainerRunning},
		"p2": {ProjectID: "p2", ContainerID: "c2", State: domain.ContainerStopped},
	}}
}

func TestTailClampsLineCount(t *testing.T) {
	reader := &stubReader{logs: "ready\n"}
	svc := New(running(), reader, nil)

	out, err := svc.Tail(context.Background(), "p1", 0)
	if err != nil || out != "ready\n" {
		t.Fatalf("unexpected tail result %q %v", out, err)
	}
	if reader.lastTail != defaultTail {
		t.Fatalf("expected default tail, got %d", reader.lastTail)
	}
	if _, err := svc.Tail(context.Background(), "p1", 1_000_000); err != nil {
		t.Fatalf("tail: %v", err)
	}
	if reader.lastTail != maxTail {
		t.Fatalf("expected tail to be clamped, got %d", reader.lastTail)
	}
}

func TestTailWorksOnStoppedContainer(t *testing.T) {
	svc := New(running(), &stubReader{logs: "bye"}, nil)
	if _, err := svc.Tail(context.Background(), "p2", 10); err != nil {
		t.Fatalf("expected logs of a stopped container, got %v", err)
	}
}

func TestStatsRequiresRunningContainer(t *testing.T) {
	svc := New(running(), &stubReader{}, nil)
	if _, err := svc.Stats(context.Background(), "p2"); !errors.Is(err, runtime.ErrContainerNotRunning) {
		t.Fatalf("expected ErrContainerNotRunning, got %v", err)
	}
	if _, err := svc.Stats(context.Background(), "missing"); !errors.Is(err, runtime.ErrContainerNotFound) {
		t.Fatalf("expected ErrContainerNotFound, got %v", err)
	}
}

func TestReadErrorsResyncRecord(t *testing.T) {
	containers := running()
	svc := New(containers, &stubReader{err: runtime.ErrContainerNotFound}, nil)

	if _, err := svc.Stats(context.Background(), "p1"); !errors.Is(err, runtime.ErrContainerNotFound) {
		t.Fatalf("expected ErrContainerNotFound, got %v", err)
	}
	if len(containers.invalidated) != 1 {
		t.Fatalf("expected record to be invalidated once, got %d", len(containers.invalidated))
	}

	other := running()
	transport := &runtime.TransportError{Op: "logs", Err: errors.New("eof")}
	svc = New(other, &stubReader{err: transport}, nil)
	if _, err := svc.Tail(context.Background(), "p1", 10); !runtime.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if len(other.invalidated) != 0 {
		t.Fatalf("did not expect transport errors to invalidate")
	}
}
