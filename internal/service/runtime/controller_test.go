package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
	engine "github.com/genos-ai/zeblit-sub001/internal/runtime"
)

type stubLifecycle struct {
	mu          sync.Mutex
	records     []domain.ContainerRecord
	sweepResult []string
	sweepErr    error
	thresholds  []time.Duration
	stats       map[string]engine.Stats
	invalidated map[string]error
}

func (s *stubLifecycle) List() []domain.ContainerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ContainerRecord(nil), s.records...)
}

func (s *stubLifecycle) SweepIdle(ctx context.Context, threshold time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = append(s.thresholds, threshold)
	return s.sweepResult, s.sweepErr
}

func (s *stubLifecycle) RecordStats(projectID, containerID string, stats engine.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		s.stats = make(map[string]engine.Stats)
	}
	s.stats[projectID] = stats
}

func (s *stubLifecycle) Invalidate(ctx context.Context, projectID, containerID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalidated == nil {
		s.invalidated = make(map[string]error)
	}
	s.invalidated[projectID] = cause
	return nil
}

type stubStats struct {
	values map[string]engine.Stats
	errs   map[string]error
}

func (s stubStats) Stats(ctx context.Context, containerID string) (engine.Stats, error) {
	if err, ok := s.errs[containerID]; ok {
		return engine.Stats{}, err
	}
	return s.values[containerID], nil
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("read metric: %v", err)
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestControllerSweepsIdleContainers(t *testing.T) {
	lc := &stubLifecycle{sweepResult: []string{"project-1", "project-2"}}
	reg := prometheus.NewRegistry()
	ctrl := New(lc, stubStats{}, ControllerConfig{Interval: time.Second, IdleTimeout: time.Hour, Registerer: reg}, discardLogger())
	if ctrl == nil {
		t.Fatalf("expected controller to be created")
	}

	ctrl.runIteration(context.Background())

	if len(lc.thresholds) != 1 || lc.thresholds[0] != time.Hour {
		t.Fatalf("expected one sweep with the idle timeout, got %v", lc.thresholds)
	}
	if got := metricValue(t, ctrl.stopped); got != 2 {
		t.Fatalf("expected 2 idle stops counted, got %v", got)
	}
}

func TestControllerSkipsSweepWithoutIdleTimeout(t *testing.T) {
	lc := &stubLifecycle{}
	ctrl := New(lc, nil, ControllerConfig{Registerer: prometheus.NewRegistry()}, discardLogger())

	ctrl.runIteration(context.Background())

	if len(lc.thresholds) != 0 {
		t.Fatalf("did not expect a sweep, got %v", lc.thresholds)
	}
	if ctrl.interval != defaultInterval {
		t.Fatalf("expected default interval, got %s", ctrl.interval)
	}
}

func TestControllerSweepErrorDoesNotStopSampling(t *testing.T) {
	lc := &stubLifecycle{
		sweepErr: errors.New("engine unavailable"),
		records: []domain.ContainerRecord{
			{ProjectID: "project-1", ContainerID: "c1", State: domain.ContainerRunning},
		},
	}
	stats := stubStats{values: map[string]engine.Stats{"c1": {CPUPercent: 12.5, MemoryBytes: 64 << 20}}}
	ctrl := New(lc, stats, ControllerConfig{IdleTimeout: time.Minute, Registerer: prometheus.NewRegistry()}, discardLogger())

	ctrl.runIteration(context.Background())

	if got := lc.stats["project-1"]; got.CPUPercent != 12.5 {
		t.Fatalf("expected stats to be recorded, got %+v", got)
	}
}

func TestControllerSamplesRunningContainers(t *testing.T) {
	lc := &stubLifecycle{records: []domain.ContainerRecord{
		{ProjectID: "project-1", ContainerID: "c1", State: domain.ContainerRunning},
		{ProjectID: "project-2", ContainerID: "c2", State: domain.ContainerStopped},
		{ProjectID: "project-3", ContainerID: "c3", State: domain.ContainerRunning},
		{ProjectID: "project-4", ContainerID: "c4", State: domain.ContainerRunning},
	}}
	stats := stubStats{
		values: map[string]engine.Stats{"c1": {CPUPercent: 40, MemoryBytes: 256 << 20}},
		errs: map[string]error{
			"c3": engine.ErrContainerNotFound,
			"c4": &engine.TransportError{Op: "stats", Err: errors.New("connection refused")},
		},
	}
	ctrl := New(lc, stats, ControllerConfig{Registerer: prometheus.NewRegistry()}, discardLogger())

	ctrl.runIteration(context.Background())

	if _, ok := lc.stats["project-2"]; ok {
		t.Fatalf("did not expect a stopped container to be sampled")
	}
	if got := lc.stats["project-1"]; got.MemoryBytes != 256<<20 {
		t.Fatalf("unexpected recorded stats %+v", got)
	}
	if got := metricValue(t, ctrl.cpu.WithLabelValues("project-1")); got != 40 {
		t.Fatalf("expected cpu gauge 40, got %v", got)
	}
	if !errors.Is(lc.invalidated["project-3"], engine.ErrContainerNotFound) {
		t.Fatalf("expected vanished container to be invalidated, got %v", lc.invalidated)
	}
	if _, ok := lc.invalidated["project-4"]; ok {
		t.Fatalf("did not expect a transport failure to invalidate the record")
	}
}

func TestNewControllerRequiresLifecycle(t *testing.T) {
	if ctrl := New(nil, nil, ControllerConfig{}, nil); ctrl != nil {
		t.Fatalf("expected nil controller without a lifecycle manager")
	}
	var ctrl *Controller
	ctrl.Run(context.Background())
}

func TestFormatHelpers(t *testing.T) {
	cases := map[time.Duration]string{
		0:                       "0s",
		90 * time.Second:        "90s",
		1500 * time.Millisecond: "1500ms",
	}
	for in, want := range cases {
		if got := formatDuration(in); got != want {
			t.Fatalf("formatDuration(%s) = %s, want %s", in, got, want)
		}
	}
	if got := formatBytes(3 << 20); got != "3.00MB" {
		t.Fatalf("unexpected formatBytes output %s", got)
	}
	if got := formatBytes(512); got != "512B" {
		t.Fatalf("unexpected formatBytes output %s", got)
	}
}
