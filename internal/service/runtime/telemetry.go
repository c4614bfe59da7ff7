package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/repository"
	"github.com/genos-ai/zeblit-sub001/internal/ws"
	"github.com/genos-ai/zeblit-sub001/pkg/metrics"
)

const (
	defaultBucketSpan    = time.Minute
	defaultFlushInterval = 30 * time.Second
	defaultQueueSize     = 1024
	drainTimeout         = 10 * time.Second
)

// Event types broadcast to project subscribers.
const (
	EventContainer = "container"
	EventExecution = "execution"
)

// TelemetryConfig tunes the telemetry service.
type TelemetryConfig struct {
	BucketSpan    time.Duration
	FlushInterval time.Duration
	QueueSize     int
	Registerer    prometheus.Registerer
}

type telemetryEvent struct {
	execution *domain.ExecutionRecord
	container *domain.ContainerRecord
}

// TelemetryService persists executions and container record changes,
// maintains execution latency rollups, and broadcasts both to project
// subscribers. Producers never block: events are queued and handled by Run.
type TelemetryService struct {
	executions    repository.ExecutionRepository
	records       repository.ContainerRecordRepository
	hub           *ws.Hub
	aggregator    *rollupAggregator
	bucketSpan    time.Duration
	flushInterval time.Duration
	queue         chan telemetryEvent
	logger        *slog.Logger
	now           func() time.Time
	once          sync.Once

	states     map[string]domain.ContainerState
	stateGauge *prometheus.GaugeVec
	dropped    prometheus.Counter
}

// NewTelemetryService constructs a TelemetryService with sane defaults.
func NewTelemetryService(executions repository.ExecutionRepository, records repository.ContainerRecordRepository, hub *ws.Hub, cfg TelemetryConfig, logger *slog.Logger) *TelemetryService {
	bucketSpan := cfg.BucketSpan
	if bucketSpan <= 0 {
		bucketSpan = defaultBucketSpan
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	if flushInterval > bucketSpan {
		flushInterval = bucketSpan
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if hub == nil {
		hub = ws.NewHub()
	}
	if logger != nil {
		logger = logger.With("component", "runtime_telemetry")
	}
	now := time.Now
	return &TelemetryService{
		executions:    executions,
		records:       records,
		hub:           hub,
		aggregator:    newRollupAggregator(bucketSpan, 0, now),
		bucketSpan:    bucketSpan,
		flushInterval: flushInterval,
		queue:         make(chan telemetryEvent, queueSize),
		logger:        logger,
		now:           now,
		states:        make(map[string]domain.ContainerState),
		stateGauge: metrics.Register(cfg.Registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zeblit",
			Subsystem: "containers",
			Name:      "by_state",
			Help:      "Project containers known to the lifecycle manager, by state.",
		}, []string{"state"})),
		dropped: metrics.Register(cfg.Registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zeblit",
			Subsystem: "telemetry",
			Name:      "dropped_events_total",
			Help:      "Telemetry events dropped because the queue was full.",
		})),
	}
}

// RecordExecution queues a finished execution for persistence.
func (s *TelemetryService) RecordExecution(rec domain.ExecutionRecord) {
	if s == nil {
		return
	}
	rec.Args = append([]string(nil), rec.Args...)
	s.enqueue(telemetryEvent{execution: &rec})
}

// ContainerChanged queues a lifecycle record change for mirroring.
func (s *TelemetryService) ContainerChanged(rec domain.ContainerRecord) {
	if s == nil {
		return
	}
	s.enqueue(telemetryEvent{container: &rec})
}

func (s *TelemetryService) enqueue(ev telemetryEvent) {
	select {
	case s.queue <- ev:
	default:
		s.dropped.Inc()
		s.logf(slog.LevelWarn, "telemetry queue full, dropping event")
	}
}

// Reconcile removes persisted container records that the lifecycle manager
// no longer knows about, typically left behind by a previous process.
func (s *TelemetryService) Reconcile(ctx context.Context, live []domain.ContainerRecord) error {
	if s == nil || s.records == nil {
		return nil
	}
	stored, err := s.records.ListContainerRecords(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(live))
	for _, rec := range live {
		known[rec.ProjectID] = struct{}{}
	}
	var errs []error
	removed := 0
	for _, rec := range stored {
		if _, ok := known[rec.ProjectID]; ok {
			continue
		}
		if err := s.records.DeleteContainerRecord(ctx, rec.ProjectID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	s.logf(slog.LevelInfo, "container records reconciled", "stored", len(stored), "removed", removed)
	return errors.Join(errs...)
}

// Run handles queued events and flushes rollups until the context is
// cancelled, then drains the queue and flushes everything left.
func (s *TelemetryService) Run(ctx context.Context) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.logf(slog.LevelInfo, "runtime telemetry service started", "bucket_span", s.bucketSpan, "flush_interval", s.flushInterval)
	})
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			s.drain(drainCtx)
			s.flushAll(drainCtx)
			cancel()
			s.logf(slog.LevelInfo, "runtime telemetry service stopped")
			return
		case ev := <-s.queue:
			s.handle(ctx, ev)
		case <-ticker.C:
			s.flushStale(ctx)
		}
	}
}

func (s *TelemetryService) drain(ctx context.Context) {
	for {
		select {
		case ev := <-s.queue:
			s.handle(ctx, ev)
		default:
			return
		}
	}
}

func (s *TelemetryService) handle(ctx context.Context, ev telemetryEvent) {
	switch {
	case ev.execution != nil:
		s.handleExecution(ctx, *ev.execution)
	case ev.container != nil:
		s.handleContainer(ctx, *ev.container)
	}
}

func (s *TelemetryService) handleExecution(ctx context.Context, rec domain.ExecutionRecord) {
	rec.ProjectID = strings.TrimSpace(rec.ProjectID)
	if rec.ProjectID == "" {
		return
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now().UTC()
	}
	if s.executions != nil {
		if err := s.executions.InsertExecution(ctx, &rec); err != nil {
			s.logf(slog.LevelWarn, "failed to persist execution", "project_id", rec.ProjectID, "execution_id", rec.ID, "error", err)
		}
	}
	s.aggregator.add(rec)
	s.broadcast(rec.ProjectID, Event{Type: EventExecution, ProjectID: rec.ProjectID, OccurredAt: s.now().UTC(), Execution: executionPayload(rec)})
}

func (s *TelemetryService) handleContainer(ctx context.Context, rec domain.ContainerRecord) {
	if rec.ProjectID == "" {
		return
	}
	if rec.State == domain.ContainerAbsent {
		delete(s.states, rec.ProjectID)
		if s.records != nil {
			if err := s.records.DeleteContainerRecord(ctx, rec.ProjectID); err != nil {
				s.logf(slog.LevelWarn, "failed to delete container record", "project_id", rec.ProjectID, "error", err)
			}
		}
	} else {
		s.states[rec.ProjectID] = rec.State
		if s.records != nil {
			if err := s.records.UpsertContainerRecord(ctx, rec); err != nil {
				s.logf(slog.LevelWarn, "failed to mirror container record", "project_id", rec.ProjectID, "error", err)
			}
		}
	}
	s.refreshStateGauge()
	s.broadcast(rec.ProjectID, Event{Type: EventContainer, ProjectID: rec.ProjectID, OccurredAt: s.now().UTC(), Container: containerPayload(rec)})
}

func (s *TelemetryService) refreshStateGauge() {
	counts := map[domain.ContainerState]int{
		domain.ContainerStarting: 0,
		domain.ContainerRunning:  0,
		domain.ContainerStopping: 0,
		domain.ContainerStopped:  0,
		domain.ContainerError:    0,
	}
	for _, state := range s.states {
		counts[state]++
	}
	for state, n := range counts {
		s.stateGauge.WithLabelValues(string(state)).Set(float64(n))
	}
}

// ListExecutions returns recent executions for a project.
func (s *TelemetryService) ListExecutions(ctx context.Context, projectID string, limit, offset int) ([]domain.ExecutionRecord, error) {
	if s == nil || s.executions == nil {
		return nil, errors.New("telemetry service not initialised")
	}
	return s.executions.ListExecutions(ctx, strings.TrimSpace(projectID), limit, offset)
}

// ListRollups returns aggregated execution latency for a project.
func (s *TelemetryService) ListRollups(ctx context.Context, projectID, outcome string, bucketSpan time.Duration, limit int) ([]domain.ExecutionRollup, error) {
	if s == nil || s.executions == nil {
		return nil, errors.New("telemetry service not initialised")
	}
	if bucketSpan <= 0 {
		bucketSpan = s.bucketSpan
	}
	return s.executions.ListExecutionRollups(ctx, strings.TrimSpace(projectID), strings.TrimSpace(outcome), bucketSpan, limit)
}

// Hub exposes the event hub for websocket and SSE consumers.
func (s *TelemetryService) Hub() *ws.Hub {
	if s == nil {
		return nil
	}
	return s.hub
}

func (s *TelemetryService) flushStale(ctx context.Context) {
	cutoff := s.now().Add(-s.bucketSpan)
	s.persistRollups(ctx, s.aggregator.flushBefore(cutoff))
}

func (s *TelemetryService) flushAll(ctx context.Context) {
	s.persistRollups(ctx, s.aggregator.flushAll())
}

func (s *TelemetryService) persistRollups(ctx context.Context, rollups []domain.ExecutionRollup) {
	if len(rollups) == 0 || s.executions == nil {
		return
	}
	if err := s.executions.UpsertExecutionRollups(ctx, rollups); err != nil {
		s.logf(slog.LevelWarn, "failed to persist execution rollups", "error", err, "count", len(rollups))
	}
}

func (s *TelemetryService) broadcast(projectID string, ev Event) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logf(slog.LevelWarn, "failed to marshal telemetry event", "error", err)
		return
	}
	s.hub.Broadcast(projectID, payload)
}

func (s *TelemetryService) logf(level slog.Level, msg string, args ...any) {
	if s.logger != nil {
		s.logger.Log(context.Background(), level, msg, args...)
	}
}

// Event is the JSON document sent to project subscribers.
type Event struct {
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Container  *ContainerEvent `json:"container,omitempty"`
	Execution  *ExecutionEvent `json:"execution,omitempty"`
}

// ContainerEvent describes a container record change.
type ContainerEvent struct {
	ContainerID    string   `json:"container_id,omitempty"`
	State          string   `json:"state"`
	Ports          string   `json:"ports,omitempty"`
	LastError      string   `json:"last_error,omitempty"`
	CPUPercent     *float64 `json:"cpu_percent,omitempty"`
	MemoryBytes    *int64   `json:"memory_bytes,omitempty"`
	LastActivityAt string   `json:"last_activity_at,omitempty"`
}

// ExecutionEvent describes a finished execution.
type ExecutionEvent struct {
	ID         string   `json:"id"`
	Args       []string `json:"args"`
	Shell      bool     `json:"shell"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	Outcome    string   `json:"outcome"`
	Error      string   `json:"error,omitempty"`
	DurationMS float64  `json:"duration_ms"`
	StartedAt  string   `json:"started_at"`
}

func containerPayload(rec domain.ContainerRecord) *ContainerEvent {
	ev := &ContainerEvent{
		ContainerID: rec.ContainerID,
		State:       string(rec.State),
		Ports:       rec.Ports.String(),
		LastError:   rec.LastError,
		CPUPercent:  rec.CPUPercent,
		MemoryBytes: rec.MemoryBytes,
	}
	if !rec.LastActivityAt.IsZero() {
		ev.LastActivityAt = rec.LastActivityAt.UTC().Format(time.RFC3339Nano)
	}
	return ev
}

func executionPayload(rec domain.ExecutionRecord) *ExecutionEvent {
	return &ExecutionEvent{
		ID:         rec.ID,
		Args:       rec.Args,
		Shell:      rec.Shell,
		ExitCode:   rec.ExitCode,
		Outcome:    rec.Outcome,
		Error:      rec.Error,
		DurationMS: rec.DurationMS,
		StartedAt:  rec.StartedAt.UTC().Format(time.RFC3339Nano),
	}
}
