package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
	engine "github.com/genos-ai/zeblit-sub001/internal/runtime"
	"github.com/genos-ai/zeblit-sub001/pkg/metrics"
)

const (
	defaultInterval  = 30 * time.Second
	reconcileTimeout = 15 * time.Second
)

// Lifecycle is the part of the lifecycle manager the controller drives.
type Lifecycle interface {
	List() []domain.ContainerRecord
	SweepIdle(ctx context.Context, threshold time.Duration) ([]string, error)
	RecordStats(projectID, containerID string, stats engine.Stats)
	Invalidate(ctx context.Context, projectID, containerID string, cause error) error
}

// StatsReader samples container resource usage.
type StatsReader interface {
	Stats(ctx context.Context, containerID string) (engine.Stats, error)
}

// ControllerConfig tunes the reconciliation loop.
type ControllerConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
	Registerer  prometheus.Registerer
}

// Controller periodically stops idle containers and samples resource usage
// of the running ones.
type Controller struct {
	lifecycle Lifecycle
	stats     StatsReader
	logger    *slog.Logger

	interval    time.Duration
	idleTimeout time.Duration

	cpu     *prometheus.GaugeVec
	memory  *prometheus.GaugeVec
	stopped prometheus.Counter

	now func() time.Time
}

// New constructs a runtime controller. It returns nil when there is nothing
// to drive.
func New(lifecycle Lifecycle, stats StatsReader, cfg ControllerConfig, logger *slog.Logger) *Controller {
	if lifecycle == nil {
		return nil
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ctrl := &Controller{
		lifecycle:   lifecycle,
		stats:       stats,
		logger:      logger,
		interval:    interval,
		idleTimeout: cfg.IdleTimeout,
		cpu: metrics.Register(cfg.Registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zeblit",
			Subsystem: "container",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of a project container.",
		}, []string{"project_id"})),
		memory: metrics.Register(cfg.Registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zeblit",
			Subsystem: "container",
			Name:      "memory_bytes",
			Help:      "Last sampled memory usage of a project container.",
		}, []string{"project_id"})),
		stopped: metrics.Register(cfg.Registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zeblit",
			Subsystem: "container",
			Name:      "idle_stops_total",
			Help:      "Containers stopped by the idle sweep.",
		})),
		now: time.Now,
	}
	if ctrl.logger != nil {
		ctrl.logger = ctrl.logger.With("component", "runtime")
	}
	return ctrl
}

// Run executes the reconciliation loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logf(slog.LevelInfo, "runtime controller started", "interval", c.interval, "idle_timeout", formatDuration(c.idleTimeout))
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logf(slog.LevelInfo, "runtime controller stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	if c == nil {
		return
	}
	timeout := reconcileTimeout
	if c.interval > 0 && c.interval < timeout {
		timeout = c.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	c.sweep(opCtx)
	c.sample(opCtx)
}

func (c *Controller) sweep(ctx context.Context) {
	if c.idleTimeout <= 0 {
		return
	}
	stopped, err := c.lifecycle.SweepIdle(ctx, c.idleTimeout)
	if err != nil {
		c.logf(slog.LevelWarn, "idle sweep incomplete", "error", err)
	}
	for _, projectID := range stopped {
		c.stopped.Inc()
		c.cpu.DeleteLabelValues(projectID)
		c.memory.DeleteLabelValues(projectID)
		c.logf(slog.LevelInfo, "container stopped after idle timeout", "project_id", projectID, "idle_timeout", formatDuration(c.idleTimeout))
	}
}

func (c *Controller) sample(ctx context.Context) {
	if c.stats == nil {
		return
	}
	for _, rec := range c.lifecycle.List() {
		if rec.State != domain.ContainerRunning || rec.ContainerID == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		stats, err := c.stats.Stats(ctx, rec.ContainerID)
		if err != nil {
			c.handleSampleError(ctx, rec, err)
			continue
		}
		c.lifecycle.RecordStats(rec.ProjectID, rec.ContainerID, stats)
		c.cpu.WithLabelValues(rec.ProjectID).Set(stats.CPUPercent)
		c.memory.WithLabelValues(rec.ProjectID).Set(float64(stats.MemoryBytes))
		c.logf(slog.LevelDebug, "container sampled", "project_id", rec.ProjectID,
			"cpu", fmt.Sprintf("%.2f%%", stats.CPUPercent), "memory", formatBytes(stats.MemoryBytes))
	}
}

func (c *Controller) handleSampleError(ctx context.Context, rec domain.ContainerRecord, err error) {
	if errors.Is(err, engine.ErrContainerNotFound) || errors.Is(err, engine.ErrContainerNotRunning) {
		c.cpu.DeleteLabelValues(rec.ProjectID)
		c.memory.DeleteLabelValues(rec.ProjectID)
		if invErr := c.lifecycle.Invalidate(ctx, rec.ProjectID, rec.ContainerID, err); invErr != nil {
			c.logf(slog.LevelWarn, "failed to resynchronize container record", "project_id", rec.ProjectID, "container_id", rec.ContainerID, "error", invErr)
		}
		return
	}
	c.logf(slog.LevelWarn, "failed to sample container stats", "project_id", rec.ProjectID, "container_id", rec.ContainerID, "error", err)
}

func (c *Controller) logf(level slog.Level, msg string, args ...any) {
	if c.logger != nil {
		c.logger.Log(context.Background(), level, msg, args...)
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	if d%time.Millisecond == 0 {
		return fmt.Sprintf("%dms", int(d/time.Millisecond))
	}
	return d.String()
}

func formatBytes(bytes int64) string {
	if bytes <= 0 {
		return "0B"
	}
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.2fGB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.2fMB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.2fKB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
