package httpx

import (
	"time"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

type containerView struct {
	ProjectID      string   `json:"project_id"`
	ContainerID    string   `json:"container_id,omitempty"`
	State          string   `json:"state"`
	Ports          string   `json:"ports,omitempty"`
	PortStart      int      `json:"port_start,omitempty"`
	PortWidth      int      `json:"port_width,omitempty"`
	CPUShares      int64    `json:"cpu_shares,omitempty"`
	MemoryLimit    int64    `json:"memory_limit_bytes,omitempty"`
	LastError      string   `json:"last_error,omitempty"`
	CPUPercent     *float64 `json:"cpu_percent,omitempty"`
	MemoryBytes    *int64   `json:"memory_bytes,omitempty"`
	CreatedAt      string   `json:"created_at,omitempty"`
	LastActivityAt string   `json:"last_activity_at,omitempty"`
}

func newContainerView(rec domain.ContainerRecord) containerView {
	state := rec.State
	if state == "" {
		state = domain.ContainerAbsent
	}
	view := containerView{
		ProjectID:      rec.ProjectID,
		ContainerID:    rec.ContainerID,
		State:          string(state),
		PortStart:      rec.Ports.Start,
		PortWidth:      rec.Ports.Width,
		CPUShares:      rec.Limits.CPUShares,
		MemoryLimit:    rec.Limits.MemoryBytes,
		LastError:      rec.LastError,
		CPUPercent:     rec.CPUPercent,
		MemoryBytes:    rec.MemoryBytes,
		CreatedAt:      formatTime(rec.CreatedAt),
		LastActivityAt: formatTime(rec.LastActivityAt),
	}
	if rec.Ports.Width > 0 {
		view.Ports = rec.Ports.String()
	}
	return view
}

type resultView struct {
	ExitCode   int      `json:"exit_code"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	Truncated  bool     `json:"truncated"`
	TimedOut   bool     `json:"timed_out"`
	Args       []string `json:"args,omitempty"`
	Shell      bool     `json:"shell,omitempty"`
	DurationMS float64  `json:"duration_ms"`
	StartedAt  string   `json:"started_at,omitempty"`
}

func newResultView(res domain.ExecutionResult, timedOut bool) resultView {
	return resultView{
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Truncated:  res.Truncated,
		TimedOut:   timedOut,
		Args:       res.Command.Args,
		Shell:      res.Command.Shell,
		DurationMS: milliseconds(res.Duration),
		StartedAt:  formatTime(res.StartedAt),
	}
}

type sessionView struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	ContainerID      string `json:"container_id,omitempty"`
	State            string `json:"state"`
	KillOnDisconnect bool   `json:"kill_on_disconnect"`
	CreatedAt        string `json:"created_at"`
	LastActivityAt   string `json:"last_activity_at,omitempty"`
}

func newSessionView(s domain.InteractiveSession) sessionView {
	return sessionView{
		ID:               s.ID,
		ProjectID:        s.ProjectID,
		ContainerID:      s.ContainerID,
		State:            string(s.State),
		KillOnDisconnect: s.KillOnDisconnect,
		CreatedAt:        formatTime(s.CreatedAt),
		LastActivityAt:   formatTime(s.LastActivityAt),
	}
}

type statsView struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryBytes    int64   `json:"memory_bytes"`
	MemoryLimit    int64   `json:"memory_limit_bytes"`
	NetworkRxBytes int64   `json:"network_rx_bytes"`
	NetworkTxBytes int64   `json:"network_tx_bytes"`
}

func newStatsView(s runtime.Stats) statsView {
	return statsView{
		CPUPercent:     s.CPUPercent,
		MemoryBytes:    s.MemoryBytes,
		MemoryLimit:    s.MemoryLimit,
		NetworkRxBytes: s.NetworkRxBytes,
		NetworkTxBytes: s.NetworkTxBytes,
	}
}

type executionView struct {
	ID         string   `json:"id"`
	Args       []string `json:"args"`
	Shell      bool     `json:"shell"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	Outcome    string   `json:"outcome"`
	Error      string   `json:"error,omitempty"`
	DurationMS float64  `json:"duration_ms"`
	StartedAt  string   `json:"started_at"`
}

type rollupView struct {
	BucketStart  string   `json:"bucket_start"`
	BucketSpanMS int64    `json:"bucket_span_ms"`
	Outcome      string   `json:"outcome"`
	Count        int64    `json:"count"`
	P50MS        *float64 `json:"p50_ms,omitempty"`
	P95MS        *float64 `json:"p95_ms,omitempty"`
	P99MS        *float64 `json:"p99_ms,omitempty"`
	MaxMS        *float64 `json:"max_ms,omitempty"`
	AvgMS        *float64 `json:"avg_ms,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
