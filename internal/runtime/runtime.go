package runtime

import (
	"context"
	"io"
	"time"
)

// Labels identify containers owned by this service.
const (
	LabelManaged = "dev.zeblit.managed"
	LabelProject = "dev.zeblit.project-id"
	LabelOwner   = "dev.zeblit.owner-id"
	LabelPorts   = "dev.zeblit.port-range"
)

// Mount binds a host path into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Limits caps the resources a container may use.
type Limits struct {
	CPUShares   int64
	MemoryBytes int64
}

// PortBinding publishes a contiguous host port range onto container ports.
type PortBinding struct {
	HostStart     int
	ContainerPort int
	Count         int
}

// CreateOptions describes a container to provision.
type CreateOptions struct {
	Name    string
	Image   string
	Labels  map[string]string
	Env     []string
	Mounts  []Mount
	Limits  Limits
	Ports   PortBinding
	WorkDir string
}

// ContainerState is the engine's view of one container.
type ContainerState struct {
	ID        string
	Running   bool
	Status    string
	StartedAt time.Time
}

// ContainerSummary is a listed container with its labels.
type ContainerSummary struct {
	ID      string
	Name    string
	Running bool
	Labels  map[string]string
	Created time.Time
}

// ExecRequest describes a one-shot command.
type ExecRequest struct {
	Args           []string
	WorkDir        string
	Env            []string
	Timeout        time.Duration
	MaxOutputBytes int
}

// ExecResult holds the outcome of a completed one-shot command.
type ExecResult struct {
	ExitCode        int
	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool
}

// StreamRequest describes an interactive or incremental command.
type StreamRequest struct {
	Args    []string
	WorkDir string
	Env     []string
	TTY     bool
	Rows    uint
	Cols    uint
}

// Stream is a running exec attached to the caller. Reads return process
// output; writes feed process stdin.
type Stream interface {
	io.Reader
	io.Writer
	Resize(ctx context.Context, rows, cols uint) error
	CloseWrite() error
	// Kill terminates the process and its descendants inside the container.
	Kill(ctx context.Context) error
	// Close detaches from the process without signalling it.
	Close() error
	// Wait blocks until the process has exited and reports its exit code.
	Wait(ctx context.Context) (int, error)
}

// Stats is a single resource usage sample.
type Stats struct {
	CPUPercent     float64
	MemoryBytes    int64
	MemoryLimit    int64
	NetworkRxBytes int64
	NetworkTxBytes int64
}

// Client is the container engine boundary used by the lifecycle manager,
// executor and session manager.
type Client interface {
	Create(ctx context.Context, opts CreateOptions) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (ContainerState, error)
	List(ctx context.Context, labels map[string]string) ([]ContainerSummary, error)
	Exec(ctx context.Context, containerID string, req ExecRequest) (ExecResult, error)
	StreamExec(ctx context.Context, containerID string, req StreamRequest) (Stream, error)
	Logs(ctx context.Context, containerID string, tail int) (string, error)
	Stats(ctx context.Context, containerID string) (Stats, error)
}
