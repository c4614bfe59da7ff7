package domain

import (
	"fmt"
	"time"
)

// ContainerState is the lifecycle state of a project container.
type ContainerState string

const (
	ContainerAbsent   ContainerState = "absent"
	ContainerStarting ContainerState = "starting"
	ContainerRunning  ContainerState = "running"
	ContainerStopping ContainerState = "stopping"
	ContainerStopped  ContainerState = "stopped"
	ContainerError    ContainerState = "error"
)

// Active reports whether the state counts against the owner's quota.
func (s ContainerState) Active() bool {
	return s == ContainerStarting || s == ContainerRunning
}

// HoldsPorts reports whether a record in this state keeps its port range.
func (s ContainerState) HoldsPorts() bool {
	return s != ContainerAbsent && s != ContainerError && s != ""
}

// PortRange is a block of Width consecutive host ports starting at Start.
type PortRange struct {
	Start int `json:"start"`
	Width int `json:"width"`
}

// End returns the last port of the range.
func (r PortRange) End() int {
	if r.Width <= 0 {
		return r.Start
	}
	return r.Start + r.Width - 1
}

// Empty reports whether no range is assigned.
func (r PortRange) Empty() bool { return r.Width <= 0 }

func (r PortRange) String() string {
	if r.Empty() {
		return ""
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End())
}

// ParsePortRange parses the "start-end" form produced by String.
func ParsePortRange(s string) (PortRange, error) {
	var start, end int
	if _, err := fmt.Sscanf(s, "%d-%d", &start, &end); err != nil {
		return PortRange{}, fmt.Errorf("parse port range %q: %w", s, err)
	}
	if end < start {
		return PortRange{}, fmt.Errorf("parse port range %q: end before start", s)
	}
	return PortRange{Start: start, Width: end - start + 1}, nil
}

// ResourceLimits caps a container's CPU and memory.
type ResourceLimits struct {
	CPUShares   int64 `json:"cpu_shares"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// ContainerRecord is the platform's view of a project's container.
type ContainerRecord struct {
	ProjectID      string
	OwnerID        string
	ContainerID    string
	State          ContainerState
	Ports          PortRange
	Limits         ResourceLimits
	LastError      string
	CPUPercent     *float64
	MemoryBytes    *int64
	CreatedAt      time.Time
	LastActivityAt time.Time
	UpdatedAt      time.Time
}
