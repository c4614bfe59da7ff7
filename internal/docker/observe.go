package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

const maxLogBytes = 1 << 20

// Logs returns the container's combined stdout and stderr, optionally only
// the last tail lines.
func (c *Client) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "all"}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := c.inner.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return "", classify("container logs", containerID, err)
	}
	defer rc.Close()
	buf := runtime.NewLimitedBuffer(maxLogBytes)
	if _, err := stdcopy.StdCopy(buf, buf, rc); err != nil {
		return "", &runtime.TransportError{Op: "container logs", Err: err}
	}
	return string(buf.Bytes()), nil
}

// Stats takes one resource usage sample. The daemon primes the previous CPU
// reading so a percentage can be computed from a single response.
func (c *Client) Stats(ctx context.Context, containerID string) (runtime.Stats, error) {
	resp, err := c.inner.ContainerStats(ctx, containerID, false)
	if err != nil {
		return runtime.Stats{}, classify("container stats", containerID, err)
	}
	defer resp.Body.Close()
	var sample statsSample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return runtime.Stats{}, &runtime.TransportError{Op: "container stats", Err: err}
	}
	if sample.Read == "" || strings.HasPrefix(sample.Read, "0001-01-01") {
		return runtime.Stats{}, fmt.Errorf("container stats %s: %w", containerID, runtime.ErrContainerNotRunning)
	}
	return sample.toStats(), nil
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage  uint64   `json:"total_usage"`
		PercpuUsage []uint64 `json:"percpu_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

type statsSample struct {
	Read        string   `json:"read"`
	CPUStats    cpuStats `json:"cpu_stats"`
	PreCPUStats cpuStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64            `json:"usage"`
		Limit uint64            `json:"limit"`
		Stats map[string]uint64 `json:"stats"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

func (s statsSample) toStats() runtime.Stats {
	out := runtime.Stats{
		CPUPercent:  s.cpuPercent(),
		MemoryBytes: int64(s.memoryUsage()),
		MemoryLimit: int64(s.MemoryStats.Limit),
	}
	for _, n := range s.Networks {
		out.NetworkRxBytes += int64(n.RxBytes)
		out.NetworkTxBytes += int64(n.TxBytes)
	}
	return out
}

// cpuPercent follows the docker CLI: container delta over system delta,
// scaled by the number of online CPUs.
func (s statsSample) cpuPercent() float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return cpuDelta / systemDelta * online * 100
}

// memoryUsage excludes the page cache, which the kernel reclaims freely.
func (s statsSample) memoryUsage() uint64 {
	usage := s.MemoryStats.Usage
	cache, ok := s.MemoryStats.Stats["inactive_file"]
	if !ok {
		cache = s.MemoryStats.Stats["total_inactive_file"]
	}
	if cache < usage {
		return usage - cache
	}
	return usage
}
