package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

func TestPortMapPublishesContiguousRange(t *testing.T) {
	exposed, bindings, err := portMap(runtime.PortBinding{HostStart: 20010, ContainerPort: 3000, Count: 3})
	if err != nil {
		t.Fatalf("portMap: %v", err)
	}
	if len(exposed) != 3 || len(bindings) != 3 {
		t.Fatalf("expected 3 ports, got %d exposed %d bound", len(exposed), len(bindings))
	}
	for i := 0; i < 3; i++ {
		port := nat.Port(fmt.Sprintf("%d/tcp", 3000+i))
		got := bindings[port]
		if len(got) != 1 || got[0].HostPort != fmt.Sprint(20010+i) {
			t.Fatalf("unexpected binding for %s: %+v", port, got)
		}
	}

	exposed, bindings, err = portMap(runtime.PortBinding{})
	if err != nil || exposed != nil || bindings != nil {
		t.Fatalf("empty binding should publish nothing")
	}
	if _, _, err := portMap(runtime.PortBinding{Count: 1}); err == nil {
		t.Fatalf("expected error for zero ports")
	}
}

func TestStatsSampleComputesUsage(t *testing.T) {
	raw := `{
		"read": "2024-05-01T10:00:00Z",
		"cpu_stats": {"cpu_usage": {"total_usage": 400}, "system_cpu_usage": 2000, "online_cpus": 2},
		"precpu_stats": {"cpu_usage": {"total_usage": 200}, "system_cpu_usage": 1000},
		"memory_stats": {"usage": 1000, "limit": 4096, "stats": {"inactive_file": 200}},
		"networks": {"eth0": {"rx_bytes": 10, "tx_bytes": 20}, "eth1": {"rx_bytes": 1, "tx_bytes": 2}}
	}`
	var sample statsSample
	if err := json.Unmarshal([]byte(raw), &sample); err != nil {
		t.Fatalf("decode: %v", err)
	}
	stats := sample.toStats()
	if stats.CPUPercent != 40 {
		t.Fatalf("expected 40%% cpu, got %v", stats.CPUPercent)
	}
	if stats.MemoryBytes != 800 || stats.MemoryLimit != 4096 {
		t.Fatalf("unexpected memory %+v", stats)
	}
	if stats.NetworkRxBytes != 11 || stats.NetworkTxBytes != 22 {
		t.Fatalf("unexpected network %+v", stats)
	}
}

func TestClassifyMapsEngineErrors(t *testing.T) {
	notFound := classify("exec create", "c1", errdefs.NotFound(errors.New("No such container: c1")))
	if !errors.Is(notFound, runtime.ErrContainerNotFound) {
		t.Fatalf("expected ErrContainerNotFound, got %v", notFound)
	}
	notRunning := classify("exec create", "c1", errdefs.Conflict(errors.New("Container c1 is not running")))
	if !errors.Is(notRunning, runtime.ErrContainerNotRunning) {
		t.Fatalf("expected ErrContainerNotRunning, got %v", notRunning)
	}
	transport := classify("container stats", "c1", &net.OpError{Op: "dial", Err: errors.New("connection refused")})
	if !runtime.IsTransport(transport) {
		t.Fatalf("expected transport error, got %v", transport)
	}
	if err := classify("x", "c1", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("context errors must pass through, got %v", err)
	}
}

func TestMarkerEnvAppendsUniqueMarker(t *testing.T) {
	base := []string{"A=1"}
	m1, env1 := markerEnv(base)
	m2, _ := markerEnv(base)
	if m1 == m2 {
		t.Fatalf("markers must be unique")
	}
	if len(base) != 1 || len(env1) != 2 || env1[1] != m1 || !strings.HasPrefix(m1, execMarkerEnv+"=") {
		t.Fatalf("unexpected env %v (base %v)", env1, base)
	}
}

// The tests below talk to a real daemon and run only when
// ZEBLIT_DOCKER_TESTS=1. They use ZEBLIT_TEST_IMAGE (default alpine:3.20).
func dockerClient(t *testing.T) (*Client, string) {
	t.Helper()
	if os.Getenv("ZEBLIT_DOCKER_TESTS") != "1" {
		t.Skip("set ZEBLIT_DOCKER_TESTS=1 to run docker integration tests")
	}
	img := os.Getenv("ZEBLIT_TEST_IMAGE")
	if img == "" {
		img = "alpine:3.20"
	}
	c, err := New("", nil)
	if err != nil {
		t.Fatalf("docker client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	id, err := c.Create(ctx, runtime.CreateOptions{
		Name:   "zeblit-test-" + uuid.NewString()[:8],
		Image:  img,
		Labels: map[string]string{runtime.LabelManaged: "true"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Remove(context.Background(), id)
		_ = c.Close()
	})
	if err := c.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	return c, id
}

func TestDockerExecArgumentList(t *testing.T) {
	c, id := dockerClient(t)
	res, err := c.Exec(context.Background(), id, runtime.ExecRequest{Args: []string{"echo", "hello world"}, Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 0 || string(res.Stdout) != "hello world\n" {
		t.Fatalf("unexpected result %d %q", res.ExitCode, res.Stdout)
	}
}

func TestDockerExecShellScript(t *testing.T) {
	c, id := dockerClient(t)
	res, err := c.Exec(context.Background(), id, runtime.ExecRequest{Args: []string{"/bin/sh", "-c", "echo a && echo b"}, Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 0 || string(res.Stdout) != "a\nb\n" {
		t.Fatalf("unexpected result %d %q", res.ExitCode, res.Stdout)
	}
}

func TestDockerExecTimeoutKillsProcess(t *testing.T) {
	c, id := dockerClient(t)
	_, err := c.Exec(context.Background(), id, runtime.ExecRequest{Args: []string{"sleep", "30"}, Timeout: time.Second})
	if !errors.Is(err, runtime.ErrExecutionTimeout) {
		t.Fatalf("expected ErrExecutionTimeout, got %v", err)
	}
	res, err := c.Exec(context.Background(), id, runtime.ExecRequest{Args: []string{"/bin/sh", "-c", "pgrep sleep || true"}, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "" {
		t.Fatalf("sleep should have been killed, found pids %q", res.Stdout)
	}
}

func TestDockerExecOnStoppedContainer(t *testing.T) {
	c, id := dockerClient(t)
	if err := c.Stop(context.Background(), id, time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_, err := c.Exec(context.Background(), id, runtime.ExecRequest{Args: []string{"true"}})
	if !errors.Is(err, runtime.ErrContainerNotRunning) {
		t.Fatalf("expected ErrContainerNotRunning, got %v", err)
	}
}
