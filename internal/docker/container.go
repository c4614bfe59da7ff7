package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

// keepAlive holds a development container open between commands; the init
// process makes stop prompt.
var keepAlive = []string{"sleep", "infinity"}

// Create provisions a container, pulling its image when the daemon lacks it.
func (c *Client) Create(ctx context.Context, opts runtime.CreateOptions) (string, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(opts.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	exposed, bindings, err := portMap(opts.Ports)
	if err != nil {
		return "", err
	}
	useInit := true
	config := &container.Config{
		Image:        opts.Image,
		Cmd:          keepAlive,
		Env:          opts.Env,
		Labels:       opts.Labels,
		WorkingDir:   opts.WorkDir,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Init:         &useInit,
		Mounts:       mounts(opts.Mounts),
		Resources: container.Resources{
			CPUShares: opts.Limits.CPUShares,
			Memory:    opts.Limits.MemoryBytes,
		},
	}

	resp, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, opts.Name)
	if err != nil && (client.IsErrNotFound(err) || errdefs.IsNotFound(err)) {
		if pullErr := c.pullImage(ctx, opts.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, opts.Name)
	}
	if err != nil {
		if isTransport(err) {
			return "", &runtime.TransportError{Op: "container create", Err: err}
		}
		return "", fmt.Errorf("container create: %w", err)
	}
	for _, w := range resp.Warnings {
		c.warn("container create warning", "name", opts.Name, "warning", w)
	}
	return resp.ID, nil
}

// Start starts a created or stopped container.
func (c *Client) Start(ctx context.Context, containerID string) error {
	if err := c.inner.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return classify("container start", containerID, err)
	}
	return nil
}

// Stop stops a running container, killing it after grace.
func (c *Client) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace / time.Second)
	if err := c.inner.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return classify("container stop", containerID, err)
	}
	return nil
}

// Remove force-removes a container by id or name.
func (c *Client) Remove(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return classify("container remove", containerID, err)
	}
	return nil
}

// Inspect returns the engine's view of a container.
func (c *Client) Inspect(ctx context.Context, containerID string) (runtime.ContainerState, error) {
	info, err := c.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		return runtime.ContainerState{}, classify("container inspect", containerID, err)
	}
	state := runtime.ContainerState{ID: info.ID}
	if info.State != nil {
		state.Running = info.State.Running
		state.Status = info.State.Status
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			state.StartedAt = started
		}
	}
	return state, nil
}

// List returns every container, running or not, carrying all of labels.
func (c *Client) List(ctx context.Context, labels map[string]string) ([]runtime.ContainerSummary, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	found, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify("container list", "", err)
	}
	out := make([]runtime.ContainerSummary, 0, len(found))
	for _, item := range found {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		out = append(out, runtime.ContainerSummary{
			ID:      item.ID,
			Name:    name,
			Running: item.State == "running",
			Labels:  item.Labels,
			Created: time.Unix(item.Created, 0).UTC(),
		})
	}
	return out, nil
}

func (c *Client) pullImage(ctx context.Context, ref string) error {
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("image pull", ref, err)
	}
	defer rc.Close()
	decoder := json.NewDecoder(rc)
	for {
		var msg pullMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode pull output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("docker image pull %s: %s", ref, errMsg)
		}
	}
}

type pullMessage struct {
	Status      string `json:"status"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m pullMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

// portMap publishes Count consecutive host ports starting at HostStart onto
// the same number of container ports starting at ContainerPort.
func portMap(b runtime.PortBinding) (nat.PortSet, nat.PortMap, error) {
	if b.Count <= 0 {
		return nil, nil, nil
	}
	if b.HostStart <= 0 || b.ContainerPort <= 0 {
		return nil, nil, fmt.Errorf("invalid port binding %+v", b)
	}
	exposed := make(nat.PortSet, b.Count)
	bindings := make(nat.PortMap, b.Count)
	for i := 0; i < b.Count; i++ {
		port, err := nat.NewPort("tcp", strconv.Itoa(b.ContainerPort+i))
		if err != nil {
			return nil, nil, fmt.Errorf("container port: %w", err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(b.HostStart + i)}}
	}
	return exposed, bindings, nil
}

func mounts(in []runtime.Mount) []mount.Mount {
	if len(in) == 0 {
		return nil
	}
	out := make([]mount.Mount, 0, len(in))
	for _, m := range in {
		out = append(out, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}
