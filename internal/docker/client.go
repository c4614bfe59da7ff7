// Package docker implements the container runtime on the Docker Engine API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/docker/docker/client"

	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

// Client implements runtime.Client on top of the Docker Engine API.
type Client struct {
	inner  *client.Client
	logger *slog.Logger
	// versionOnce logs the negotiated API version once.
	versionOnce sync.Once
}

var _ runtime.Client = (*Client)(nil)

var errNotInitialized = errors.New("docker: client not initialized")

// New connects to host, or to the daemon named by DOCKER_HOST and friends
// when host is empty. The API version is negotiated lazily.
func New(host string, logger *slog.Logger) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: connect: %w", err)
	}
	if logger != nil {
		logger = logger.With("component", "docker", "host", inner.DaemonHost())
	}
	return &Client{inner: inner, logger: logger}, nil
}

// Ping checks the daemon answers. It doubles as the engine health check.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker: ping: %w", err)
	}
	if ping.APIVersion == "" {
		return errors.New("docker: ping returned no API version")
	}
	c.versionOnce.Do(func() {
		if c.logger != nil {
			c.logger.Info("docker engine reachable", "api_version", ping.APIVersion, "os_type", ping.OSType)
		}
	})
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

func (c *Client) warn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}
