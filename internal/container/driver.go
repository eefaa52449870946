// Package container manages the Docker lifecycle of agent-session workers:
// create/start/stop/remove, status inspection, network address resolution,
// and log tailing (SPEC_FULL.md §4.C).
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/basket/agent-gateway/internal/apperr"
)

// SessionLabel tags every container this driver creates so the live set is
// rediscoverable by listing containers with this label present.
const SessionLabel = "gateway.session_id"

// Status is the coarse lifecycle state of a container worker.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
	StatusMissing  Status = "missing"
)

// NetworkAddress is one entry of a container's attached networks.
type NetworkAddress struct {
	Network string
	Address string
}

// Driver is the interface SessionService and StreamBridge depend on.
type Driver interface {
	Create(ctx context.Context, sessionID, workspacePath string, env map[string]string, extraMounts []mount.Mount) (string, error)
	Start(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string, grace time.Duration) error
	Remove(ctx context.Context, handle string, force bool) error
	Status(ctx context.Context, handle string) (Status, error)
	WaitForRunning(ctx context.Context, handle string, timeout time.Duration) (bool, error)
	Inspect(ctx context.Context, handle string) ([]NetworkAddress, error)
	Logs(ctx context.Context, handle string, tail int) (io.ReadCloser, error)
	EnsureNetwork(ctx context.Context) (string, error)
}

// Config parameterizes everything about how a worker container is built.
// It is populated from config.ContainerConfig so no Docker-specific value
// is hardcoded in this package.
type Config struct {
	Image            string
	NetworkName      string
	Runtime          string
	MemoryLimitBytes int64
	CPUQuota         int64
	PidsLimit        int64
	RetryAttempts    int
	RetryDelay       time.Duration
}

// DockerDriver implements Driver against the Docker Engine API.
type DockerDriver struct {
	cli    *client.Client
	cfg    Config
	logger *slog.Logger
}

// NewDockerDriver creates a driver from the ambient Docker environment
// (DOCKER_HOST and friends, same as the docker CLI).
func NewDockerDriver(cfg Config, logger *slog.Logger) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("docker driver initialized", slog.String("runtime", cfg.Runtime), slog.String("image", cfg.Image))
	return &DockerDriver{cli: cli, cfg: cfg, logger: logger}, nil
}

func containerName(sessionID string) string {
	return fmt.Sprintf("gw-session-%s", sessionID)
}

// Create builds (but does not start) a worker container for sessionID.
func (d *DockerDriver) Create(ctx context.Context, sessionID, workspacePath string, env map[string]string, extraMounts []mount.Mount) (string, error) {
	name := containerName(sessionID)

	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := append([]mount.Mount{{
		Type:   mount.TypeBind,
		Source: workspacePath,
		Target: "/workspace",
	}}, extraMounts...)

	cfg := &container.Config{
		Image: d.cfg.Image,
		Env:   envVars,
		Labels: map[string]string{
			SessionLabel: sessionID,
		},
		Tty: false,
	}

	hostCfg := &container.HostConfig{
		Runtime:     d.cfg.Runtime,
		NetworkMode: container.NetworkMode(d.cfg.NetworkName),
		Mounts:      mounts,
		Resources: container.Resources{
			Memory:    d.cfg.MemoryLimitBytes,
			CPUQuota:  d.cfg.CPUQuota,
			PidsLimit: ptr(d.cfg.PidsLimit),
		},
	}

	attempts := d.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < attempts; i++ {
		resp, createErr = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", apperr.Wrap(apperr.Unavailable, "create container", createErr)
		}

		d.logger.Warn("container name conflict during create, retrying",
			slog.String("session_id", sessionID),
			slog.Int("attempt", i+1),
		)
		if inspect, inspectErr := d.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if stopErr := d.Remove(ctx, inspect.ID, true); stopErr != nil {
				d.logger.Warn("failed to clear conflicting container", slog.String("error", stopErr.Error()))
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.cfg.RetryDelay):
		}
	}
	if createErr != nil {
		return "", apperr.Wrap(apperr.Unavailable, "create container after retries", createErr)
	}

	return resp.ID, nil
}

// Start starts a previously created container.
func (d *DockerDriver) Start(ctx context.Context, handle string) error {
	if err := d.cli.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			d.logger.Warn("start: handle missing, no-op", slog.String("handle", handle))
			return nil
		}
		return apperr.Wrap(apperr.Unavailable, "start container", err)
	}
	return nil
}

// Stop stops a container, waiting up to grace before a forced kill.
func (d *DockerDriver) Stop(ctx context.Context, handle string, grace time.Duration) error {
	if _, err := d.cli.ContainerInspect(ctx, handle); err != nil {
		if errdefs.IsNotFound(err) {
			d.logger.Debug("stop: handle missing, no-op", slog.String("handle", handle))
			return nil
		}
		return apperr.Wrap(apperr.Unavailable, "inspect container", err)
	}

	timeoutSecs := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeoutSecs}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		d.logger.Debug("stop returned error, proceeding to remove", slog.String("handle", handle), slog.String("error", err.Error()))
	}
	return nil
}

// Remove deletes a container. force also stops it first if running.
func (d *DockerDriver) Remove(ctx context.Context, handle string, force bool) error {
	if err := d.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: force}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return apperr.Wrap(apperr.Unavailable, "remove container", err)
	}
	return nil
}

// Status classifies a handle's current lifecycle state.
func (d *DockerDriver) Status(ctx context.Context, handle string) (Status, error) {
	inspect, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusMissing, nil
		}
		return StatusFailed, apperr.Wrap(apperr.Unavailable, "inspect container", err)
	}
	switch {
	case inspect.State.Running:
		return StatusRunning, nil
	case inspect.State.Status == "created":
		return StatusCreating, nil
	case inspect.State.ExitCode != 0:
		return StatusFailed, nil
	default:
		return StatusStopped, nil
	}
}

// WaitForRunning polls Status until RUNNING or timeout elapses.
func (d *DockerDriver) WaitForRunning(ctx context.Context, handle string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := d.Status(ctx, handle)
		if err != nil {
			return false, err
		}
		if status == StatusRunning {
			return true, nil
		}
		if status == StatusFailed || status == StatusMissing {
			return false, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Inspect resolves the per-network addresses a container is attached to,
// used by StreamBridge's VNC flavor to reach port 5900 directly.
func (d *DockerDriver) Inspect(ctx context.Context, handle string) ([]NetworkAddress, error) {
	inspect, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, apperr.New(apperr.NotFound, "container not found")
		}
		return nil, apperr.Wrap(apperr.Unavailable, "inspect container", err)
	}
	if inspect.NetworkSettings == nil {
		return nil, nil
	}
	addrs := make([]NetworkAddress, 0, len(inspect.NetworkSettings.Networks))
	for name, ep := range inspect.NetworkSettings.Networks {
		if ep == nil {
			continue
		}
		addrs = append(addrs, NetworkAddress{Network: name, Address: ep.IPAddress})
	}
	return addrs, nil
}

// Logs tails a container's combined stdout/stderr.
func (d *DockerDriver) Logs(ctx context.Context, handle string, tail int) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	}
	rc, err := d.cli.ContainerLogs(ctx, handle, opts)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, apperr.New(apperr.NotFound, "container not found")
		}
		return nil, apperr.Wrap(apperr.Unavailable, "read container logs", err)
	}
	return rc, nil
}

// EnsureNetwork creates the bridge network workers attach to if absent.
func (d *DockerDriver) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", apperr.Wrap(apperr.Unavailable, "list networks", err)
	}
	for _, nw := range networks {
		if nw.Name == d.cfg.NetworkName {
			return nw.ID, nil
		}
	}

	resp, err := d.cli.NetworkCreate(ctx, d.cfg.NetworkName, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return "", apperr.Wrap(apperr.Unavailable, "create network", err)
	}
	d.logger.Info("worker network created", slog.String("network", d.cfg.NetworkName), slog.String("network_id", resp.ID))
	return resp.ID, nil
}

func ptr[T any](v T) *T { return &v }
