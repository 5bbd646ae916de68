// Package docker implements the engine.Engine interface on top of a
// long-lived Docker container.  It stands in for the GPU VM during
// local development: the container is started and stopped, never
// created or removed.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"

	"github.com/terrpan/gpuwarden/internal/engine"
)

// Config holds Docker-specific settings.
type Config struct {
	// Container is the name or ID of the managed container (required).
	Container string

	// StopTimeoutSeconds is how long the daemon waits for the container
	// to exit before killing it.  Zero uses the daemon default.
	StopTimeoutSeconds int
}

// containerAPI is the subset of *dockerclient.Client the engine uses.
type containerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	Close() error
}

// Engine controls the power state of one Docker container.
type Engine struct {
	client containerAPI
	cfg    Config
	logger *slog.Logger
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine connected to the daemon from the
// environment (DOCKER_HOST etc.).
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	logger.Info("docker engine initialized", slog.String("container", cfg.Container))

	return &Engine{client: client, cfg: cfg, logger: logger}, nil
}

// Describe inspects the container and maps its status onto engine.State.
func (e *Engine) Describe(ctx context.Context) (*engine.Instance, error) {
	resp, err := e.client.ContainerInspect(ctx, e.cfg.Container)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, fmt.Errorf("inspect %s: %w", e.cfg.Container, engine.ErrInstanceNotFound)
		}
		return nil, fmt.Errorf("inspect %s: %w", e.cfg.Container, err)
	}

	out := &engine.Instance{ID: e.cfg.Container, State: engine.StateOther}
	if resp.ContainerJSONBase != nil && resp.State != nil {
		out.RawState = string(resp.State.Status)
		out.State = mapStatus(out.RawState)
	}
	out.Address = firstIP(resp)
	return out, nil
}

// Start starts the stopped container.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("starting container", slog.String("container", e.cfg.Container))
	if err := e.client.ContainerStart(ctx, e.cfg.Container, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start %s: %w", e.cfg.Container, err)
	}
	return nil
}

// Stop stops the running container.
func (e *Engine) Stop(ctx context.Context) error {
	e.logger.Info("stopping container", slog.String("container", e.cfg.Container))

	opts := container.StopOptions{}
	if e.cfg.StopTimeoutSeconds > 0 {
		timeout := e.cfg.StopTimeoutSeconds
		opts.Timeout = &timeout
	}
	if err := e.client.ContainerStop(ctx, e.cfg.Container, opts); err != nil {
		return fmt.Errorf("container stop %s: %w", e.cfg.Container, err)
	}
	return nil
}

// Close closes the Docker client.
func (e *Engine) Close() error {
	return e.client.Close()
}

func mapStatus(status string) engine.State {
	switch status {
	case "created", "restarting":
		return engine.StatePending
	case "running":
		return engine.StateRunning
	case "removing", "paused":
		return engine.StateStopping
	case "exited", "dead":
		return engine.StateStopped
	default:
		return engine.StateOther
	}
}

// firstIP returns the address on the alphabetically first network so
// the result is stable across inspections.
func firstIP(resp container.InspectResponse) string {
	if resp.NetworkSettings == nil {
		return ""
	}
	names := make([]string, 0, len(resp.NetworkSettings.Networks))
	for name := range resp.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ep := resp.NetworkSettings.Networks[name]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}
