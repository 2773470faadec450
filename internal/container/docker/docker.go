// Package docker implements the container backend on the Docker SDK.
package docker

import (
	"context"
	"fmt"
	"time"

	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/config"
	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/container"
)

// WorkspaceLabel is the container label carrying the owning workspace id.
// Provisioning tooling sets it when it creates workspace containers.
const WorkspaceLabel = "devmux.workspace"

const stopTimeout = 30 * time.Second

// Backend wraps the Docker client.
type Backend struct {
	cli    *client.Client
	logger *logger.Logger
}

var _ container.Backend = (*Backend)(nil)

// NewBackend creates a Docker-backed container backend and verifies the
// daemon is reachable.
func NewBackend(ctx context.Context, cfg config.DockerConfig, log *logger.Logger) (*Backend, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker ping failed: %w", err)
	}

	log.Info("Docker backend ready",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Backend{cli: cli, logger: log}, nil
}

// Close closes the Docker client.
func (b *Backend) Close() error {
	return b.cli.Close()
}

// Status reports the state of the workspace's container. State "none" means
// no container carries the workspace label.
func (b *Backend) Status(ctx context.Context, workspaceID string) (*container.Status, error) {
	id, err := b.find(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return &container.Status{State: container.StateNone}, nil
	}

	inspect, err := b.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}

	status := &container.Status{
		ContainerID: inspect.ID,
		State:       inspect.State.Status,
	}
	if inspect.NetworkSettings != nil {
		// Default bridge first, then whichever network has an address.
		if inspect.NetworkSettings.IPAddress != "" {
			status.IP = inspect.NetworkSettings.IPAddress
		} else {
			for _, netSettings := range inspect.NetworkSettings.Networks {
				if netSettings.IPAddress != "" {
					status.IP = netSettings.IPAddress
					break
				}
			}
		}
	}
	return status, nil
}

// Start starts the workspace's container.
func (b *Backend) Start(ctx context.Context, workspaceID string) error {
	id, err := b.find(ctx, workspaceID)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("no container for workspace %s", workspaceID)
	}

	b.logger.Info("Starting container",
		zap.String("workspace_id", workspaceID),
		zap.String("container_id", id),
	)
	if err := b.cli.ContainerStart(ctx, id, dcontainer.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// Stop stops the workspace's container.
func (b *Backend) Stop(ctx context.Context, workspaceID string) error {
	id, err := b.find(ctx, workspaceID)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("no container for workspace %s", workspaceID)
	}

	b.logger.Info("Stopping container",
		zap.String("workspace_id", workspaceID),
		zap.String("container_id", id),
	)
	timeoutSeconds := int(stopTimeout.Seconds())
	if err := b.cli.ContainerStop(ctx, id, dcontainer.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

// find returns the id of the container labeled for the workspace, or ""
// when none exists.
func (b *Backend) find(ctx context.Context, workspaceID string) (string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", fmt.Sprintf("%s=%s", WorkspaceLabel, workspaceID))

	containers, err := b.cli.ContainerList(ctx, dcontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", nil
	}
	if len(containers) > 1 {
		b.logger.Warn("Multiple containers labeled for workspace, using first",
			zap.String("workspace_id", workspaceID),
			zap.Int("count", len(containers)),
		)
	}
	return containers[0].ID, nil
}
