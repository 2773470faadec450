// Package controller implements workspace operations behind the REST
// handlers: record CRUD, container lifecycle, and agent update requests.
package controller

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/agent/registry"
	"github.com/devmux/devmux/internal/broadcast"
	"github.com/devmux/devmux/internal/common/constants"
	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/container"
	"github.com/devmux/devmux/internal/workspace"
	"github.com/devmux/devmux/internal/workspace/dto"
)

// ErrContainerUnavailable is returned when no container backend is configured
// (hub started without Docker access).
var ErrContainerUnavailable = errors.New("container backend unavailable")

// ErrAgentNotConnected is returned for operations that need a live agent.
var ErrAgentNotConnected = errors.New("Agent not connected")

type Controller struct {
	store       workspace.Store
	registry    *registry.Registry
	backend     container.Backend
	startup     *workspace.StartupTracker
	broadcaster *broadcast.Broadcaster
	bundleURL   string
	logger      *logger.Logger
}

// New creates the workspace controller. backend may be nil; container
// operations then fail with ErrContainerUnavailable.
func New(
	store workspace.Store,
	reg *registry.Registry,
	backend container.Backend,
	startup *workspace.StartupTracker,
	broadcaster *broadcast.Broadcaster,
	bundleURL string,
	log *logger.Logger,
) *Controller {
	return &Controller{
		store:       store,
		registry:    reg,
		backend:     backend,
		startup:     startup,
		broadcaster: broadcaster,
		bundleURL:   bundleURL,
		logger:      log.WithFields(zap.String("component", "workspace-controller")),
	}
}

// List returns all workspaces merged with their live connection state.
func (c *Controller) List(ctx context.Context, search string) (dto.ListWorkspacesResponse, error) {
	records, err := c.store.List(ctx, search)
	if err != nil {
		return dto.ListWorkspacesResponse{}, err
	}
	dtos := make([]dto.WorkspaceDTO, 0, len(records))
	for _, ws := range records {
		dtos = append(dtos, c.toDTO(ws))
	}
	return dto.ListWorkspacesResponse{Workspaces: dtos, Total: len(dtos)}, nil
}

// Get returns one workspace merged with its live connection state.
func (c *Controller) Get(ctx context.Context, id string) (dto.WorkspaceDTO, error) {
	ws, err := c.store.Get(ctx, id)
	if err != nil {
		return dto.WorkspaceDTO{}, err
	}
	return c.toDTO(ws), nil
}

// Create inserts a new workspace record. The generated agent token is
// returned exactly once in the response.
func (c *Controller) Create(ctx context.Context, name, ownerID string) (dto.CreateWorkspaceResponse, error) {
	ws := &workspace.Workspace{Name: name, OwnerID: ownerID}
	if err := c.store.Create(ctx, ws); err != nil {
		return dto.CreateWorkspaceResponse{}, err
	}
	c.logger.Info("Workspace created",
		zap.String("workspace_id", ws.ID),
		zap.String("name", ws.Name))
	return dto.CreateWorkspaceResponse{
		WorkspaceDTO: c.toDTO(ws),
		AgentToken:   ws.AgentToken,
	}, nil
}

// Delete removes a workspace. A running container is stopped best-effort
// first; a stop failure does not block the delete.
func (c *Controller) Delete(ctx context.Context, id string) error {
	ws, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if c.backend != nil && ws.ContainerStatus == "running" {
		stopCtx, cancel := context.WithTimeout(context.Background(), constants.ContainerStopTimeout)
		if err := c.backend.Stop(stopCtx, id); err != nil {
			c.logger.Warn("Failed to stop container during delete",
				zap.String("workspace_id", id),
				zap.Error(err))
		}
		cancel()
	}

	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.startup.Clear(id)
	c.logger.Info("Workspace deleted", zap.String("workspace_id", id))
	return nil
}

// StartContainer starts the workspace's container and waits for the result.
// When a start is already in flight the current state is returned unchanged;
// the startup tracker is the latch shared with the gateway's auto-start.
func (c *Controller) StartContainer(ctx context.Context, id string) (dto.WorkspaceDTO, error) {
	ws, err := c.store.Get(ctx, id)
	if err != nil {
		return dto.WorkspaceDTO{}, err
	}
	if c.backend == nil {
		return dto.WorkspaceDTO{}, ErrContainerUnavailable
	}
	if _, starting := c.startup.Get(id); starting {
		return c.toDTO(ws), nil
	}

	c.setPhase(id, workspace.PhaseStartingContainer)

	// The start itself runs off the request context so an impatient client
	// cannot abandon the latch mid-flight.
	startCtx, cancel := context.WithTimeout(context.Background(), constants.ContainerStartTimeout)
	defer cancel()

	if err := c.backend.Start(startCtx, id); err != nil {
		c.startup.Clear(id)
		return dto.WorkspaceDTO{}, fmt.Errorf("start container: %w", err)
	}
	c.syncContainerState(startCtx, id)
	c.setPhase(id, workspace.PhaseWaitingForAgent)

	return c.refresh(ctx, id)
}

// StopContainer stops the workspace's container.
func (c *Controller) StopContainer(ctx context.Context, id string) (dto.WorkspaceDTO, error) {
	if _, err := c.store.Get(ctx, id); err != nil {
		return dto.WorkspaceDTO{}, err
	}
	if c.backend == nil {
		return dto.WorkspaceDTO{}, ErrContainerUnavailable
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), constants.ContainerStopTimeout)
	defer cancel()

	if err := c.backend.Stop(stopCtx, id); err != nil {
		return dto.WorkspaceDTO{}, fmt.Errorf("stop container: %w", err)
	}
	c.startup.Clear(id)
	c.syncContainerState(stopCtx, id)

	return c.refresh(ctx, id)
}

// RequestAgentUpdate asks the workspace's agent to self-update to the hub's
// expected version. bundleURL overrides the configured default when set.
func (c *Controller) RequestAgentUpdate(ctx context.Context, id, bundleURL string) error {
	if _, err := c.store.Get(ctx, id); err != nil {
		return err
	}
	if bundleURL == "" {
		bundleURL = c.bundleURL
	}
	if !c.registry.RequestUpdate(id, bundleURL) {
		return ErrAgentNotConnected
	}
	return nil
}

// syncContainerState reads back the container state after a lifecycle change
// and propagates it to the mirror columns and connected browsers.
func (c *Controller) syncContainerState(ctx context.Context, id string) {
	st, err := c.backend.Status(ctx, id)
	if err != nil {
		c.logger.Warn("Failed to read container status",
			zap.String("workspace_id", id),
			zap.Error(err))
		return
	}
	if err := c.store.UpdateContainerState(ctx, id, st.ContainerID, st.State, st.IP); err != nil {
		c.logger.Warn("Failed to persist container state",
			zap.String("workspace_id", id),
			zap.Error(err))
	}
	c.broadcaster.ContainerStatus(id, st.State, st.IP)
}

func (c *Controller) setPhase(id, phase string) {
	c.startup.Set(id, phase, "")
	if p, ok := c.startup.Get(id); ok {
		c.broadcaster.StartupProgress(p)
	}
}

func (c *Controller) refresh(ctx context.Context, id string) (dto.WorkspaceDTO, error) {
	ws, err := c.store.Get(ctx, id)
	if err != nil {
		return dto.WorkspaceDTO{}, err
	}
	return c.toDTO(ws), nil
}

func (c *Controller) toDTO(ws *workspace.Workspace) dto.WorkspaceDTO {
	var progress *workspace.StartupProgress
	if p, ok := c.startup.Get(ws.ID); ok {
		progress = p
	}
	return dto.FromWorkspace(ws, c.registry.ConnectionInfo(ws.ID), c.registry.IsUpdating(ws.ID), progress)
}
