// Package dto defines the REST API shapes for workspaces. A workspace DTO
// merges the persisted record with the live view from the connection registry;
// callers never see the raw model.
package dto

import (
	"time"

	"github.com/devmux/devmux/internal/agent/registry"
	"github.com/devmux/devmux/internal/workspace"
	"github.com/devmux/devmux/pkg/protocol"
)

// AgentDTO is the agent connection section of a workspace response. When no
// agent is connected the fields fall back to the persisted mirror columns,
// so clients still see the last known version and heartbeat.
type AgentDTO struct {
	Connected     bool                       `json:"connected"`
	Version       string                     `json:"version,omitempty"`
	ConnectedAt   *time.Time                 `json:"connected_at,omitempty"`
	LastHeartbeat *time.Time                 `json:"last_heartbeat,omitempty"`
	Updating      bool                       `json:"updating,omitempty"`
	Tabs          []protocol.TabInfo         `json:"tabs,omitempty"`
	Metrics       *protocol.HeartbeatMetrics `json:"metrics,omitempty"`
}

// ContainerDTO is the container section of a workspace response.
type ContainerDTO struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	IP     string `json:"ip,omitempty"`
}

type WorkspaceDTO struct {
	ID              string                     `json:"id"`
	Name            string                     `json:"name"`
	OwnerID         string                     `json:"owner_id,omitempty"`
	Agent           AgentDTO                   `json:"agent"`
	Container       ContainerDTO               `json:"container"`
	StartupProgress *workspace.StartupProgress `json:"startup_progress,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

type ListWorkspacesResponse struct {
	Workspaces []WorkspaceDTO `json:"workspaces"`
	Total      int            `json:"total"`
}

// CreateWorkspaceResponse carries the agent token exactly once. It is never
// included in any other response; operators wire it into the sidecar at
// provisioning time.
type CreateWorkspaceResponse struct {
	WorkspaceDTO
	AgentToken string `json:"agent_token"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

// FromWorkspace builds the response DTO. info is the live registry snapshot
// and may be nil; progress may be nil when no startup is in flight.
func FromWorkspace(ws *workspace.Workspace, info *registry.ConnectionInfo, updating bool, progress *workspace.StartupProgress) WorkspaceDTO {
	d := WorkspaceDTO{
		ID:      ws.ID,
		Name:    ws.Name,
		OwnerID: ws.OwnerID,
		Agent: AgentDTO{
			Version:       ws.AgentVersion,
			LastHeartbeat: ws.AgentLastHeartbeat,
			Updating:      updating,
		},
		Container: ContainerDTO{
			ID:     ws.ContainerID,
			Status: ws.ContainerStatus,
			IP:     ws.ContainerIP,
		},
		StartupProgress: progress,
		CreatedAt:       ws.CreatedAt,
		UpdatedAt:       ws.UpdatedAt,
	}
	if info != nil {
		connectedAt := info.ConnectedAt
		lastHeartbeat := info.LastHeartbeat
		d.Agent.Connected = true
		d.Agent.Version = info.Version
		d.Agent.ConnectedAt = &connectedAt
		d.Agent.LastHeartbeat = &lastHeartbeat
		d.Agent.Tabs = info.Tabs
		d.Agent.Metrics = info.Metrics
	}
	return d
}
