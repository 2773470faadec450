package workspace

import (
	"context"
	"time"
)

// Store persists workspace records and the agent/container mirror columns.
type Store interface {
	// Create inserts a new workspace. Generates an ID and agent token when absent.
	Create(ctx context.Context, ws *Workspace) error

	// Get retrieves a workspace by ID.
	Get(ctx context.Context, id string) (*Workspace, error)

	// List returns all workspaces, optionally filtered by a name substring.
	List(ctx context.Context, search string) ([]*Workspace, error)

	// ListWithContainers returns workspaces whose mirrored container status is
	// anything other than "none". The reconciler polls exactly this set.
	ListWithContainers(ctx context.Context) ([]*Workspace, error)

	// UpdateAgentConnection writes the connection mirror. A nil connectedAt
	// clears the connected timestamp (agent disconnected) and leaves the last
	// heartbeat untouched. Version is only written when non-empty.
	UpdateAgentConnection(ctx context.Context, id string, connectedAt *time.Time, version string) error

	// UpdateAgentHeartbeat records the time of the most recent heartbeat.
	UpdateAgentHeartbeat(ctx context.Context, id string, at time.Time) error

	// UpdateContainerState writes the container mirror columns.
	UpdateContainerState(ctx context.Context, id, containerID, status, ip string) error

	// Delete permanently removes a workspace.
	Delete(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
