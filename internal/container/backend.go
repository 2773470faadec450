// Package container abstracts workspace container lifecycle operations.
package container

import "context"

// StateNone is reported when a workspace has no container at all.
// The remaining states are Docker's own: created, running, paused,
// restarting, removing, exited, dead.
const StateNone = "none"

// Status is the observed container state for a workspace.
type Status struct {
	ContainerID string
	State       string
	IP          string
}

// Backend looks up and controls the container belonging to a workspace.
type Backend interface {
	// Status reports the current container state. A workspace without a
	// container yields State "none", not an error.
	Status(ctx context.Context, workspaceID string) (*Status, error)

	// Start starts the workspace's stopped container.
	Start(ctx context.Context, workspaceID string) error

	// Stop stops the workspace's running container.
	Stop(ctx context.Context, workspaceID string) error

	// Close releases backend resources.
	Close() error
}
