// Package events provides event types and utilities for the devmux event system.
package events

// Event types for workspaces
const (
	WorkspaceCreated = "workspace.created"
	WorkspaceUpdated = "workspace.updated"
	WorkspaceDeleted = "workspace.deleted"
)

// BuildWorkspaceUpdatedSubject creates a workspace update subject for a specific workspace
func BuildWorkspaceUpdatedSubject(workspaceID string) string {
	return WorkspaceUpdated + "." + workspaceID
}

// BuildWorkspaceUpdatedWildcardSubject creates a wildcard subscription for all workspace update events
func BuildWorkspaceUpdatedWildcardSubject() string {
	return WorkspaceUpdated + ".*"
}
