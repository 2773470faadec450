// Package workspace provides workspace records and their persistence.
package workspace

import "time"

// Workspace represents a remote development workspace.
//
// The agent_* and container_* columns mirror live state for observability:
// the in-memory connection registry is authoritative while the hub is up,
// and the mirror lets operators inspect state across restarts.
type Workspace struct {
	ID                 string     `json:"id" db:"id"`
	Name               string     `json:"name" db:"name"`
	OwnerID            string     `json:"owner_id" db:"owner_id"`
	AgentToken         string     `json:"-" db:"agent_token"`
	AgentVersion       string     `json:"agent_version,omitempty" db:"agent_version"`
	AgentConnectedAt   *time.Time `json:"agent_connected_at,omitempty" db:"agent_connected_at"`
	AgentLastHeartbeat *time.Time `json:"agent_last_heartbeat,omitempty" db:"agent_last_heartbeat"`
	ContainerID        string     `json:"container_id,omitempty" db:"container_id"`
	ContainerStatus    string     `json:"container_status" db:"container_status"`
	ContainerIP        string     `json:"container_ip,omitempty" db:"container_ip"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// AgentConnected reports whether the mirror shows a live agent connection.
func (w *Workspace) AgentConnected() bool {
	return w.AgentConnectedAt != nil
}
