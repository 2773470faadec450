package protocol

import "encoding/json"

// TabStatus is the agent-reported lifecycle state of a terminal tab.
type TabStatus string

const (
	TabStatusPending TabStatus = "pending"
	TabStatusRunning TabStatus = "running"
	TabStatusStopped TabStatus = "stopped"
)

// TabInfo describes one terminal tab as reported by an agent.
type TabInfo struct {
	TabID      string    `json:"tabId"`
	TmuxWindow int       `json:"tmuxWindow"`
	Status     TabStatus `json:"status"`
}

// HeartbeatMetrics carries optional host metrics piggybacked on a heartbeat.
type HeartbeatMetrics struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryUsed  uint64  `json:"memoryUsed"`
	MemoryTotal uint64  `json:"memoryTotal"`
	DiskUsed    uint64  `json:"diskUsed"`
	DiskTotal   uint64  `json:"diskTotal"`
}

// RegisterPayload is sent by an agent as its first message.
type RegisterPayload struct {
	WorkspaceID string `json:"workspaceId"`
	Token       string `json:"token"`
	Version     string `json:"version"`
}

// RegisteredPayload is the hub's reply to agent:register. RecoveryMode tells
// the agent the hub restarted underneath it and a full agent:state report is
// expected.
type RegisteredPayload struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	RecoveryMode bool   `json:"recoveryMode,omitempty"`
	NeedsUpdate  bool   `json:"needsUpdate,omitempty"`
}

// HeartbeatPayload is the agent's periodic liveness and tab-status report.
type HeartbeatPayload struct {
	WorkspaceID string            `json:"workspaceId"`
	Tabs        []TabInfo         `json:"tabs"`
	Metrics     *HeartbeatMetrics `json:"metrics,omitempty"`
}

// StatePayload is the agent's full tab report, sent after reconnecting to a
// restarted hub. Unlike a heartbeat it replaces the hub's cached view.
type StatePayload struct {
	Tabs []TabInfo `json:"tabs"`
}

// UpdatePayload instructs the agent to self-update.
type UpdatePayload struct {
	Version   string `json:"version"`
	BundleURL string `json:"bundleUrl"`
}

// AgentErrorPayload reports an agent-side failure outside any correlated
// operation.
type AgentErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TabID   string `json:"tabId,omitempty"`
}

type TabCreatePayload struct {
	TabID   string `json:"tabId"`
	Command string `json:"command,omitempty"`
}

type TabCreatedPayload struct {
	TabID      string `json:"tabId"`
	TmuxWindow int    `json:"tmuxWindow"`
}

type TabOutputPayload struct {
	TabID string `json:"tabId"`
	Data  string `json:"data"`
}

type TabEndedPayload struct {
	TabID    string `json:"tabId"`
	ExitCode int    `json:"exitCode"`
}

// TabErrorPayload tells a browser that a tab operation failed or its stream
// was severed.
type TabErrorPayload struct {
	TabID string `json:"tabId"`
	Error string `json:"error"`
}

type TabInputPayload struct {
	TabID string `json:"tabId"`
	Data  string `json:"data"`
}

type TabResizePayload struct {
	TabID string `json:"tabId"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
}

type TabClosePayload struct {
	TabID string `json:"tabId"`
}

type TabBufferRequestPayload struct {
	TabID string `json:"tabId"`
	Lines int    `json:"lines"`
}

type TabBufferPayload struct {
	TabID string   `json:"tabId"`
	Lines []string `json:"lines"`
}

// TabAttachPayload attaches a browser client to a tab's output stream.
type TabAttachPayload struct {
	TabID string `json:"tabId"`
}

type TabDetachPayload struct {
	TabID string `json:"tabId"`
}

// TerminalInputPayload carries keystrokes for the client's attached tab.
type TerminalInputPayload struct {
	Data string `json:"data"`
}

type TerminalResizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// CorrelatedRequest holds the routing fields common to every correlated
// operation request. The remaining family-specific fields pass through the
// hub opaquely.
type CorrelatedRequest struct {
	RequestID   string `json:"requestId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// OperationResponse is the uniform reply shape for correlated operations.
// Failures are shaped identically to successes with Success false.
type OperationResponse struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// FileUploadPayload pushes a file into the workspace via the agent.
type FileUploadPayload struct {
	RequestID   string `json:"requestId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	Filename    string `json:"filename"`
	Data        string `json:"data"`
	MimeType    string `json:"mimeType,omitempty"`
}

// StartupProgress describes workspace provisioning state pushed to browsers.
type StartupProgress struct {
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
	Ready   bool   `json:"ready"`
}

// WorkspaceUpdatedPayload is the single shape for all workspace state deltas.
// Only the changed fields are set.
type WorkspaceUpdatedPayload struct {
	WorkspaceID     string           `json:"workspaceId"`
	ContainerStatus string           `json:"containerStatus,omitempty"`
	ContainerIP     string           `json:"containerIp,omitempty"`
	AgentStatus     string           `json:"agentStatus,omitempty"`
	AgentUpdating   *bool            `json:"agentUpdating,omitempty"`
	StartupProgress *StartupProgress `json:"startupProgress,omitempty"`
}
