package registry

import (
	"encoding/json"

	"github.com/devmux/devmux/pkg/protocol"
)

// Tab lifecycle commands. Each wrapper fixes the action name and payload
// shape around Emit; a false return always means "agent unavailable".

// CreateTab asks the agent to open a new terminal tab.
func (r *Registry) CreateTab(workspaceID, tabID, command string) bool {
	return r.Emit(workspaceID, protocol.ActionTabCreate, protocol.TabCreatePayload{
		TabID:   tabID,
		Command: command,
	})
}

// SendInput forwards keystrokes to a tab.
func (r *Registry) SendInput(workspaceID, tabID, data string) bool {
	return r.Emit(workspaceID, protocol.ActionTabInput, protocol.TabInputPayload{
		TabID: tabID,
		Data:  data,
	})
}

// ResizeTab forwards a terminal resize. Fire-and-forget: there is no
// meaningful response to wait for.
func (r *Registry) ResizeTab(workspaceID, tabID string, cols, rows uint16) bool {
	return r.Emit(workspaceID, protocol.ActionTabResize, protocol.TabResizePayload{
		TabID: tabID,
		Cols:  cols,
		Rows:  rows,
	})
}

// CloseTab asks the agent to terminate a tab's process.
func (r *Registry) CloseTab(workspaceID, tabID string) bool {
	return r.Emit(workspaceID, protocol.ActionTabClose, protocol.TabClosePayload{TabID: tabID})
}

// RequestBuffer asks the agent for a tab's recent scrollback.
func (r *Registry) RequestBuffer(workspaceID, tabID string, lines int) bool {
	return r.Emit(workspaceID, protocol.ActionTabBufferRequest, protocol.TabBufferRequestPayload{
		TabID: tabID,
		Lines: lines,
	})
}

// Correlated operation commands. The hub treats these payloads as opaque:
// the browser's request payload (carrying the correlation id) passes through
// to the agent unmodified, and the relay matches the response by id.

func (r *Registry) GitStatus(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionGitStatus, payload)
}

func (r *Registry) GitDiff(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionGitDiff, payload)
}

func (r *Registry) GitStage(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionGitStage, payload)
}

func (r *Registry) GitUnstage(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionGitUnstage, payload)
}

func (r *Registry) GitCommit(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionGitCommit, payload)
}

func (r *Registry) GitDiscard(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionGitDiscard, payload)
}

func (r *Registry) DockerStatus(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionDockerStatus, payload)
}

func (r *Registry) DockerLogs(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionDockerLogs, payload)
}

func (r *Registry) DockerStart(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionDockerStart, payload)
}

func (r *Registry) DockerStop(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionDockerStop, payload)
}

func (r *Registry) DockerRestart(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionDockerRestart, payload)
}

// RequestStats polls the agent for host metrics.
func (r *Registry) RequestStats(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionStatsRequest, payload)
}

// UploadFile pushes a file into the workspace.
func (r *Registry) UploadFile(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionFileUpload, payload)
}

// PushEnv delivers environment variable updates to the workspace.
func (r *Registry) PushEnv(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionEnvPush, payload)
}

// TailscaleStatus queries the workspace's tailscale daemon.
func (r *Registry) TailscaleStatus(workspaceID string, payload json.RawMessage) bool {
	return r.Emit(workspaceID, protocol.ActionTailscaleStatus, payload)
}

// EmitCorrelated routes a correlated request action to its typed wrapper.
// The gateway dispatches every relay-tracked action through here.
func (r *Registry) EmitCorrelated(workspaceID, action string, payload json.RawMessage) bool {
	switch action {
	case protocol.ActionGitStatus:
		return r.GitStatus(workspaceID, payload)
	case protocol.ActionGitDiff:
		return r.GitDiff(workspaceID, payload)
	case protocol.ActionGitStage:
		return r.GitStage(workspaceID, payload)
	case protocol.ActionGitUnstage:
		return r.GitUnstage(workspaceID, payload)
	case protocol.ActionGitCommit:
		return r.GitCommit(workspaceID, payload)
	case protocol.ActionGitDiscard:
		return r.GitDiscard(workspaceID, payload)
	case protocol.ActionDockerStatus:
		return r.DockerStatus(workspaceID, payload)
	case protocol.ActionDockerLogs:
		return r.DockerLogs(workspaceID, payload)
	case protocol.ActionDockerStart:
		return r.DockerStart(workspaceID, payload)
	case protocol.ActionDockerStop:
		return r.DockerStop(workspaceID, payload)
	case protocol.ActionDockerRestart:
		return r.DockerRestart(workspaceID, payload)
	case protocol.ActionStatsRequest:
		return r.RequestStats(workspaceID, payload)
	case protocol.ActionFileUpload:
		return r.UploadFile(workspaceID, payload)
	case protocol.ActionEnvPush:
		return r.PushEnv(workspaceID, payload)
	case protocol.ActionTailscaleStatus:
		return r.TailscaleStatus(workspaceID, payload)
	default:
		return false
	}
}
