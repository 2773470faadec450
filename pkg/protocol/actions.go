package protocol

// Agent-originated actions (agent -> hub)
const (
	ActionAgentRegister  = "agent:register"
	ActionAgentHeartbeat = "agent:heartbeat"
	ActionAgentState     = "agent:state"
	ActionAgentError     = "agent:error"

	ActionTabOutput  = "tab:output"
	ActionTabCreated = "tab:created"
	ActionTabEnded   = "tab:ended"
	ActionTabBuffer  = "tab:buffer"
)

// Hub-originated actions (hub -> agent)
const (
	ActionAgentRegistered = "agent:registered"
	ActionAgentUpdate     = "agent:update"

	ActionTabCreate        = "tab:create"
	ActionTabInput         = "tab:input"
	ActionTabResize        = "tab:resize"
	ActionTabClose         = "tab:close"
	ActionTabBufferRequest = "tab:buffer-request"
)

// Browser client actions (browser -> hub)
const (
	ActionTabAttach      = "tab:attach"
	ActionTabDetach      = "tab:detach"
	ActionTerminalInput  = "terminal:input"
	ActionTerminalResize = "terminal:resize"
)

// Hub -> browser notifications
const (
	ActionTabError         = "tab:error"
	ActionWorkspaceUpdated = "workspace:updated"
)

// Correlated operation actions. Each request action has a matching
// ":response" action carrying {requestId, success, data?, error?}.
const (
	ActionGitStatus  = "git:status"
	ActionGitDiff    = "git:diff"
	ActionGitStage   = "git:stage"
	ActionGitUnstage = "git:unstage"
	ActionGitCommit  = "git:commit"
	ActionGitDiscard = "git:discard"

	ActionDockerStatus  = "docker:status"
	ActionDockerLogs    = "docker:logs"
	ActionDockerStart   = "docker:start"
	ActionDockerStop    = "docker:stop"
	ActionDockerRestart = "docker:restart"

	ActionStatsRequest = "stats:request"

	ActionFileUpload = "file:upload"

	ActionEnvPush = "env:push"

	ActionTailscaleStatus = "tailscale:status"
)

// ResponseAction returns the response action name for a correlated request
// action, e.g. "git:commit" -> "git:commit:response".
func ResponseAction(requestAction string) string {
	return requestAction + ":response"
}

// CorrelatedActions lists every request action routed through the pending
// operation relay. Registering agent-side response handlers iterates this.
var CorrelatedActions = []string{
	ActionGitStatus,
	ActionGitDiff,
	ActionGitStage,
	ActionGitUnstage,
	ActionGitCommit,
	ActionGitDiscard,
	ActionDockerStatus,
	ActionDockerLogs,
	ActionDockerStart,
	ActionDockerStop,
	ActionDockerRestart,
	ActionStatsRequest,
	ActionFileUpload,
	ActionEnvPush,
	ActionTailscaleStatus,
}

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
