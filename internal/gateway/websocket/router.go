package websocket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/agent/registry"
	"github.com/devmux/devmux/internal/agent/relay"
	"github.com/devmux/devmux/internal/broadcast"
	"github.com/devmux/devmux/internal/common/config"
	"github.com/devmux/devmux/internal/common/constants"
	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/container"
	"github.com/devmux/devmux/internal/tabs"
	"github.com/devmux/devmux/internal/workspace"
	"github.com/devmux/devmux/pkg/protocol"
)

// Router dispatches browser messages to the agent registry, the pending
// operation relay and the tab stream manager.
type Router struct {
	registry    *registry.Registry
	relay       *relay.Relay
	tabs        *tabs.Manager
	store       workspace.Store
	backend     container.Backend
	startup     *workspace.StartupTracker
	broadcaster *broadcast.Broadcaster

	opTimeout    time.Duration
	statsTimeout time.Duration
	logger       *logger.Logger
}

// NewRouter creates the browser message router. backend may be nil when
// container control is unavailable; auto-start is skipped in that case.
func NewRouter(
	cfg *config.Config,
	reg *registry.Registry,
	rel *relay.Relay,
	tabMgr *tabs.Manager,
	store workspace.Store,
	backend container.Backend,
	startup *workspace.StartupTracker,
	broadcaster *broadcast.Broadcaster,
	log *logger.Logger,
) *Router {
	return &Router{
		registry:     reg,
		relay:        rel,
		tabs:         tabMgr,
		store:        store,
		backend:      backend,
		startup:      startup,
		broadcaster:  broadcaster,
		opTimeout:    cfg.Agent.OperationTimeoutDuration(),
		statsTimeout: cfg.Agent.StatsTimeoutDuration(),
		logger:       log.WithFields(zap.String("component", "ws_router")),
	}
}

// HandleMessage processes one message from a browser client.
func (r *Router) HandleMessage(ctx context.Context, c *Client, msg *protocol.Message) {
	r.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("client_id", c.ID))

	switch msg.Action {
	case protocol.ActionTabCreate:
		r.handleTabCreate(c, msg)
	case protocol.ActionTabAttach:
		r.handleTabAttach(c, msg)
	case protocol.ActionTabDetach:
		r.handleTabDetach(c, msg)
	case protocol.ActionTerminalInput:
		r.handleTerminalInput(c, msg)
	case protocol.ActionTerminalResize:
		r.handleTerminalResize(c, msg)
	case protocol.ActionTabClose:
		r.handleTabClose(c, msg)
	default:
		if isCorrelatedAction(msg.Action) {
			r.handleCorrelated(c, msg)
			return
		}
		c.sendError(msg.ID, msg.Action, protocol.ErrorCodeUnknownAction, "Unknown action: "+msg.Action, nil)
	}
}

func (r *Router) handleTabCreate(c *Client, msg *protocol.Message) {
	var req protocol.TabCreatePayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.TabID == "" {
		c.sendError(msg.ID, msg.Action, protocol.ErrorCodeValidation, "tabId is required", nil)
		return
	}

	if !r.registry.CreateTab(c.WorkspaceID, req.TabID, req.Command) {
		r.ensureContainerRunning(c.WorkspaceID)
		c.Error(req.TabID, "Agent not connected")
	}
}

func (r *Router) handleTabAttach(c *Client, msg *protocol.Message) {
	var req protocol.TabAttachPayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.TabID == "" {
		c.sendError(msg.ID, msg.Action, protocol.ErrorCodeValidation, "tabId is required", nil)
		return
	}

	// Give a stopped workspace a chance to come back before the browser
	// retries. The attach below still answers from current state.
	if !r.registry.HasAgent(c.WorkspaceID) {
		r.ensureContainerRunning(c.WorkspaceID)
	}

	if err := r.tabs.Attach(c, req.TabID); err != nil {
		c.Error(req.TabID, err.Error())
		return
	}
	c.SetCurrentTab(req.TabID)

	if msg.ID != "" {
		if resp, err := protocol.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success": true,
			"tabId":   req.TabID,
		}); err == nil {
			c.Send(resp)
		}
	}
}

func (r *Router) handleTabDetach(c *Client, msg *protocol.Message) {
	var req protocol.TabDetachPayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.TabID == "" {
		c.sendError(msg.ID, msg.Action, protocol.ErrorCodeValidation, "tabId is required", nil)
		return
	}

	r.tabs.Detach(c, req.TabID)
	c.ClearCurrentTab(req.TabID)

	if msg.ID != "" {
		if resp, err := protocol.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success": true,
			"tabId":   req.TabID,
		}); err == nil {
			c.Send(resp)
		}
	}
}

func (r *Router) handleTerminalInput(c *Client, msg *protocol.Message) {
	var req protocol.TerminalInputPayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}

	tabID := c.CurrentTab()
	if tabID == "" {
		r.logger.Debug("Dropping input with no attached tab", zap.String("client_id", c.ID))
		return
	}

	if !r.tabs.SendInput(tabID, req.Data) {
		c.Error(tabID, "Agent not connected")
	}
}

func (r *Router) handleTerminalResize(c *Client, msg *protocol.Message) {
	var req protocol.TerminalResizePayload
	if err := msg.ParsePayload(&req); err != nil {
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		return
	}

	tabID := c.CurrentTab()
	if tabID == "" {
		return
	}
	r.tabs.Resize(tabID, req.Cols, req.Rows)
}

func (r *Router) handleTabClose(c *Client, msg *protocol.Message) {
	var req protocol.TabClosePayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.TabID == "" {
		c.sendError(msg.ID, msg.Action, protocol.ErrorCodeValidation, "tabId is required", nil)
		return
	}

	if !r.registry.CloseTab(c.WorkspaceID, req.TabID) {
		c.Error(req.TabID, "Agent not connected")
	}
}

// handleCorrelated arms a relay timer, then forwards the request to the
// workspace's agent. The workspace binding comes from the connection, not the
// payload, so a client can never reach another workspace's agent.
func (r *Router) handleCorrelated(c *Client, msg *protocol.Message) {
	var req protocol.CorrelatedRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.RequestID == "" {
		c.sendError(msg.ID, msg.Action, protocol.ErrorCodeValidation, "requestId is required", nil)
		return
	}

	timeout := r.opTimeout
	if msg.Action == protocol.ActionStatsRequest {
		timeout = r.statsTimeout
	}

	r.relay.Track(req.RequestID, msg.Action, c, timeout)
	if !r.registry.EmitCorrelated(c.WorkspaceID, msg.Action, msg.Payload) {
		r.relay.Fail(req.RequestID, "Agent not connected")
	}
}

// ensureContainerRunning gives a workspace one asynchronous chance to start
// its container. The startup tracker doubles as the in-flight latch, so
// repeated attaches while a start is running do not stack starts.
func (r *Router) ensureContainerRunning(workspaceID string) {
	if r.backend == nil {
		return
	}
	if _, starting := r.startup.Get(workspaceID); starting {
		return
	}

	r.startup.Set(workspaceID, workspace.PhaseStartingContainer, "")
	if p, ok := r.startup.Get(workspaceID); ok {
		r.broadcaster.StartupProgress(p)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.ContainerStartTimeout)
		defer cancel()

		if err := r.backend.Start(ctx, workspaceID); err != nil {
			r.logger.Warn("Container auto-start failed",
				zap.String("workspace_id", workspaceID),
				zap.Error(err))
			r.startup.Clear(workspaceID)
			return
		}

		if st, err := r.backend.Status(ctx, workspaceID); err == nil {
			if err := r.store.UpdateContainerState(ctx, workspaceID, st.ContainerID, st.State, st.IP); err != nil {
				r.logger.Warn("Failed to persist container state",
					zap.String("workspace_id", workspaceID),
					zap.Error(err))
			}
			r.broadcaster.ContainerStatus(workspaceID, st.State, st.IP)
		}

		r.startup.Set(workspaceID, workspace.PhaseWaitingForAgent, "")
		if p, ok := r.startup.Get(workspaceID); ok {
			r.broadcaster.StartupProgress(p)
		}
	}()
}

func isCorrelatedAction(action string) bool {
	for _, a := range protocol.CorrelatedActions {
		if a == action {
			return true
		}
	}
	return false
}
