package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/agent/registry"
	"github.com/devmux/devmux/internal/agent/relay"
	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/tabs"
	"github.com/devmux/devmux/pkg/protocol"
)

// agentConn is the registry transport for one agent WebSocket. Writes are
// serialized through a buffered channel so the registry, the relay and the
// router can all send without coordinating.
type agentConn struct {
	conn   *gorillaws.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *logger.Logger
}

func newAgentConn(conn *gorillaws.Conn, log *logger.Logger) *agentConn {
	return &agentConn{
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: log,
	}
}

// Send queues a message for the agent. False means the link is gone or backed
// up; callers treat either as a disconnected agent.
func (a *agentConn) Send(msg *protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error("Failed to marshal agent message", zap.Error(err))
		return false
	}
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.send <- data:
		return true
	default:
		a.logger.Warn("Agent send buffer full")
		return false
	}
}

// Close shuts the connection down. The write pump drains queued messages
// first, so a failure reply sent just before Close still reaches the agent.
func (a *agentConn) Close() {
	a.once.Do(func() { close(a.done) })
}

func (a *agentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		a.conn.Close()
	}()

	for {
		select {
		case data := <-a.send:
			a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}

		case <-a.done:
			for {
				select {
				case data := <-a.send:
					a.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if a.conn.WriteMessage(gorillaws.TextMessage, data) != nil {
						return
					}
				default:
					a.conn.SetWriteDeadline(time.Now().Add(writeWait))
					a.conn.WriteMessage(gorillaws.CloseMessage, []byte{})
					return
				}
			}

		case <-ticker.C:
			a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// AgentHandler terminates agent WebSockets on /ws/agent.
type AgentHandler struct {
	registry *registry.Registry
	relay    *relay.Relay
	tabs     *tabs.Manager
	hub      *Hub
	logger   *logger.Logger
}

// NewAgentHandler creates the agent WebSocket handler.
func NewAgentHandler(reg *registry.Registry, rel *relay.Relay, tabMgr *tabs.Manager, hub *Hub, log *logger.Logger) *AgentHandler {
	return &AgentHandler{
		registry: reg,
		relay:    rel,
		tabs:     tabMgr,
		hub:      hub,
		logger:   log.WithFields(zap.String("component", "ws_agent_handler")),
	}
}

// HandleConnection upgrades an agent connection and runs its message loop.
// The first message must be agent:register; anything else closes the socket.
func (h *AgentHandler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade agent connection", zap.Error(err))
		return
	}

	ac := newAgentConn(conn, h.logger)
	go ac.writePump()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	workspaceID, ok := h.registerAgent(c.Request.Context(), conn, ac)
	if !ok {
		ac.Close()
		return
	}

	defer func() {
		// Eviction by a newer connection already unbound this transport; in
		// that case Unregister reports false and the streams stay up.
		if wsID, removed := h.registry.Unregister(context.Background(), ac); removed {
			h.tabs.DropWorkspace(wsID)
		}
		ac.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseAbnormalClosure) {
				h.logger.Warn("Agent read error",
					zap.String("workspace_id", workspaceID),
					zap.Error(err))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warn("Failed to parse agent message",
				zap.String("workspace_id", workspaceID),
				zap.Error(err))
			continue
		}
		h.handleAgentMessage(c.Request.Context(), workspaceID, &msg)
	}
}

// registerAgent enforces the register-first handshake and returns the bound
// workspace ID on success.
func (h *AgentHandler) registerAgent(ctx context.Context, conn *gorillaws.Conn, ac *agentConn) (string, bool) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}

	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Action != protocol.ActionAgentRegister {
		h.logger.Warn("Agent connection did not register first",
			zap.String("remote_addr", conn.RemoteAddr().String()))
		h.sendRegistered(ac, &protocol.RegisteredPayload{Success: false, Error: "Registration required"})
		return "", false
	}

	var reg protocol.RegisterPayload
	if err := msg.ParsePayload(&reg); err != nil {
		h.sendRegistered(ac, &protocol.RegisteredPayload{Success: false, Error: "Invalid register payload"})
		return "", false
	}

	result := h.registry.Register(ctx, ac, reg.WorkspaceID, reg.Token, reg.Version)
	h.sendRegistered(ac, result)
	if !result.Success {
		return "", false
	}

	h.logger.Info("Agent connected",
		zap.String("workspace_id", reg.WorkspaceID),
		zap.String("version", reg.Version),
		zap.Bool("recovery_mode", result.RecoveryMode))
	return reg.WorkspaceID, true
}

func (h *AgentHandler) sendRegistered(ac *agentConn, payload *protocol.RegisteredPayload) {
	msg, err := protocol.NewNotification(protocol.ActionAgentRegistered, payload)
	if err != nil {
		h.logger.Error("Failed to build registered reply", zap.Error(err))
		return
	}
	ac.Send(msg)
}

func (h *AgentHandler) handleAgentMessage(ctx context.Context, workspaceID string, msg *protocol.Message) {
	switch msg.Action {
	case protocol.ActionAgentRegister:
		h.logger.Warn("Duplicate register on live agent connection",
			zap.String("workspace_id", workspaceID))

	case protocol.ActionAgentHeartbeat:
		var hb protocol.HeartbeatPayload
		if err := msg.ParsePayload(&hb); err != nil {
			h.warnPayload(workspaceID, msg.Action, err)
			return
		}
		h.registry.Heartbeat(ctx, workspaceID, hb.Tabs, hb.Metrics)

	case protocol.ActionAgentState:
		var st protocol.StatePayload
		if err := msg.ParsePayload(&st); err != nil {
			h.warnPayload(workspaceID, msg.Action, err)
			return
		}
		h.registry.ApplyState(workspaceID, st.Tabs)

	case protocol.ActionTabCreated:
		var p protocol.TabCreatedPayload
		if err := msg.ParsePayload(&p); err != nil {
			h.warnPayload(workspaceID, msg.Action, err)
			return
		}
		h.registry.AddTab(workspaceID, protocol.TabInfo{
			TabID:      p.TabID,
			TmuxWindow: p.TmuxWindow,
			Status:     protocol.TabStatusRunning,
		})
		h.tabs.NotifyTabCreated(workspaceID, p.TabID)
		h.hub.BroadcastToWorkspace(workspaceID, msg)

	case protocol.ActionTabEnded:
		var p protocol.TabEndedPayload
		if err := msg.ParsePayload(&p); err != nil {
			h.warnPayload(workspaceID, msg.Action, err)
			return
		}
		h.registry.RemoveTab(workspaceID, p.TabID)
		h.tabs.NotifyTabEnded(p.TabID, p.ExitCode)
		h.hub.BroadcastToWorkspace(workspaceID, msg)

	case protocol.ActionTabOutput:
		var p protocol.TabOutputPayload
		if err := msg.ParsePayload(&p); err != nil {
			h.warnPayload(workspaceID, msg.Action, err)
			return
		}
		h.tabs.BroadcastOutput(p.TabID, p.Data)

	case protocol.ActionTabBuffer:
		var p protocol.TabBufferPayload
		if err := msg.ParsePayload(&p); err != nil {
			h.warnPayload(workspaceID, msg.Action, err)
			return
		}
		h.tabs.SeedBuffer(p.TabID, p.Lines)

	case protocol.ActionAgentError:
		var p protocol.AgentErrorPayload
		if err := msg.ParsePayload(&p); err != nil {
			h.warnPayload(workspaceID, msg.Action, err)
			return
		}
		h.logger.Warn("Agent reported error",
			zap.String("workspace_id", workspaceID),
			zap.String("code", p.Code),
			zap.String("tab_id", p.TabID),
			zap.String("message", p.Message))
		if p.TabID != "" {
			h.tabs.NotifyError(p.TabID, p.Message)
		} else {
			h.hub.BroadcastToWorkspace(workspaceID, msg)
		}

	default:
		if strings.HasSuffix(msg.Action, ":response") {
			h.resolveResponse(workspaceID, msg)
			return
		}
		h.logger.Warn("Unknown agent action",
			zap.String("workspace_id", workspaceID),
			zap.String("action", msg.Action))
	}
}

func (h *AgentHandler) resolveResponse(workspaceID string, msg *protocol.Message) {
	var resp protocol.OperationResponse
	if err := msg.ParsePayload(&resp); err != nil {
		h.warnPayload(workspaceID, msg.Action, err)
		return
	}
	if !h.relay.Resolve(resp.RequestID, msg) {
		// Timer already answered or the browser went away.
		h.logger.Debug("Dropping unmatched operation response",
			zap.String("workspace_id", workspaceID),
			zap.String("action", msg.Action),
			zap.String("request_id", resp.RequestID))
	}
}

func (h *AgentHandler) warnPayload(workspaceID, action string, err error) {
	h.logger.Warn("Invalid agent payload",
		zap.String("workspace_id", workspaceID),
		zap.String("action", action),
		zap.Error(err))
}
