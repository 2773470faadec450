package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/pkg/protocol"
)

const (
	writeWait = 10 * time.Second

	// pongWait bounds how long a silent hub stays trusted. Must exceed the
	// hub's ping period.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512 * 1024

	reconnectInterval = 5 * time.Second
)

// ErrUpdateRequested is returned by Run when the hub asked the agent to
// self-update. The supervisor installs the new bundle and restarts.
var ErrUpdateRequested = errors.New("agent update requested")

// ErrRegistrationRejected is returned by Run when the hub refused the
// register handshake. Retrying cannot help; the token or workspace ID in the
// agent config is wrong.
var ErrRegistrationRejected = errors.New("registration rejected by hub")

// Agent is the workspace sidecar: one WebSocket to the hub, the workspace's
// terminal tabs, and the local operation runners behind correlated requests.
type Agent struct {
	cfg        *Config
	logger     *logger.Logger
	tabs       *TabManager
	metrics    *MetricsCollector
	git        *GitRunner
	docker     *DockerRunner
	dispatcher *protocol.Dispatcher

	// writeMu guards conn and serializes writes to it. A nil conn means
	// the agent is between connections; messages sent then are dropped and
	// the hub catches up via the recovery-mode state report.
	writeMu sync.Mutex
	conn    *websocket.Conn

	envMu      sync.Mutex
	envOverlay map[string]string
}

// New creates an agent from its config. Call Run to connect.
func New(cfg *Config, log *logger.Logger) *Agent {
	a := &Agent{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "agent")),
		metrics:    NewMetricsCollector(cfg.WorkDir),
		git:        NewGitRunner(cfg.WorkDir, log),
		docker:     NewDockerRunner(log),
		dispatcher: protocol.NewDispatcher(),
		envOverlay: make(map[string]string),
	}
	a.tabs = NewTabManager(cfg.WorkDir, cfg.Shell, a.tabEnv, TabCallbacks{
		Output: a.onTabOutput,
		Ended:  a.onTabEnded,
	}, log)
	a.registerHandlers()
	return a
}

// Run connects to the hub and serves messages until the context is
// cancelled, the hub requests an update, or registration is rejected.
// Connection losses reconnect automatically.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUpdateRequested) || errors.Is(err, ErrRegistrationRejected) {
			return err
		}
		if err != nil {
			a.logger.Warn("hub connection lost", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectInterval):
		}
	}
}

// Shutdown closes every tab. Call after Run returns.
func (a *Agent) Shutdown() {
	a.tabs.StopAll()
}

// runOnce runs a single connection: dial, register, then serve until the
// connection drops.
func (a *Agent) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.HubURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to hub: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	a.writeMu.Lock()
	a.conn = conn
	a.writeMu.Unlock()
	defer func() {
		a.writeMu.Lock()
		a.conn = nil
		a.writeMu.Unlock()
	}()

	reg, err := a.register(conn)
	if err != nil {
		return err
	}
	if !reg.Success {
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, reg.Error)
	}
	a.logger.Info("registered with hub",
		zap.String("workspace_id", a.cfg.WorkspaceID),
		zap.Bool("recovery_mode", reg.RecoveryMode),
		zap.Bool("needs_update", reg.NeedsUpdate))

	// A restarted hub lost its tab cache; replace it before anything else.
	if reg.RecoveryMode {
		a.sendState()
	}

	stop := make(chan struct{})
	defer close(stop)
	go a.heartbeatLoop(ctx, stop)
	go a.pingLoop(conn, stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	return a.readLoop(ctx, conn)
}

// register performs the register-first handshake. The hub's reply is the
// first message on the wire after our request.
func (a *Agent) register(conn *websocket.Conn) (*protocol.RegisteredPayload, error) {
	msg, err := protocol.NewRequest(uuid.New().String(), protocol.ActionAgentRegister, protocol.RegisterPayload{
		WorkspaceID: a.cfg.WorkspaceID,
		Token:       a.cfg.Token,
		Version:     Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build register request: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("failed to send register request: %w", err)
	}

	var reply protocol.Message
	if err := conn.ReadJSON(&reply); err != nil {
		return nil, fmt.Errorf("failed to read register reply: %w", err)
	}
	if reply.Action != protocol.ActionAgentRegistered {
		return nil, fmt.Errorf("unexpected reply to register: %s", reply.Action)
	}
	var payload protocol.RegisteredPayload
	if err := reply.ParsePayload(&payload); err != nil {
		return nil, fmt.Errorf("failed to parse register reply: %w", err)
	}
	return &payload, nil
}

func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("hub read error: %w", err)
			}
			return fmt.Errorf("hub closed connection: %w", err)
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.logger.Warn("failed to parse hub message", zap.Error(err))
			continue
		}
		if err := a.handleMessage(ctx, &msg); err != nil {
			return err
		}
	}
}

// handleMessage routes one hub message. agent:update ends the connection
// loop; everything else goes through the dispatcher.
func (a *Agent) handleMessage(ctx context.Context, msg *protocol.Message) error {
	if msg.Action == protocol.ActionAgentUpdate {
		var update protocol.UpdatePayload
		if err := msg.ParsePayload(&update); err != nil {
			a.logger.Warn("invalid update payload", zap.Error(err))
			return nil
		}
		a.logger.Info("hub requested agent update",
			zap.String("target_version", update.Version),
			zap.String("bundle_url", update.BundleURL))
		return ErrUpdateRequested
	}

	if !a.dispatcher.HasHandler(msg.Action) {
		a.logger.Warn("unknown hub action", zap.String("action", msg.Action))
		a.notify(protocol.ActionAgentError, protocol.AgentErrorPayload{
			Code:    protocol.ErrorCodeUnknownAction,
			Message: "Unknown action: " + msg.Action,
		})
		return nil
	}

	resp, err := a.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		a.logger.Error("handler failed",
			zap.String("action", msg.Action),
			zap.Error(err))
		return nil
	}
	if resp != nil {
		a.send(resp)
	}
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	a.sendHeartbeat()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	a.notify(protocol.ActionAgentHeartbeat, protocol.HeartbeatPayload{
		WorkspaceID: a.cfg.WorkspaceID,
		Tabs:        a.tabs.Snapshot(),
		Metrics:     a.metrics.Collect(),
	})
}

func (a *Agent) sendState() {
	a.notify(protocol.ActionAgentState, protocol.StatePayload{
		Tabs: a.tabs.Snapshot(),
	})
}

func (a *Agent) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// send writes one message to the hub. Best-effort: with no live connection
// the message is dropped.
func (a *Agent) send(msg *protocol.Message) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := a.conn.WriteJSON(msg); err != nil {
		a.logger.Warn("write to hub failed",
			zap.String("action", msg.Action),
			zap.Error(err))
	}
}

func (a *Agent) notify(action string, payload interface{}) {
	msg, err := protocol.NewNotification(action, payload)
	if err != nil {
		a.logger.Error("failed to encode message",
			zap.String("action", action),
			zap.Error(err))
		return
	}
	a.send(msg)
}

// respondSuccess sends a correlated operation reply carrying data.
func (a *Agent) respondSuccess(action, requestID string, data interface{}) {
	resp := protocol.OperationResponse{RequestID: requestID, Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			a.respondError(action, requestID, fmt.Errorf("failed to encode response: %w", err))
			return
		}
		resp.Data = raw
	}
	a.notify(protocol.ResponseAction(action), resp)
}

// respondError sends a correlated operation failure. The shape matches a
// success reply with Success false.
func (a *Agent) respondError(action, requestID string, opErr error) {
	a.notify(protocol.ResponseAction(action), protocol.OperationResponse{
		RequestID: requestID,
		Success:   false,
		Error:     opErr.Error(),
	})
}

func (a *Agent) onTabOutput(tabID, data string) {
	a.notify(protocol.ActionTabOutput, protocol.TabOutputPayload{TabID: tabID, Data: data})
}

func (a *Agent) onTabEnded(tabID string, exitCode int) {
	a.notify(protocol.ActionTabEnded, protocol.TabEndedPayload{TabID: tabID, ExitCode: exitCode})
}

// applyEnv merges pushed variables into the overlay used for new tab
// processes. Running tabs keep their environment.
func (a *Agent) applyEnv(env map[string]string) int {
	a.envMu.Lock()
	defer a.envMu.Unlock()
	for k, v := range env {
		a.envOverlay[k] = v
	}
	return len(a.envOverlay)
}

// tabEnv snapshots the environment for a new tab process: the agent's own
// environment plus the pushed overlay, overlay keys sorted for stable order.
func (a *Agent) tabEnv() []string {
	env := baseTabEnv(a.cfg.WorkDir)

	a.envMu.Lock()
	defer a.envMu.Unlock()
	keys := make([]string, 0, len(a.envOverlay))
	for k := range a.envOverlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+a.envOverlay[k])
	}
	return env
}
