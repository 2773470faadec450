// Package registry tracks the live agent connection for each workspace and
// is the single place commands to agents are emitted from.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/appctx"
	"github.com/devmux/devmux/internal/common/constants"
	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/workspace"
	"github.com/devmux/devmux/pkg/protocol"
)

// Transport is an agent's connection as seen by the registry. Send reports
// false when the connection can no longer accept messages; Close forcibly
// disconnects it.
type Transport interface {
	Send(msg *protocol.Message) bool
	Close()
}

// Broadcaster pushes workspace state deltas toward connected browsers. The
// registry only ever reports agent status, update progress, and startup
// readiness.
type Broadcaster interface {
	AgentStatus(workspaceID, status string)
	AgentUpdating(workspaceID string, updating bool)
	StartupProgress(progress *workspace.StartupProgress)
}

// Connection is the registry's record of one live agent.
type Connection struct {
	WorkspaceID string
	Transport   Transport
	ContainerID string
	Version     string
	ConnectedAt time.Time

	mu            sync.RWMutex
	lastHeartbeat time.Time
	tabs          map[string]protocol.TabInfo
	metrics       *protocol.HeartbeatMetrics
}

// ConnectionInfo is a read-only snapshot of a Connection.
type ConnectionInfo struct {
	WorkspaceID   string                     `json:"workspaceId"`
	Version       string                     `json:"version"`
	ConnectedAt   time.Time                  `json:"connectedAt"`
	LastHeartbeat time.Time                  `json:"lastHeartbeat"`
	Tabs          []protocol.TabInfo         `json:"tabs"`
	Metrics       *protocol.HeartbeatMetrics `json:"metrics,omitempty"`
}

// Registry enforces the at-most-one-connection-per-workspace invariant and
// mirrors connection state to the workspace store.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	updating map[string]bool

	store           workspace.Store
	broadcaster     Broadcaster
	startup         *workspace.StartupTracker
	expectedVersion string
	logger          *logger.Logger
	stopCh          chan struct{}
	stopOnce        sync.Once

	failures *failureLimiter
}

// New creates a connection registry. expectedVersion may be empty, which
// disables agent update checks.
func New(store workspace.Store, broadcaster Broadcaster, startup *workspace.StartupTracker, expectedVersion string, log *logger.Logger) *Registry {
	return &Registry{
		conns:           make(map[string]*Connection),
		updating:        make(map[string]bool),
		store:           store,
		broadcaster:     broadcaster,
		startup:         startup,
		expectedVersion: expectedVersion,
		logger:          log.WithFields(zap.String("component", "registry")),
		stopCh:          make(chan struct{}),
		failures:        newFailureLimiter(time.Minute),
	}
}

// Shutdown cancels outstanding detached storage writes.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Register validates and installs an agent connection. Failures are encoded
// in the returned payload, never raised: the caller reports the payload to
// the agent and force-closes the transport when Success is false.
func (r *Registry) Register(ctx context.Context, transport Transport, workspaceID, token, version string) *protocol.RegisteredPayload {
	ws, err := r.store.Get(ctx, workspaceID)
	if err != nil {
		r.failRegistration(workspaceID, "unknown workspace", err)
		return &protocol.RegisteredPayload{Success: false, Error: "Unknown workspace"}
	}
	if ws.AgentToken == "" || token != ws.AgentToken {
		r.failRegistration(workspaceID, "invalid token", nil)
		return &protocol.RegisteredPayload{Success: false, Error: "Invalid agent token"}
	}

	now := time.Now().UTC()
	conn := &Connection{
		WorkspaceID: workspaceID,
		Transport:   transport,
		ContainerID: ws.ContainerID,
		Version:     version,
		ConnectedAt: now,

		lastHeartbeat: now,
		tabs:          make(map[string]protocol.TabInfo),
	}

	r.mu.Lock()
	prev := r.conns[workspaceID]
	// Recovery mode: the persisted mirror says an agent was connected but
	// this process holds no live connection, so the hub restarted under a
	// surviving agent. The agent must push a full state report.
	recovery := prev == nil && ws.AgentConnectedAt != nil
	r.conns[workspaceID] = conn

	update := needsUpdate(version, r.expectedVersion)
	updateCleared := false
	if r.updating[workspaceID] && !update {
		delete(r.updating, workspaceID)
		updateCleared = true
	}
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("Evicting prior agent connection",
			zap.String("workspace_id", workspaceID),
			zap.String("prior_version", prev.Version))
		prev.Transport.Close()
	}

	r.mirrorConnection(ctx, workspaceID, &now, version)

	r.logger.Info("Agent registered",
		zap.String("workspace_id", workspaceID),
		zap.String("version", version),
		zap.Bool("needs_update", update),
		zap.Bool("recovery_mode", recovery))

	if updateCleared {
		r.broadcaster.AgentUpdating(workspaceID, false)
	}
	if progress, ok := r.startup.Get(workspaceID); ok && !progress.Ready {
		r.startup.MarkReady(workspaceID)
		progress.Ready = true
		r.broadcaster.StartupProgress(progress)
	}
	r.broadcaster.AgentStatus(workspaceID, "connected")

	return &protocol.RegisteredPayload{
		Success:      true,
		RecoveryMode: recovery,
		NeedsUpdate:  update,
	}
}

// Unregister removes the connection owned by transport. A transport that was
// already replaced by a newer registration is stale and ignored, so the
// replacement's state survives the old socket's close event. Returns the
// workspace id when a live connection was actually removed.
func (r *Registry) Unregister(ctx context.Context, transport Transport) (string, bool) {
	r.mu.Lock()
	var workspaceID string
	for id, conn := range r.conns {
		if conn.Transport == transport {
			workspaceID = id
			delete(r.conns, id)
			break
		}
	}
	r.mu.Unlock()

	if workspaceID == "" {
		return "", false
	}

	// Clear the connected timestamp; the last heartbeat stays for operators.
	r.mirrorConnection(ctx, workspaceID, nil, "")

	r.logger.Info("Agent unregistered", zap.String("workspace_id", workspaceID))
	r.broadcaster.AgentStatus(workspaceID, "disconnected")
	return workspaceID, true
}

// Heartbeat refreshes liveness and merges reported tab statuses into the
// cached tab map. Only tabs the registry already knows are touched: a
// heartbeat is a status refresh, not tab discovery. Returns false when no
// agent is connected for the workspace.
func (r *Registry) Heartbeat(ctx context.Context, workspaceID string, tabs []protocol.TabInfo, metrics *protocol.HeartbeatMetrics) bool {
	conn := r.connection(workspaceID)
	if conn == nil {
		return false
	}

	now := time.Now().UTC()
	conn.mu.Lock()
	conn.lastHeartbeat = now
	for _, tab := range tabs {
		if _, known := conn.tabs[tab.TabID]; known {
			conn.tabs[tab.TabID] = tab
		}
	}
	if metrics != nil {
		conn.metrics = metrics
	}
	conn.mu.Unlock()

	r.mirrorHeartbeat(ctx, workspaceID, now)
	return true
}

// ApplyState replaces the cached tab map wholesale with the agent's full
// report. Sent after the agent reconnects to a restarted hub.
func (r *Registry) ApplyState(workspaceID string, tabs []protocol.TabInfo) bool {
	conn := r.connection(workspaceID)
	if conn == nil {
		return false
	}

	fresh := make(map[string]protocol.TabInfo, len(tabs))
	for _, tab := range tabs {
		fresh[tab.TabID] = tab
	}
	conn.mu.Lock()
	conn.tabs = fresh
	conn.mu.Unlock()

	r.logger.Info("Applied agent state report",
		zap.String("workspace_id", workspaceID),
		zap.Int("tabs", len(tabs)))
	return true
}

// AddTab records a newly created tab in the cached tab map.
func (r *Registry) AddTab(workspaceID string, tab protocol.TabInfo) {
	conn := r.connection(workspaceID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	conn.tabs[tab.TabID] = tab
	conn.mu.Unlock()
}

// RemoveTab drops a tab from the cached tab map after it ended.
func (r *Registry) RemoveTab(workspaceID, tabID string) {
	conn := r.connection(workspaceID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	delete(conn.tabs, tabID)
	conn.mu.Unlock()
}

// Emit sends a notification to the workspace's agent. Returns false, never
// an error, when no live connection exists or the send fails: callers treat
// that as "agent unavailable" and surface it immediately instead of waiting.
func (r *Registry) Emit(workspaceID, action string, payload interface{}) bool {
	conn := r.connection(workspaceID)
	if conn == nil {
		return false
	}
	msg, err := protocol.NewNotification(action, payload)
	if err != nil {
		r.logger.Error("Failed to encode agent command",
			zap.String("workspace_id", workspaceID),
			zap.String("action", action),
			zap.Error(err))
		return false
	}
	return conn.Transport.Send(msg)
}

// RequestUpdate tells the agent to self-update. On successful emission the
// workspace enters the updating set until a registration arrives with a
// satisfactory version.
func (r *Registry) RequestUpdate(workspaceID, bundleURL string) bool {
	ok := r.Emit(workspaceID, protocol.ActionAgentUpdate, protocol.UpdatePayload{
		Version:   r.expectedVersion,
		BundleURL: bundleURL,
	})
	if !ok {
		return false
	}

	r.mu.Lock()
	r.updating[workspaceID] = true
	r.mu.Unlock()

	r.logger.Info("Agent update requested",
		zap.String("workspace_id", workspaceID),
		zap.String("target_version", r.expectedVersion))
	r.broadcaster.AgentUpdating(workspaceID, true)
	return true
}

// IsUpdating reports whether the workspace's agent is mid self-update.
func (r *Registry) IsUpdating(workspaceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updating[workspaceID]
}

// HasAgent reports whether a live connection exists for the workspace.
func (r *Registry) HasAgent(workspaceID string) bool {
	return r.connection(workspaceID) != nil
}

// ConnectionInfo returns a snapshot of the workspace's connection, or nil.
func (r *Registry) ConnectionInfo(workspaceID string) *ConnectionInfo {
	conn := r.connection(workspaceID)
	if conn == nil {
		return nil
	}

	conn.mu.RLock()
	defer conn.mu.RUnlock()
	info := &ConnectionInfo{
		WorkspaceID:   conn.WorkspaceID,
		Version:       conn.Version,
		ConnectedAt:   conn.ConnectedAt,
		LastHeartbeat: conn.lastHeartbeat,
		Tabs:          make([]protocol.TabInfo, 0, len(conn.tabs)),
		Metrics:       conn.metrics,
	}
	for _, tab := range conn.tabs {
		info.Tabs = append(info.Tabs, tab)
	}
	return info
}

// TabWorkspace resolves which connected workspace owns a tab id.
func (r *Registry) TabWorkspace(tabID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, conn := range r.conns {
		conn.mu.RLock()
		_, ok := conn.tabs[tabID]
		conn.mu.RUnlock()
		if ok {
			return id, true
		}
	}
	return "", false
}

func (r *Registry) connection(workspaceID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[workspaceID]
}

// mirrorConnection writes the connection mirror on a context detached from
// the socket's lifetime, so a closing connection cannot cancel the write.
func (r *Registry) mirrorConnection(ctx context.Context, workspaceID string, connectedAt *time.Time, version string) {
	dctx, cancel := appctx.Detached(ctx, r.stopCh, constants.StorageWriteTimeout)
	defer cancel()
	if err := r.store.UpdateAgentConnection(dctx, workspaceID, connectedAt, version); err != nil {
		r.logger.Error("Failed to mirror agent connection",
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
	}
}

func (r *Registry) mirrorHeartbeat(ctx context.Context, workspaceID string, at time.Time) {
	dctx, cancel := appctx.Detached(ctx, r.stopCh, constants.StorageWriteTimeout)
	defer cancel()
	if err := r.store.UpdateAgentHeartbeat(dctx, workspaceID, at); err != nil {
		r.logger.Error("Failed to mirror agent heartbeat",
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
	}
}

func (r *Registry) failRegistration(workspaceID, reason string, err error) {
	if suppressed := r.failures.shouldLog(workspaceID); suppressed >= 0 {
		fields := []zap.Field{
			zap.String("workspace_id", workspaceID),
			zap.String("reason", reason),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		if suppressed > 0 {
			fields = append(fields, zap.Int("suppressed", suppressed))
		}
		r.logger.Warn("Agent registration rejected", fields...)
	}
}

// failureLimiter rate-limits registration failure logging per workspace, so
// a misconfigured agent retry loop cannot flood the log.
type failureLimiter struct {
	mu         sync.Mutex
	window     time.Duration
	lastLogged map[string]time.Time
	suppressed map[string]int
}

func newFailureLimiter(window time.Duration) *failureLimiter {
	return &failureLimiter{
		window:     window,
		lastLogged: make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// shouldLog returns the number of suppressed occurrences to report (0 on the
// first failure in a window), or -1 when this occurrence should be dropped.
func (f *failureLimiter) shouldLog(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	if last, ok := f.lastLogged[key]; ok && now.Sub(last) < f.window {
		f.suppressed[key]++
		return -1
	}
	count := f.suppressed[key]
	f.lastLogged[key] = now
	f.suppressed[key] = 0
	return count
}
