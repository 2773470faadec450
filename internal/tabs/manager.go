// Package tabs multiplexes browser sessions onto per-tab terminal output
// streams. Each stream buffers a bounded ring of recent output so a session
// that attaches late, or re-attaches after a disconnect, catches up
// immediately; the agent-side process is never touched by browser churn.
package tabs

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/constants"
	"github.com/devmux/devmux/internal/common/logger"
)

// Session is one browser-side view of a tab's byte stream. Implementations
// pick the wire encoding: the multiplexed envelope path or the legacy raw
// binary path. Output reports false when the session can no longer accept
// data, which drops it from the stream.
type Session interface {
	Output(tabID, data string) bool
	Ended(tabID string, exitCode int)
	Error(tabID, message string)
}

// AgentRouter is the slice of the connection registry the manager needs:
// resolving tab ids to their workspace and emitting tab-scoped agent
// commands.
type AgentRouter interface {
	TabWorkspace(tabID string) (string, bool)
	SendInput(workspaceID, tabID, data string) bool
	ResizeTab(workspaceID, tabID string, cols, rows uint16) bool
	RequestBuffer(workspaceID, tabID string, lines int) bool
}

// Manager owns the per-tab streams. Streams outlive browser attachments and
// are destroyed only when the tab's process ends or its agent disconnects.
type Manager struct {
	mu      sync.RWMutex
	streams map[string]*stream

	agents        AgentRouter
	logger        *logger.Logger
	bufferChunks  int
	backfillLines int
}

// NewManager creates an empty stream manager routing through agents.
func NewManager(agents AgentRouter, log *logger.Logger) *Manager {
	return &Manager{
		streams:       make(map[string]*stream),
		agents:        agents,
		logger:        log.WithFields(zap.String("component", "tabs")),
		bufferChunks:  constants.TabBufferChunks,
		backfillLines: constants.TabBackfillLines,
	}
}

// Attach registers a session on a tab's stream and replays the buffered
// output ring to that session alone. Re-attaching is idempotent and replays
// again; replay does not consume the ring. The first attach to a tab with no
// hub-local stream additionally asks the agent to backfill scrollback, since
// the ring only covers output seen since the stream was created.
func (m *Manager) Attach(session Session, tabID string) error {
	workspaceID, ok := m.agents.TabWorkspace(tabID)
	if !ok {
		return fmt.Errorf("tab does not exist: %s", tabID)
	}

	m.mu.Lock()
	st, existed := m.streams[tabID]
	if !existed {
		st = newStream(workspaceID, m.bufferChunks)
		m.streams[tabID] = st
	}
	m.mu.Unlock()

	st.attach(session, tabID)

	if !existed {
		m.agents.RequestBuffer(workspaceID, tabID, m.backfillLines)
	}
	m.logger.Debug("Session attached",
		zap.String("tab_id", tabID),
		zap.Bool("new_stream", !existed))
	return nil
}

// Detach removes a session from one tab. The agent-side process keeps
// running and its output keeps accumulating in the ring.
func (m *Manager) Detach(session Session, tabID string) {
	m.mu.RLock()
	st := m.streams[tabID]
	m.mu.RUnlock()
	if st != nil {
		st.detach(session)
	}
}

// DetachFromAll removes a disconnecting session from every stream.
func (m *Manager) DetachFromAll(session Session) {
	m.mu.RLock()
	streams := make([]*stream, 0, len(m.streams))
	for _, st := range m.streams {
		streams = append(streams, st)
	}
	m.mu.RUnlock()
	for _, st := range streams {
		st.detach(session)
	}
}

// SendInput routes keystrokes to the agent owning the tab. Returns false
// when the tab is unknown or its agent is not connected; the caller decides
// whether a fallback path applies.
func (m *Manager) SendInput(tabID, data string) bool {
	workspaceID, ok := m.agents.TabWorkspace(tabID)
	if !ok {
		return false
	}
	return m.agents.SendInput(workspaceID, tabID, data)
}

// Resize forwards a terminal geometry change to the agent. Fire-and-forget:
// a resize has no meaningful response.
func (m *Manager) Resize(tabID string, cols, rows uint16) {
	if workspaceID, ok := m.agents.TabWorkspace(tabID); ok {
		m.agents.ResizeTab(workspaceID, tabID, cols, rows)
	}
}

// BroadcastOutput appends one chunk of agent output to the tab's ring and
// fans it out to every attached session. The stream is created lazily so
// output accumulates even while nothing is attached.
func (m *Manager) BroadcastOutput(tabID, data string) {
	m.mu.Lock()
	st, ok := m.streams[tabID]
	if !ok {
		workspaceID, _ := m.agents.TabWorkspace(tabID)
		st = newStream(workspaceID, m.bufferChunks)
		m.streams[tabID] = st
	}
	m.mu.Unlock()

	st.broadcast(tabID, data)
}

// NotifyTabCreated eagerly creates the tab's stream so output is buffered
// from the first chunk. A brand-new tab has no scrollback, so the later
// first attach must not ask the agent for backfill.
func (m *Manager) NotifyTabCreated(workspaceID, tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[tabID]; !ok {
		m.streams[tabID] = newStream(workspaceID, m.bufferChunks)
	}
}

// NotifyTabEnded tells attached sessions the tab's process exited and
// discards the stream. Ended is terminal: a later attach is refused because
// the registry no longer knows the tab.
func (m *Manager) NotifyTabEnded(tabID string, exitCode int) {
	m.mu.Lock()
	st := m.streams[tabID]
	delete(m.streams, tabID)
	m.mu.Unlock()
	if st == nil {
		return
	}
	st.ended(tabID, exitCode)
	m.logger.Debug("Tab stream ended",
		zap.String("tab_id", tabID),
		zap.Int("exit_code", exitCode))
}

// NotifyError surfaces a tab-scoped agent error to attached sessions.
func (m *Manager) NotifyError(tabID, message string) {
	m.mu.RLock()
	st := m.streams[tabID]
	m.mu.RUnlock()
	if st != nil {
		st.fail(tabID, message)
	}
}

// SeedBuffer installs agent-provided scrollback as a stream's initial
// history and forwards it to attached sessions. The reply races live output:
// once real chunks have been buffered the scrollback can no longer be
// ordered ahead of them and is dropped.
func (m *Manager) SeedBuffer(tabID string, lines []string) {
	if len(lines) == 0 {
		return
	}
	m.mu.RLock()
	st := m.streams[tabID]
	m.mu.RUnlock()
	if st != nil {
		st.seed(tabID, strings.Join(lines, "\r\n")+"\r\n")
	}
}

// DropWorkspace discards every stream owned by a workspace after its agent
// disconnected. Attached sessions get a tab-scoped error rather than a
// silent hang. The terminal scrollback survives agent-side and is requested
// again on the next first attach.
func (m *Manager) DropWorkspace(workspaceID string) {
	m.mu.Lock()
	dropped := make(map[string]*stream)
	for tabID, st := range m.streams {
		if st.workspaceID == workspaceID {
			dropped[tabID] = st
			delete(m.streams, tabID)
		}
	}
	m.mu.Unlock()

	for tabID, st := range dropped {
		st.fail(tabID, "Agent disconnected")
	}
	if len(dropped) > 0 {
		m.logger.Info("Dropped tab streams for disconnected agent",
			zap.String("workspace_id", workspaceID),
			zap.Int("streams", len(dropped)))
	}
}

// stream is the fan-out state for one tab id. Its lock serializes attach
// replay against broadcast so a session never sees output out of order.
type stream struct {
	workspaceID string

	mu       sync.Mutex
	buffer   *ring
	sessions map[Session]bool
}

func newStream(workspaceID string, bufferChunks int) *stream {
	return &stream{
		workspaceID: workspaceID,
		buffer:      newRing(bufferChunks),
		sessions:    make(map[Session]bool),
	}
}

// attach replays the ring to the session and then registers it, all under
// the stream lock: broadcasts before the lock are in the ring, broadcasts
// after it see the registered session.
func (s *stream) attach(sess Session, tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chunk := range s.buffer.snapshot() {
		sess.Output(tabID, chunk)
	}
	s.sessions[sess] = true
}

func (s *stream) detach(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

func (s *stream) broadcast(tabID, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer.append(data)
	for sess := range s.sessions {
		if !sess.Output(tabID, data) {
			delete(s.sessions, sess)
		}
	}
}

func (s *stream) seed(tabID, chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.buffer.empty() {
		return
	}
	s.buffer.append(chunk)
	for sess := range s.sessions {
		if !sess.Output(tabID, chunk) {
			delete(s.sessions, sess)
		}
	}
}

func (s *stream) ended(tabID string, exitCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.Ended(tabID, exitCode)
	}
	s.sessions = make(map[Session]bool)
}

func (s *stream) fail(tabID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.Error(tabID, message)
	}
}
