package workspace

import (
	"sync"
	"time"

	"github.com/devmux/devmux/internal/common/constants"
)

// Provisioning phases reported while a workspace starts.
const (
	PhaseStartingContainer = "starting-container"
	PhaseWaitingForAgent   = "waiting-for-agent"
)

// StartupProgress is the provisioning state of a workspace being started.
type StartupProgress struct {
	WorkspaceID string `json:"workspaceId"`
	Phase       string `json:"phase"`
	Message     string `json:"message,omitempty"`
	Ready       bool   `json:"ready"`
}

// StartupTracker holds in-memory provisioning progress per workspace.
//
// Progress is marked ready when the agent registers and cleared after a short
// grace delay, so clients that attach late still observe the terminal state.
type StartupTracker struct {
	mu         sync.Mutex
	progress   map[string]*StartupProgress
	timers     map[string]*time.Timer
	clearDelay time.Duration
}

// NewStartupTracker creates an empty tracker.
func NewStartupTracker() *StartupTracker {
	return &StartupTracker{
		progress:   make(map[string]*StartupProgress),
		timers:     make(map[string]*time.Timer),
		clearDelay: constants.StartupProgressClearDelay,
	}
}

// Set records the current provisioning phase for a workspace. Setting a phase
// cancels any pending clearance so a restart mid-grace-period starts fresh.
func (t *StartupTracker) Set(workspaceID, phase, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[workspaceID]; ok {
		timer.Stop()
		delete(t.timers, workspaceID)
	}
	t.progress[workspaceID] = &StartupProgress{
		WorkspaceID: workspaceID,
		Phase:       phase,
		Message:     message,
	}
}

// MarkReady flags the workspace as fully provisioned and schedules clearance.
// No-op when the workspace has no tracked progress.
func (t *StartupTracker) MarkReady(workspaceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.progress[workspaceID]
	if !ok {
		return
	}
	p.Ready = true

	if timer, ok := t.timers[workspaceID]; ok {
		timer.Stop()
	}
	t.timers[workspaceID] = time.AfterFunc(t.clearDelay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		// A Set after MarkReady replaces the timer; only clear when ours is
		// still the active one and the entry is still ready.
		if p, ok := t.progress[workspaceID]; ok && p.Ready {
			delete(t.progress, workspaceID)
			delete(t.timers, workspaceID)
		}
	})
}

// Get returns the tracked progress for a workspace, if any.
func (t *StartupTracker) Get(workspaceID string) (*StartupProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.progress[workspaceID]
	if !ok {
		return nil, false
	}
	copied := *p
	return &copied, true
}

// Clear drops tracked progress immediately (container stopped or start failed).
func (t *StartupTracker) Clear(workspaceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[workspaceID]; ok {
		timer.Stop()
		delete(t.timers, workspaceID)
	}
	delete(t.progress, workspaceID)
}

// Stop cancels all pending clearance timers.
func (t *StartupTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
