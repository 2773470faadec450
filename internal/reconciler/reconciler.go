// Package reconciler polls the container backend on a fixed interval and
// reconciles persisted container state with what is actually running. It is
// the catch-all for changes made outside the app, such as a container killed
// manually on the host.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/container"
	"github.com/devmux/devmux/internal/workspace"
)

// maxConcurrentSyncs bounds parallel backend lookups within one pass.
const maxConcurrentSyncs = 8

var (
	ErrAlreadyRunning = errors.New("reconciler already running")
	ErrNotRunning     = errors.New("reconciler not running")
)

// AgentPresence is the slice of the connection registry the reconciler
// needs: whether a live agent connection exists for a workspace.
type AgentPresence interface {
	HasAgent(workspaceID string) bool
}

// StatusBroadcaster pushes reconciled state changes toward browsers.
type StatusBroadcaster interface {
	ContainerStatus(workspaceID, status, ip string)
	AgentStatus(workspaceID, status string)
}

// Reconciler diffs persisted container state against the backend each tick
// and writes through the differences.
type Reconciler struct {
	store       workspace.Store
	backend     container.Backend
	agents      AgentPresence
	broadcaster StatusBroadcaster
	interval    time.Duration
	logger      *logger.Logger

	mu      sync.Mutex
	running bool
	syncing bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a reconciler polling backend every interval.
func New(store workspace.Store, backend container.Backend, agents AgentPresence, broadcaster StatusBroadcaster, interval time.Duration, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		backend:     backend,
		agents:      agents,
		broadcaster: broadcaster,
		interval:    interval,
		logger:      log.WithFields(zap.String("component", "reconciler")),
	}
}

// Start launches the polling loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("Container sync starting", zap.Duration("interval", r.interval))

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop halts the polling loop and waits for an in-flight pass to finish.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Container sync stopped")
	return nil
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.SyncNow(ctx)
		}
	}
}

// SyncNow runs one reconciliation pass. A pass that is still running when
// the next is requested causes the new one to be skipped entirely; two
// passes never run concurrently. Returns whether a pass actually ran.
func (r *Reconciler) SyncNow(ctx context.Context) bool {
	r.mu.Lock()
	if r.syncing {
		r.mu.Unlock()
		r.logger.Debug("Sync pass still running, skipping tick")
		return false
	}
	r.syncing = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.syncing = false
		r.mu.Unlock()
	}()

	workspaces, err := r.store.ListWithContainers(ctx)
	if err != nil {
		r.logger.Error("Failed to list workspaces for container sync", zap.Error(err))
		return true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSyncs)
	for _, ws := range workspaces {
		g.Go(func() error {
			// One workspace's failure must not abort the pass.
			if err := r.syncWorkspace(gctx, ws); err != nil {
				r.logger.Error("Failed to sync workspace container",
					zap.String("workspace_id", ws.ID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return true
}

func (r *Reconciler) syncWorkspace(ctx context.Context, ws *workspace.Workspace) error {
	status, err := r.backend.Status(ctx, ws.ID)
	if err != nil {
		return err
	}

	// The common case: nothing changed out of band. Stay silent.
	if status.State == ws.ContainerStatus && status.ContainerID == ws.ContainerID && status.IP == ws.ContainerIP {
		return nil
	}

	if err := r.store.UpdateContainerState(ctx, ws.ID, status.ContainerID, status.State, status.IP); err != nil {
		return err
	}

	r.logger.Info("Container state changed out of band",
		zap.String("workspace_id", ws.ID),
		zap.String("from", ws.ContainerStatus),
		zap.String("to", status.State))
	r.broadcaster.ContainerStatus(ws.ID, status.State, status.IP)

	// The agent dies with its container, but its socket-level disconnect can
	// be delayed or never arrive. Tell browsers now rather than waiting for
	// the registry to notice.
	if status.State == container.StateNone && (r.agents.HasAgent(ws.ID) || ws.AgentConnected()) {
		r.broadcaster.AgentStatus(ws.ID, "disconnected")
	}
	return nil
}
