// Package broadcast funnels workspace state deltas into workspace.updated
// events on the bus. Producers call the narrow methods and never touch the
// transport; the gateway's bridge subscription forwards each event to the
// workspace's connected browser sockets.
package broadcast

import (
	"context"

	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/events"
	"github.com/devmux/devmux/internal/events/bus"
	"github.com/devmux/devmux/internal/workspace"
)

// Broadcaster publishes workspace state deltas. One instance is constructed
// at the composition root and shared by the registry, the reconciler, and
// the REST handlers.
type Broadcaster struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// New creates a broadcaster publishing on eventBus.
func New(eventBus bus.EventBus, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "broadcast")),
	}
}

// ContainerStatus reports a container state change observed by the
// reconciler or a start/stop request.
func (b *Broadcaster) ContainerStatus(workspaceID, status, ip string) {
	data := map[string]interface{}{
		"workspaceId":     workspaceID,
		"containerStatus": status,
	}
	if ip != "" {
		data["containerIp"] = ip
	}
	b.publish(workspaceID, data)
}

// AgentStatus reports an agent connecting or disconnecting.
func (b *Broadcaster) AgentStatus(workspaceID, status string) {
	b.publish(workspaceID, map[string]interface{}{
		"workspaceId": workspaceID,
		"agentStatus": status,
	})
}

// AgentUpdating reports a self-update starting or finishing.
func (b *Broadcaster) AgentUpdating(workspaceID string, updating bool) {
	b.publish(workspaceID, map[string]interface{}{
		"workspaceId":   workspaceID,
		"agentUpdating": updating,
	})
}

// StartupProgress reports a provisioning phase change.
func (b *Broadcaster) StartupProgress(progress *workspace.StartupProgress) {
	sp := map[string]interface{}{
		"phase": progress.Phase,
		"ready": progress.Ready,
	}
	if progress.Message != "" {
		sp["message"] = progress.Message
	}
	b.publish(progress.WorkspaceID, map[string]interface{}{
		"workspaceId":     progress.WorkspaceID,
		"startupProgress": sp,
	})
}

// publish is the single funnel: every delta becomes one workspace.updated
// event on the workspace's subject.
func (b *Broadcaster) publish(workspaceID string, data map[string]interface{}) {
	subject := events.BuildWorkspaceUpdatedSubject(workspaceID)
	event := bus.NewEvent(events.WorkspaceUpdated, "hub", data)
	if err := b.bus.Publish(context.Background(), subject, event); err != nil {
		b.logger.Error("Failed to publish workspace update",
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
	}
}
