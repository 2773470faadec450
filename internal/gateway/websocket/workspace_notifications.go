package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/events"
	"github.com/devmux/devmux/internal/events/bus"
	"github.com/devmux/devmux/pkg/protocol"
)

// WorkspaceStreamBroadcaster forwards workspace.updated bus events to the
// browsers viewing that workspace as workspace:updated notifications.
type WorkspaceStreamBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterWorkspaceStreamNotifications subscribes the hub to workspace state
// deltas. The subscription is released when ctx ends.
func RegisterWorkspaceStreamNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) (*WorkspaceStreamBroadcaster, error) {
	b := &WorkspaceStreamBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_notifications")),
	}

	sub, err := eventBus.Subscribe(events.BuildWorkspaceUpdatedWildcardSubject(), b.handleWorkspaceUpdated)
	if err != nil {
		return nil, err
	}
	b.subscriptions = append(b.subscriptions, sub)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b, nil
}

func (b *WorkspaceStreamBroadcaster) handleWorkspaceUpdated(ctx context.Context, event *bus.Event) error {
	workspaceID, _ := event.Data["workspaceId"].(string)
	if workspaceID == "" {
		b.logger.Warn("Workspace update event without workspaceId",
			zap.String("event_id", event.ID))
		return nil
	}

	msg, err := protocol.NewNotification(protocol.ActionWorkspaceUpdated, event.Data)
	if err != nil {
		b.logger.Error("Failed to build workspace notification", zap.Error(err))
		return err
	}

	b.hub.BroadcastToWorkspace(workspaceID, msg)
	return nil
}

// Close unsubscribes from all subjects.
func (b *WorkspaceStreamBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	b.subscriptions = nil
}
