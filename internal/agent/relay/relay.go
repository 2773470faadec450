// Package relay tracks in-flight agent-mediated operations by correlation id
// and routes each response back to the browser client that asked for it.
package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/pkg/protocol"
)

// Requester receives the outcome of a correlated operation. Send reports
// false when the requester can no longer accept messages.
type Requester interface {
	Send(msg *protocol.Message) bool
}

type pendingOp struct {
	requester Requester
	action    string
	timer     *time.Timer
}

// Relay is the pending-operation table shared by every correlated operation
// family. The families differ only in action name, payload shape, and
// timeout; the table, timers, and match/forward logic are identical.
type Relay struct {
	mu      sync.Mutex
	pending map[string]*pendingOp
	logger  *logger.Logger
}

// New creates an empty relay.
func New(log *logger.Logger) *Relay {
	return &Relay{
		pending: make(map[string]*pendingOp),
		logger:  log.WithFields(zap.String("component", "relay")),
	}
}

// Track records a pending operation before the command is emitted to the
// agent. If no response arrives within timeout the requester receives a
// failure response and the entry is dropped.
func (r *Relay) Track(correlationID, action string, requester Requester, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.pending[correlationID]; ok {
		// Caller reused an id; the old entry can never be resolved.
		prev.timer.Stop()
		r.logger.Warn("Correlation id reused, dropping previous entry",
			zap.String("correlation_id", correlationID))
	}

	op := &pendingOp{requester: requester, action: action}
	op.timer = time.AfterFunc(timeout, func() {
		r.expire(correlationID, op)
	})
	r.pending[correlationID] = op
}

// Resolve forwards the agent's response to the tracked requester. Returns
// false when the id is unknown (already resolved, timed out, or cancelled);
// late responses are dropped silently.
func (r *Relay) Resolve(correlationID string, msg *protocol.Message) bool {
	r.mu.Lock()
	op, ok := r.pending[correlationID]
	if ok {
		op.timer.Stop()
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("Dropping response for unknown correlation id",
			zap.String("correlation_id", correlationID),
			zap.String("action", msg.Action))
		return false
	}
	op.requester.Send(msg)
	return true
}

// Fail resolves a pending operation with a failure, shaped identically to a
// success response. Used for the synchronous "Agent not connected" path.
func (r *Relay) Fail(correlationID, errMsg string) bool {
	r.mu.Lock()
	op, ok := r.pending[correlationID]
	if ok {
		op.timer.Stop()
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.deliverFailure(correlationID, op, errMsg)
	return true
}

// CancelForRequester drops every pending operation belonging to the given
// requester without delivering anything. Called when a browser disconnects.
func (r *Relay) CancelForRequester(requester Requester) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancelled := 0
	for id, op := range r.pending {
		if op.requester == requester {
			op.timer.Stop()
			delete(r.pending, id)
			cancelled++
		}
	}
	if cancelled > 0 {
		r.logger.Debug("Cancelled pending operations for disconnected client",
			zap.Int("count", cancelled))
	}
	return cancelled
}

// expire is the timer callback. The entry may have been resolved between the
// timer firing and the lock acquisition, so re-check under the lock.
func (r *Relay) expire(correlationID string, op *pendingOp) {
	r.mu.Lock()
	current, ok := r.pending[correlationID]
	if !ok || current != op {
		r.mu.Unlock()
		return
	}
	delete(r.pending, correlationID)
	r.mu.Unlock()

	r.logger.Warn("Operation timed out",
		zap.String("correlation_id", correlationID),
		zap.String("action", op.action))
	r.deliverFailure(correlationID, op, "Operation timeout")
}

func (r *Relay) deliverFailure(correlationID string, op *pendingOp, errMsg string) {
	msg, err := protocol.NewNotification(protocol.ResponseAction(op.action), protocol.OperationResponse{
		RequestID: correlationID,
		Success:   false,
		Error:     errMsg,
	})
	if err != nil {
		r.logger.Error("Failed to build failure response", zap.Error(err))
		return
	}
	op.requester.Send(msg)
}
