package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single browser WebSocket connection. A client is bound
// to one workspace for its whole lifetime and tracks at most one attached tab,
// which is the implicit target for terminal:input and terminal:resize.
type Client struct {
	ID          string
	WorkspaceID string

	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu         sync.RWMutex
	currentTab string
	closed     bool

	logger *logger.Logger
}

// NewClient creates a client bound to a workspace.
func NewClient(id, workspaceID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:          id,
		WorkspaceID: workspaceID,
		conn:        conn,
		hub:         hub,
		send:        make(chan []byte, 256),
		logger: log.WithFields(
			zap.String("client_id", id),
			zap.String("workspace_id", workspaceID)),
	}
}

// CurrentTab returns the tab the client is attached to, if any.
func (c *Client) CurrentTab() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTab
}

// SetCurrentTab records the tab the client attached to.
func (c *Client) SetCurrentTab(tabID string) {
	c.mu.Lock()
	c.currentTab = tabID
	c.mu.Unlock()
}

// ClearCurrentTab forgets the attached tab if it matches tabID.
func (c *Client) ClearCurrentTab(tabID string) {
	c.mu.Lock()
	if c.currentTab == tabID {
		c.currentTab = ""
	}
	c.mu.Unlock()
}

// Send marshals and queues a message for the client. It reports false when the
// client is gone or its buffer is full, which lets callers treat the client as
// dead.
func (c *Client) Send(msg *protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}
	return c.sendRaw(data)
}

// sendRaw queues pre-marshaled bytes without blocking.
func (c *Client) sendRaw(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("Client send buffer full")
		return false
	}
}

// closeSend marks the client closed and releases its write pump. Only the hub
// calls this, exactly once per client.
func (c *Client) closeSend() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// Output forwards tab output to the browser. Part of the tab stream fan-out;
// a false return evicts the client from the stream.
func (c *Client) Output(tabID, data string) bool {
	msg, err := protocol.NewNotification(protocol.ActionTabOutput, protocol.TabOutputPayload{
		TabID: tabID,
		Data:  data,
	})
	if err != nil {
		return false
	}
	return c.Send(msg)
}

// Ended drops the input binding for a finished tab. The hub separately
// broadcasts tab:ended to every workspace client, so sending it here as well
// would double-notify attached ones.
func (c *Client) Ended(tabID string, exitCode int) {
	c.ClearCurrentTab(tabID)
}

// Error tells the browser a tab operation or stream failed.
func (c *Client) Error(tabID, message string) {
	msg, err := protocol.NewNotification(protocol.ActionTabError, protocol.TabErrorPayload{
		TabID: tabID,
		Error: message,
	})
	if err != nil {
		return
	}
	c.Send(msg)
}

// ReadPump pumps messages from the WebSocket connection to the router.
func (c *Client) ReadPump(ctx context.Context, router *Router) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg protocol.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("", "", protocol.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		router.HandleMessage(ctx, c, &msg)
	}
}

// sendError sends a protocol error message to the client.
func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := protocol.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.Send(msg)
}

// WritePump pumps queued messages to the WebSocket connection. One protocol
// message per frame; the browser relies on frame boundaries for parsing.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
