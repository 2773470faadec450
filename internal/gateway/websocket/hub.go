// Package websocket is the WebSocket gateway: browser sockets, the agent
// socket, and the legacy binary terminal bridge.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/pkg/protocol"
)

// Hub manages all browser client connections, grouped by workspace.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients grouped by the workspace they are viewing
	workspaceClients map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Invoked after a client is removed, outside the hub lock. Setup wires
	// this to cancel the client's pending operations and tab attachments.
	onDisconnect func(*Client)

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new browser connection hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		workspaceClients: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		logger:           log.WithFields(zap.String("component", "ws_hub")),
	}
}

// SetDisconnectHandler installs the cleanup hook run after each client removal.
func (h *Hub) SetDisconnectHandler(fn func(*Client)) {
	h.onDisconnect = fn
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	if _, ok := h.workspaceClients[client.WorkspaceID]; !ok {
		h.workspaceClients[client.WorkspaceID] = make(map[*Client]bool)
	}
	h.workspaceClients[client.WorkspaceID][client] = true
	h.mu.Unlock()

	h.logger.Debug("Client registered",
		zap.String("client_id", client.ID),
		zap.String("workspace_id", client.WorkspaceID))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	removed := false
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		if clients, ok := h.workspaceClients[client.WorkspaceID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.workspaceClients, client.WorkspaceID)
			}
		}
		client.closeSend()
		removed = true
	}
	h.mu.Unlock()

	if removed && h.onDisconnect != nil {
		h.onDisconnect(client)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		client.closeSend()
	}
	h.clients = make(map[*Client]bool)
	h.workspaceClients = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	if h.onDisconnect != nil {
		for _, client := range clients {
			h.onDisconnect(client)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastToWorkspace sends a message to every client viewing a workspace.
func (h *Hub) BroadcastToWorkspace(workspaceID string, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.workspaceClients[workspaceID] {
		client.sendRaw(data)
	}
}

// ClientCount returns the number of connected browser clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
