package websocket

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/agent/registry"
	"github.com/devmux/devmux/internal/agent/relay"
	"github.com/devmux/devmux/internal/broadcast"
	"github.com/devmux/devmux/internal/common/config"
	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/container"
	"github.com/devmux/devmux/internal/tabs"
	"github.com/devmux/devmux/internal/workspace"
)

// Deps collects everything the gateway needs from the rest of the hub.
// Backend may be nil when container control is unavailable.
type Deps struct {
	Config      *config.Config
	Registry    *registry.Registry
	Relay       *relay.Relay
	Tabs        *tabs.Manager
	Store       workspace.Store
	Backend     container.Backend
	Startup     *workspace.StartupTracker
	Broadcaster *broadcast.Broadcaster
	Logger      *logger.Logger
}

// Gateway bundles the WebSocket surfaces: the browser hub, the agent socket
// and the binary terminal bridge.
type Gateway struct {
	Hub      *Hub
	Router   *Router
	Handler  *Handler
	Agent    *AgentHandler
	Terminal *TerminalHandler
	logger   *logger.Logger
}

// NewGateway creates the WebSocket gateway with all components initialized.
// The caller runs Hub.Run and RegisterWorkspaceStreamNotifications itself so
// their lifetimes follow the process context.
func NewGateway(d Deps) *Gateway {
	hub := NewHub(d.Logger)
	router := NewRouter(d.Config, d.Registry, d.Relay, d.Tabs, d.Store, d.Backend, d.Startup, d.Broadcaster, d.Logger)
	handler := NewHandler(d.Config, hub, router, d.Store, d.Logger)
	agent := NewAgentHandler(d.Registry, d.Relay, d.Tabs, hub, d.Logger)
	terminal := NewTerminalHandler(d.Config, d.Tabs, d.Registry, d.Logger)

	// A dropped browser abandons its pending operations and attachments.
	hub.SetDisconnectHandler(func(c *Client) {
		if n := d.Relay.CancelForRequester(c); n > 0 {
			d.Logger.Debug("Cancelled pending operations for disconnected client",
				zap.String("client_id", c.ID),
				zap.Int("count", n))
		}
		d.Tabs.DetachFromAll(c)
	})

	return &Gateway{
		Hub:      hub,
		Router:   router,
		Handler:  handler,
		Agent:    agent,
		Terminal: terminal,
		logger:   d.Logger,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
	router.GET("/ws/agent", g.Agent.HandleConnection)
	router.GET("/terminal/:tabId", g.Terminal.HandleTerminalWS)
}
