package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/config"
	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/workspace"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkWebSocketOrigin,
}

// Handler upgrades browser connections on /ws.
type Handler struct {
	hub       *Hub
	router    *Router
	store     workspace.Store
	authToken string
	logger    *logger.Logger
}

// NewHandler creates the browser WebSocket handler.
func NewHandler(cfg *config.Config, hub *Hub, router *Router, store workspace.Store, log *logger.Logger) *Handler {
	return &Handler{
		hub:       hub,
		router:    router,
		store:     store,
		authToken: cfg.Auth.DevToken,
		logger:    log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection authenticates, binds the connection to a workspace and
// starts the client pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	workspaceID := c.Query("workspaceId")
	if workspaceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspaceId is required"})
		return
	}

	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}
	if h.authToken != "" && token != h.authToken {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if _, err := h.store.Get(c.Request.Context(), workspaceID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("workspace_id", workspaceID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, workspaceID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context(), h.router)
}
