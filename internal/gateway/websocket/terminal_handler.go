package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/agent/registry"
	"github.com/devmux/devmux/internal/common/config"
	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/tabs"
)

// TerminalHandler serves the dedicated binary WebSocket at /terminal/:tabId.
// This bypasses the JSON protocol for raw PTY bytes via xterm.js AttachAddon;
// clients that cannot multiplex over /ws use this endpoint instead.
type TerminalHandler struct {
	tabs      *tabs.Manager
	registry  *registry.Registry
	authToken string
	logger    *logger.Logger
}

// NewTerminalHandler creates the binary terminal bridge handler.
func NewTerminalHandler(cfg *config.Config, tabMgr *tabs.Manager, reg *registry.Registry, log *logger.Logger) *TerminalHandler {
	return &TerminalHandler{
		tabs:      tabMgr,
		registry:  reg,
		authToken: cfg.Auth.DevToken,
		logger:    log.WithFields(zap.String("component", "terminal_handler")),
	}
}

// terminalUpgrader is the WebSocket upgrader for terminal connections.
// Uses larger buffers for better TUI performance.
var terminalUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header for WebSocket connections.
// This prevents cross-site WebSocket hijacking attacks.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No origin header - allow (could be a non-browser client)
		return true
	}

	// Allow localhost origins for development
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	// Check same-origin: Origin should match the Host header
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	// Compare hosts (ignoring port for flexibility)
	originHost := originURL.Hostname()
	requestHost := host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		// Strip port from host if present (but be careful with IPv6)
		if !strings.Contains(requestHost, "]") || colonIdx > strings.Index(requestHost, "]") {
			requestHost = requestHost[:colonIdx]
		}
	}

	return originHost == requestHost
}

// resizeCommandByte is the binary protocol marker for resize messages.
// First byte 0x01 indicates resize, followed by JSON {cols, rows}.
const resizeCommandByte = 0x01

// ResizePayload is the JSON payload for resize commands.
type ResizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// directSession bridges one tab's stream onto a raw binary WebSocket. It is
// the session implementation for clients on the /terminal endpoint; output
// arrives as binary frames instead of tab:output envelopes.
type directSession struct {
	conn   *gorillaws.Conn
	mu     sync.Mutex
	closed bool
	logger *logger.Logger
}

// Output writes raw PTY bytes to the socket. A write failure marks the
// session dead so the stream fan-out evicts it.
func (s *directSession) Output(tabID, data string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(gorillaws.BinaryMessage, []byte(data)); err != nil {
		s.closed = true
		return false
	}
	return true
}

// Ended closes the socket; a direct session has no frame to carry exit codes.
func (s *directSession) Ended(tabID string, exitCode int) {
	s.shutdown(gorillaws.CloseNormalClosure, fmt.Sprintf("tab ended (exit code %d)", exitCode))
}

// Error surfaces the failure as visible terminal output, then closes.
func (s *directSession) Error(tabID, message string) {
	s.mu.Lock()
	if !s.closed {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(gorillaws.BinaryMessage, []byte("\r\n"+message+"\r\n"))
	}
	s.mu.Unlock()
	s.shutdown(gorillaws.CloseNormalClosure, message)
}

func (s *directSession) shutdown(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(gorillaws.CloseMessage, gorillaws.FormatCloseMessage(code, text))
	s.conn.Close()
}

func (s *directSession) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// HandleTerminalWS handles WebSocket connections at /terminal/:tabId.
// This creates a binary WebSocket bridge between xterm.js and the tab's PTY.
func (h *TerminalHandler) HandleTerminalWS(c *gin.Context) {
	tabID := c.Param("tabId")
	if tabID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tabId is required"})
		return
	}

	token := c.Query("token")
	if h.authToken != "" && token != h.authToken {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if _, ok := h.registry.TabWorkspace(tabID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("tab does not exist: %s", tabID)})
		return
	}

	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade to WebSocket",
			zap.String("tab_id", tabID),
			zap.Error(err))
		return
	}

	h.logger.Info("terminal WebSocket connected",
		zap.String("tab_id", tabID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	session := &directSession{conn: conn, logger: h.logger}
	if err := h.tabs.Attach(session, tabID); err != nil {
		// The tab ended between the existence check and the attach.
		session.Error(tabID, err.Error())
		return
	}

	h.runTerminalBridge(conn, session, tabID)
}

// runTerminalBridge reads input and resize frames until the socket drops,
// then detaches. Closing the browser side never touches the agent-side
// process; the tab keeps running for the next attach.
func (h *TerminalHandler) runTerminalBridge(conn *gorillaws.Conn, session *directSession, tabID string) {
	defer func() {
		h.tabs.Detach(session, tabID)
		session.markClosed()
		conn.Close()
		h.logger.Info("terminal WebSocket disconnected", zap.String("tab_id", tabID))
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				h.logger.Debug("WebSocket read error",
					zap.String("tab_id", tabID),
					zap.Error(err))
			}
			return
		}

		if messageType != gorillaws.BinaryMessage && messageType != gorillaws.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}

		// Check for resize command (first byte 0x01)
		if data[0] == resizeCommandByte {
			h.handleResize(data[1:], tabID)
			continue
		}

		if !h.tabs.SendInput(tabID, string(data)) {
			h.logger.Debug("dropping input, agent not connected",
				zap.String("tab_id", tabID),
				zap.Int("bytes", len(data)))
		}
	}
}

// handleResize processes a resize command from the WebSocket.
func (h *TerminalHandler) handleResize(data []byte, tabID string) {
	var resize ResizePayload
	if err := json.Unmarshal(data, &resize); err != nil {
		h.logger.Warn("failed to parse resize command",
			zap.String("tab_id", tabID),
			zap.Error(err))
		return
	}

	if resize.Cols == 0 || resize.Rows == 0 {
		h.logger.Warn("invalid resize dimensions",
			zap.String("tab_id", tabID),
			zap.Uint16("cols", resize.Cols),
			zap.Uint16("rows", resize.Rows))
		return
	}

	h.tabs.Resize(tabID, resize.Cols, resize.Rows)
}
