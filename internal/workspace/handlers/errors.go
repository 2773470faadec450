package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/workspace/controller"
)

// respondError maps controller errors onto HTTP statuses. Unrecognized
// errors are logged and reported as the fallback message.
func (h *Handlers) respondError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, controller.ErrAgentNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": controller.ErrAgentNotConnected.Error()})
	case errors.Is(err, controller.ErrContainerUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": controller.ErrContainerUnavailable.Error()})
	case isNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": fallback})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
