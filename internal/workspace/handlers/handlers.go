// Package handlers exposes the workspace REST API.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/workspace/controller"
	"github.com/devmux/devmux/internal/workspace/dto"
)

type Handlers struct {
	controller *controller.Controller
	logger     *logger.Logger
}

func NewHandlers(ctrl *controller.Controller, log *logger.Logger) *Handlers {
	return &Handlers{
		controller: ctrl,
		logger:     log.WithFields(zap.String("component", "workspace-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, ctrl *controller.Controller, log *logger.Logger) {
	h := NewHandlers(ctrl, log)
	api := router.Group("/api/v1")
	api.GET("/workspaces", h.listWorkspaces)
	api.POST("/workspaces", h.createWorkspace)
	api.GET("/workspaces/:id", h.getWorkspace)
	api.DELETE("/workspaces/:id", h.deleteWorkspace)
	api.POST("/workspaces/:id/container/start", h.startContainer)
	api.POST("/workspaces/:id/container/stop", h.stopContainer)
	api.POST("/workspaces/:id/agent/update", h.updateAgent)
}

func (h *Handlers) listWorkspaces(c *gin.Context) {
	resp, err := h.controller.List(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.logger.Error("failed to list workspaces", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list workspaces"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

type createWorkspaceRequest struct {
	Name    string `json:"name"`
	OwnerID string `json:"owner_id,omitempty"`
}

func (h *Handlers) createWorkspace(c *gin.Context) {
	var body createWorkspaceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	resp, err := h.controller.Create(c.Request.Context(), body.Name, body.OwnerID)
	if err != nil {
		h.logger.Error("failed to create workspace", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create workspace"})
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handlers) getWorkspace(c *gin.Context) {
	resp, err := h.controller.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "workspace not found")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) deleteWorkspace(c *gin.Context) {
	if err := h.controller.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "workspace not deleted")
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}

func (h *Handlers) startContainer(c *gin.Context) {
	resp, err := h.controller.StartContainer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "container not started")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) stopContainer(c *gin.Context) {
	resp, err := h.controller.StopContainer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "container not stopped")
		return
	}
	c.JSON(http.StatusOK, resp)
}

type updateAgentRequest struct {
	BundleURL string `json:"bundle_url,omitempty"`
}

func (h *Handlers) updateAgent(c *gin.Context) {
	var body updateAgentRequest
	// An empty body means "use the configured bundle URL".
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	if err := h.controller.RequestAgentUpdate(c.Request.Context(), c.Param("id"), body.BundleURL); err != nil {
		h.respondError(c, err, "agent update not requested")
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}
