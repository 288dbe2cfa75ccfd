// Package handlers exposes the agent registry over HTTP.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/agent/registry"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Waker pings a remote agent's health endpoint. Implemented by the
// transport client.
type Waker interface {
	Wake(ctx context.Context, agentURL string) error
}

// Handler contains the HTTP handlers for agent registration.
type Handler struct {
	registry *registry.Registry
	waker    Waker
	logger   *logger.Logger
}

// NewHandler creates the handler.
func NewHandler(reg *registry.Registry, waker Waker, log *logger.Logger) *Handler {
	return &Handler{
		registry: reg,
		waker:    waker,
		logger:   log.WithFields(zap.String("component", "agent-api")),
	}
}

// RegisterRoutes attaches the agent endpoints to the router group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/agents", h.List)
	api.POST("/agents", h.Create)
	api.PATCH("/agents", h.Upsert)
	api.GET("/agents/health/*url", h.Health)
	api.GET("/agents/:name", h.Get)
	api.PUT("/agents/:name", h.Update)
	api.DELETE("/agents/:name", h.Delete)
}

func respondError(c *gin.Context, err error) {
	c.JSON(a2a.HTTPStatus(err), gin.H{"error": err.Error()})
}

// List returns every registered agent.
// GET /api/agents
func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.registry.List()})
}

// Get returns one agent by name.
// GET /api/agents/:name
func (h *Handler) Get(c *gin.Context) {
	name := c.Param("name")
	d, ok := h.registry.Get(name)
	if !ok {
		respondError(c, a2a.E(a2a.KindNotFound, "agent %q is not registered", name))
		return
	}
	c.JSON(http.StatusOK, d)
}

// Create registers a new agent.
// POST /api/agents
func (h *Handler) Create(c *gin.Context) {
	var d models.AgentDescriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}
	created, err := h.registry.Register(c.Request.Context(), d)
	if err != nil {
		h.logger.Error("failed to register agent", zap.String("name", d.Name), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// Update replaces a registered agent.
// PUT /api/agents/:name
func (h *Handler) Update(c *gin.Context) {
	var d models.AgentDescriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}
	d.Name = c.Param("name")
	updated, err := h.registry.Update(c.Request.Context(), d)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// Upsert registers or updates an agent in one call.
// PATCH /api/agents
func (h *Handler) Upsert(c *gin.Context) {
	var d models.AgentDescriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}
	saved, err := h.registry.Upsert(c.Request.Context(), d)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// Delete removes an agent.
// DELETE /api/agents/:name
func (h *Handler) Delete(c *gin.Context) {
	if err := h.registry.Delete(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent removed"})
}

// Health proxies a health check to a remote agent URL.
// GET /api/agents/health/*url
func (h *Handler) Health(c *gin.Context) {
	url := strings.TrimPrefix(c.Param("url"), "/")
	if url == "" {
		respondError(c, a2a.E(a2a.KindValidation, "url is required"))
		return
	}
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}
	if err := h.waker.Wake(c.Request.Context(), url); err != nil {
		c.JSON(http.StatusOK, gin.H{"url": url, "healthy": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "healthy": true})
}
