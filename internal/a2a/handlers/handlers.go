// Package handlers exposes the task table over HTTP: pending human
// escalations, escalation responses, and task cancellation.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a"
	agentmodels "github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Canceler aborts an in-flight task on its remote agent. Implemented by
// the transport client.
type Canceler interface {
	Cancel(ctx context.Context, agentURL, taskID string) error
}

// AgentSource resolves a registered agent by name.
type AgentSource interface {
	Get(name string) (agentmodels.AgentDescriptor, bool)
}

// Handler contains the HTTP handlers for task operations.
type Handler struct {
	tasks    *a2a.Manager
	canceler Canceler
	agents   AgentSource
	logger   *logger.Logger
}

// NewHandler creates the handler.
func NewHandler(tasks *a2a.Manager, canceler Canceler, agents AgentSource, log *logger.Logger) *Handler {
	return &Handler{
		tasks:    tasks,
		canceler: canceler,
		agents:   agents,
		logger:   log.WithFields(zap.String("component", "tasks-api")),
	}
}

// RegisterRoutes attaches the task endpoints to the router group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/escalations", h.ListEscalations)
	api.POST("/escalations/:task_id/respond", h.Respond)
	api.POST("/tasks/:id/cancel", h.Cancel)
}

func respondError(c *gin.Context, err error) {
	c.JSON(a2a.HTTPStatus(err), gin.H{"error": err.Error()})
}

// ListEscalations returns every task waiting for a human response, with
// its conversation transcript.
// GET /api/escalations
func (h *Handler) ListEscalations(c *gin.Context) {
	pending := h.tasks.PendingEscalations()
	c.JSON(http.StatusOK, gin.H{"escalations": pending, "count": len(pending)})
}

// Respond delivers a human response to a parked task.
// POST /api/escalations/:task_id/respond
func (h *Handler) Respond(c *gin.Context) {
	var body a2a.HumanResponse
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}
	if body.Text == "" {
		respondError(c, a2a.E(a2a.KindValidation, "text is required"))
		return
	}
	taskID := c.Param("task_id")
	if err := h.tasks.Resume(taskID, body); err != nil {
		respondError(c, err)
		return
	}
	h.logger.Info("escalation answered", zap.String("task_id", taskID))
	c.JSON(http.StatusOK, gin.H{"success": true, "task_id": taskID})
}

// Cancel aborts an in-flight task. The remote agent receives a
// best-effort abort; subscribers see task_canceled.
// POST /api/tasks/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	taskID := c.Param("id")
	task, ok := h.tasks.Get(taskID)
	if !ok {
		respondError(c, a2a.E(a2a.KindNotFound, "unknown task %s", taskID))
		return
	}

	agentURL := ""
	if d, ok := h.agents.Get(task.AgentName); ok {
		agentURL = d.URL(false)
	}
	if err := h.canceler.Cancel(c.Request.Context(), agentURL, taskID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task_id": taskID})
}
