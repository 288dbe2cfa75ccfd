// Package handlers exposes workflow CRUD and active-workflow state over
// HTTP.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/workflow/models"
	"github.com/agentmesh/agentmesh/internal/workflow/service"
)

// Handler contains the workflow HTTP handlers.
type Handler struct {
	service *service.Service
	logger  *logger.Logger
}

// NewHandler creates the handler.
func NewHandler(svc *service.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: svc,
		logger:  log.WithFields(zap.String("component", "workflow-api")),
	}
}

// RegisterRoutes attaches the workflow endpoints. authed routes require a
// bearer token; open routes do not.
func (h *Handler) RegisterRoutes(authed, open *gin.RouterGroup) {
	authed.GET("/workflows", h.List)
	authed.POST("/workflows", h.Create)
	authed.GET("/workflows/:id", h.Get)
	authed.PUT("/workflows/:id", h.Update)
	authed.DELETE("/workflows/:id", h.Delete)
	open.GET("/workflows/all", h.ListAll)

	open.GET("/active-workflow", h.GetActive)
	open.POST("/active-workflow", h.SetActive)
	open.DELETE("/active-workflow", h.ClearActive)
	open.GET("/active-workflows", h.GetActive)
	open.POST("/active-workflows", h.SetActive)
	open.DELETE("/active-workflows", h.ClearActive)
}

func respondError(c *gin.Context, err error) {
	c.JSON(a2a.HTTPStatus(err), gin.H{"error": err.Error()})
}

func userID(c *gin.Context) string {
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func sessionID(c *gin.Context) string {
	return c.GetHeader("X-Session-ID")
}

// List returns the authenticated user's workflows.
// GET /api/workflows
func (h *Handler) List(c *gin.Context) {
	workflows, err := h.service.List(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

// ListAll returns every stored workflow, unscoped.
// GET /api/workflows/all
func (h *Handler) ListAll(c *gin.Context) {
	workflows, err := h.service.List(c.Request.Context(), "")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

// Get returns one workflow with its compiled plan text.
// GET /api/workflows/:id
func (h *Handler) Get(c *gin.Context) {
	w, plan, err := h.service.Compile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": w, "plan": plan.Text()})
}

// Create stores a new workflow owned by the caller.
// POST /api/workflows
func (h *Handler) Create(c *gin.Context) {
	var w models.Workflow
	if err := c.ShouldBindJSON(&w); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}
	w.OwnerID = userID(c)
	created, err := h.service.Create(c.Request.Context(), &w)
	if err != nil {
		h.logger.Error("failed to create workflow", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// Update replaces a workflow the caller owns.
// PUT /api/workflows/:id
func (h *Handler) Update(c *gin.Context) {
	var w models.Workflow
	if err := c.ShouldBindJSON(&w); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}
	w.ID = c.Param("id")
	updated, err := h.service.Update(c.Request.Context(), userID(c), &w)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// Delete removes a workflow the caller owns. Idempotent.
// DELETE /api/workflows/:id
func (h *Handler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "workflow deleted"})
}

// GetActive returns the session's armed workflows.
// GET /api/active-workflow(s)
func (h *Handler) GetActive(c *gin.Context) {
	sid := sessionID(c)
	if sid == "" {
		respondError(c, a2a.E(a2a.KindValidation, "X-Session-ID header is required"))
		return
	}
	aw, err := h.service.GetActive(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, aw)
}

// SetActive arms workflows for the session and broadcasts the change.
// POST /api/active-workflow(s)
func (h *Handler) SetActive(c *gin.Context) {
	sid := sessionID(c)
	if sid == "" {
		respondError(c, a2a.E(a2a.KindValidation, "X-Session-ID header is required"))
		return
	}
	var body struct {
		WorkflowID  string   `json:"workflow_id"`
		WorkflowIDs []string `json:"workflow_ids"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}
	ids := body.WorkflowIDs
	if body.WorkflowID != "" {
		ids = append(ids, body.WorkflowID)
	}
	aw, err := h.service.SetActive(c.Request.Context(), sid, ids)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, aw)
}

// ClearActive disarms every workflow for the session.
// DELETE /api/active-workflow(s)
func (h *Handler) ClearActive(c *gin.Context) {
	sid := sessionID(c)
	if sid == "" {
		respondError(c, a2a.E(a2a.KindValidation, "X-Session-ID header is required"))
		return
	}
	if err := h.service.ClearActive(c.Request.Context(), sid); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "active workflows cleared"})
}
