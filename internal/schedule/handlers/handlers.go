// Package handlers exposes schedule CRUD and run control over HTTP.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/schedule/models"
	"github.com/agentmesh/agentmesh/internal/schedule/service"
)

// Handler contains the HTTP handlers for schedules.
type Handler struct {
	scheduler *service.Scheduler
	logger    *logger.Logger
}

// NewHandler creates the handler.
func NewHandler(scheduler *service.Scheduler, log *logger.Logger) *Handler {
	return &Handler{
		scheduler: scheduler,
		logger:    log.WithFields(zap.String("component", "schedule-api")),
	}
}

// RegisterRoutes attaches the schedule endpoints to the router group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/schedules", h.List)
	api.POST("/schedules", h.Create)
	api.GET("/schedules/upcoming", h.Upcoming)
	api.GET("/schedules/:id", h.Get)
	api.PUT("/schedules/:id", h.Update)
	api.DELETE("/schedules/:id", h.Delete)
	api.GET("/schedules/:id/history", h.History)
	api.POST("/schedules/:id/toggle", h.Toggle)
	api.POST("/schedules/:id/run-now", h.RunNow)
}

func respondError(c *gin.Context, err error) {
	c.JSON(a2a.HTTPStatus(err), gin.H{"error": err.Error()})
}

// List returns schedules, optionally scoped by X-Session-ID.
// GET /api/schedules
func (h *Handler) List(c *gin.Context) {
	schedules, err := h.scheduler.List(c.Request.Context(), c.GetHeader("X-Session-ID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

// Create registers and arms a schedule.
// POST /api/schedules
func (h *Handler) Create(c *gin.Context) {
	var sched models.Schedule
	if err := c.ShouldBindJSON(&sched); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}
	if sched.SessionID == "" {
		sched.SessionID = c.GetHeader("X-Session-ID")
	}
	created, err := h.scheduler.Create(c.Request.Context(), &sched)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// Get returns one schedule.
// GET /api/schedules/:id
func (h *Handler) Get(c *gin.Context) {
	sched, err := h.scheduler.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// Update replaces a schedule.
// PUT /api/schedules/:id
func (h *Handler) Update(c *gin.Context) {
	var sched models.Schedule
	if err := c.ShouldBindJSON(&sched); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}
	sched.ID = c.Param("id")
	updated, err := h.scheduler.Update(c.Request.Context(), &sched)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// Delete removes a schedule. Idempotent.
// DELETE /api/schedules/:id
func (h *Handler) Delete(c *gin.Context) {
	if err := h.scheduler.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedule removed"})
}

// History returns the most recent runs.
// GET /api/schedules/:id/history?limit=N
func (h *Handler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	runs, err := h.scheduler.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": runs})
}

// Upcoming returns the next fires across all armed schedules.
// GET /api/schedules/upcoming?n=N
func (h *Handler) Upcoming(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("n", "10"))
	upcoming, err := h.scheduler.ListUpcoming(c.Request.Context(), n)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upcoming": upcoming})
}

// Toggle enables or disables a schedule.
// POST /api/schedules/:id/toggle
func (h *Handler) Toggle(c *gin.Context) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}
	sched, err := h.scheduler.Toggle(c.Request.Context(), c.Param("id"), body.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// RunNow fires a schedule immediately and returns the run record.
// POST /api/schedules/:id/run-now
func (h *Handler) RunNow(c *gin.Context) {
	rec, err := h.scheduler.RunNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
