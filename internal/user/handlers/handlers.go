// Package handlers exposes registration and login over HTTP.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/user/service"
)

// Handler contains the HTTP handlers for auth.
type Handler struct {
	auth   *service.Service
	logger *logger.Logger
}

// NewHandler creates the handler.
func NewHandler(auth *service.Service, log *logger.Logger) *Handler {
	return &Handler{
		auth:   auth,
		logger: log.WithFields(zap.String("component", "auth-api")),
	}
}

// RegisterRoutes attaches the auth endpoints to the router group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
}

func respondError(c *gin.Context, err error) {
	c.JSON(a2a.HTTPStatus(err), gin.H{"error": err.Error()})
}

// Register creates an account.
// POST /api/auth/register
func (h *Handler) Register(c *gin.Context) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
		Role     string `json:"role"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}
	u, err := h.auth.Register(c.Request.Context(), body.Email, body.Password, body.Name, body.Role)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

// Login exchanges credentials for a bearer token.
// POST /api/auth/login
func (h *Handler) Login(c *gin.Context) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}
	token, u, err := h.auth.Login(c.Request.Context(), body.Email, body.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": u})
}
