// Package handlers exposes the synchronous orchestrated query endpoint.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a"
	agentmodels "github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/agent/registry"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/orchestrator"
	"github.com/agentmesh/agentmesh/internal/session"
)

const defaultQueryTimeoutS = 300

// Turner runs one orchestrated conversation turn. Implemented by the host
// orchestrator.
type Turner interface {
	Turn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error)
}

// WorkflowSource resolves the workflows a session may route to.
type WorkflowSource interface {
	ActiveIDs(ctx context.Context, sessionID string) ([]string, error)
	Summaries(ctx context.Context, ids []string) ([]a2a.WorkflowSummary, error)
}

// Handler serves POST /api/query.
type Handler struct {
	orch      Turner
	sessions  *session.Registry
	registry  *registry.Registry
	workflows WorkflowSource
	logger    *logger.Logger
}

// NewHandler creates the query handler.
func NewHandler(orch Turner, sessions *session.Registry, reg *registry.Registry, workflows WorkflowSource, log *logger.Logger) *Handler {
	return &Handler{
		orch:      orch,
		sessions:  sessions,
		registry:  reg,
		workflows: workflows,
		logger:    log.WithFields(zap.String("component", "query-api")),
	}
}

// RegisterRoutes attaches the query endpoint.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/query", h.Query)
}

type queryFile struct {
	URI      string `json:"uri"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Role     string `json:"role,omitempty"`
}

type queryRequest struct {
	Query                string      `json:"query"`
	UserID               string      `json:"user_id"`
	SessionID            string      `json:"session_id"`
	ConversationID       string      `json:"conversation_id"`
	TimeoutS             int         `json:"timeout"`
	EnableRouting        *bool       `json:"enable_routing"`
	ActivatedWorkflowIDs []string    `json:"activated_workflow_ids"`
	Workflow             string      `json:"workflow"`
	Files                []queryFile `json:"files"`
}

type queryResponse struct {
	Success              bool          `json:"success"`
	Result               string        `json:"result,omitempty"`
	Error                string        `json:"error,omitempty"`
	ExecutionTimeSeconds float64       `json:"execution_time_seconds"`
	SessionID            string        `json:"session_id"`
	ConversationID       string        `json:"conversation_id"`
	Artifacts            []a2a.FileRef `json:"artifacts,omitempty"`
	SelectedWorkflow     string        `json:"selected_workflow,omitempty"`
}

// Query runs one synchronous orchestrated turn.
// POST /api/query
func (h *Handler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "ValidationError:invalid request body"})
		return
	}
	if req.Query == "" || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "ValidationError:query and user_id are required"})
		return
	}

	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}
	contextID := req.SessionID + "::" + req.ConversationID

	timeout := time.Duration(req.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = defaultQueryTimeoutS * time.Second
	}

	parts := []a2a.Part{a2a.TextPart(req.Query)}
	for _, f := range req.Files {
		parts = append(parts, a2a.FilePart(f.Name, f.URI, f.MimeType, f.Role))
	}

	turnReq := orchestrator.TurnRequest{
		ContextID:     contextID,
		Message:       a2a.NewUserMessage(contextID, parts...),
		EnabledAgents: h.enabledAgents(req.SessionID),
		WorkflowText:  req.Workflow,
		Timeout:       timeout,
	}

	routing := req.EnableRouting == nil || *req.EnableRouting
	if req.Workflow == "" && routing {
		available, err := h.availableWorkflows(c.Request.Context(), req)
		if err != nil {
			h.logger.Warn("workflow routing lookup failed",
				zap.String("session_id", req.SessionID), zap.Error(err))
		} else {
			turnReq.AvailableWorkflows = available
		}
	}

	started := time.Now()
	result, err := h.orch.Turn(c.Request.Context(), turnReq)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		h.logger.Error("query turn failed",
			zap.String("context_id", contextID),
			zap.Error(err))
		c.JSON(a2a.HTTPStatus(err), queryResponse{
			Success:              false,
			Error:                errorString(err),
			ExecutionTimeSeconds: elapsed,
			SessionID:            req.SessionID,
			ConversationID:       req.ConversationID,
		})
		return
	}

	c.JSON(http.StatusOK, queryResponse{
		Success:              true,
		Result:               result.Text,
		ExecutionTimeSeconds: elapsed,
		SessionID:            req.SessionID,
		ConversationID:       req.ConversationID,
		Artifacts:            result.Artifacts,
		SelectedWorkflow:     result.SelectedWorkflow,
	})
}

// enabledAgents snapshots the session's enabled set; a session that never
// enabled anything falls back to every globally registered agent on its
// dev endpoint.
func (h *Handler) enabledAgents(sessionID string) []agentmodels.EnabledAgent {
	snap := h.sessions.Get(sessionID).Snapshot()
	out := make([]agentmodels.EnabledAgent, 0, len(snap))
	for _, ea := range snap {
		out = append(out, ea)
	}
	if len(out) == 0 && h.registry != nil {
		for _, d := range h.registry.List() {
			out = append(out, agentmodels.EnabledAgent{
				Descriptor: d,
				ChosenURL:  d.URL(false),
				EnabledAt:  time.Now().UTC(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.Name < out[j].Descriptor.Name
	})
	return out
}

func (h *Handler) availableWorkflows(ctx context.Context, req queryRequest) ([]a2a.WorkflowSummary, error) {
	if h.workflows == nil {
		return nil, nil
	}
	ids := req.ActivatedWorkflowIDs
	if len(ids) == 0 {
		active, err := h.workflows.ActiveIDs(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		ids = active
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return h.workflows.Summaries(ctx, ids)
}

// errorString renders "<kind>:<detail>" for the client.
func errorString(err error) string {
	var ae *a2a.Error
	if errors.As(err, &ae) {
		detail := ae.Msg
		if ae.Err != nil {
			detail += ": " + ae.Err.Error()
		}
		return string(ae.Kind) + ":" + detail
	}
	return "InternalError:" + err.Error()
}
