// Package service owns workflow CRUD, graph validation, and the
// per-session active-workflow state.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/workflow/compiler"
	"github.com/agentmesh/agentmesh/internal/workflow/models"
	"github.com/agentmesh/agentmesh/internal/workflow/repository"
)

// Service validates and persists workflows.
type Service struct {
	workflows repository.WorkflowRepository
	active    repository.ActiveWorkflowRepository
	bus       bus.EventBus
	logger    *logger.Logger
}

// NewService creates the workflow service.
func NewService(workflows repository.WorkflowRepository, active repository.ActiveWorkflowRepository, b bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		workflows: workflows,
		active:    active,
		bus:       b,
		logger:    log.WithFields(zap.String("component", "workflow_service")),
	}
}

// Create validates the graph and persists a new workflow.
func (s *Service) Create(ctx context.Context, w *models.Workflow) (*models.Workflow, error) {
	if err := s.validate(w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if err := s.workflows.Create(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info("workflow created",
		zap.String("workflow_id", w.ID),
		zap.String("owner_id", w.OwnerID),
		zap.Int("steps", len(w.Steps)))
	return w, nil
}

// Update validates and replaces an existing workflow. Ownership is
// enforced when ownerID is non-empty.
func (s *Service) Update(ctx context.Context, ownerID string, w *models.Workflow) (*models.Workflow, error) {
	if err := s.validate(w); err != nil {
		return nil, err
	}
	existing, err := s.workflows.Get(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && existing.OwnerID != ownerID {
		return nil, a2a.E(a2a.KindAuth, "workflow %s belongs to another user", w.ID)
	}
	w.OwnerID = existing.OwnerID
	w.CreatedAt = existing.CreatedAt
	w.UpdatedAt = time.Now().UTC()
	if err := s.workflows.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Delete removes a workflow. Idempotent; ownership enforced when the
// workflow still exists.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	existing, err := s.workflows.Get(ctx, id)
	if a2a.IsKind(err, a2a.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ownerID != "" && existing.OwnerID != ownerID {
		return a2a.E(a2a.KindAuth, "workflow %s belongs to another user", id)
	}
	return s.workflows.Delete(ctx, id)
}

// Get returns one workflow.
func (s *Service) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return s.workflows.Get(ctx, id)
}

// List returns the owner's workflows; empty owner lists every workflow.
func (s *Service) List(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	return s.workflows.ListByOwner(ctx, ownerID)
}

// Compile builds the execution plan for a stored workflow.
func (s *Service) Compile(ctx context.Context, id string) (*models.Workflow, *models.ExecutionPlan, error) {
	w, err := s.workflows.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	plan, err := compiler.Compile(w.Steps, w.Edges)
	if err != nil {
		return nil, nil, err
	}
	return w, plan, nil
}

// Summaries resolves workflow ids into the routing summaries advertised to
// the orchestrator LLM and to remote agents. Unknown ids are skipped.
func (s *Service) Summaries(ctx context.Context, ids []string) ([]a2a.WorkflowSummary, error) {
	out := make([]a2a.WorkflowSummary, 0, len(ids))
	for _, id := range ids {
		w, plan, err := s.Compile(ctx, id)
		if a2a.IsKind(err, a2a.KindNotFound) {
			s.logger.Warn("skipping unknown workflow", zap.String("workflow_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a2a.WorkflowSummary{
			ID:       w.ID,
			Name:     w.Name,
			Goal:     w.Goal,
			Workflow: plan.Text(),
			Agents:   w.AgentNames(),
		})
	}
	return out, nil
}

// SetActive arms workflows for a session and broadcasts the change.
func (s *Service) SetActive(ctx context.Context, sessionID string, workflowIDs []string) (*models.ActiveWorkflow, error) {
	for _, id := range workflowIDs {
		if _, err := s.workflows.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	aw := &models.ActiveWorkflow{
		SessionID:   sessionID,
		WorkflowIDs: workflowIDs,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.active.Set(ctx, aw); err != nil {
		return nil, err
	}
	s.publishActive(ctx, sessionID, workflowIDs)
	return aw, nil
}

// GetActive returns the session's armed workflows.
func (s *Service) GetActive(ctx context.Context, sessionID string) (*models.ActiveWorkflow, error) {
	return s.active.Get(ctx, sessionID)
}

// ActiveIDs returns the armed workflow ids for a session; a session with
// nothing armed yields an empty list.
func (s *Service) ActiveIDs(ctx context.Context, sessionID string) ([]string, error) {
	aw, err := s.active.Get(ctx, sessionID)
	if a2a.IsKind(err, a2a.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return aw.WorkflowIDs, nil
}

// ClearActive disarms every workflow for the session.
func (s *Service) ClearActive(ctx context.Context, sessionID string) error {
	if err := s.active.Clear(ctx, sessionID); err != nil {
		return err
	}
	s.publishActive(ctx, sessionID, nil)
	return nil
}

func (s *Service) publishActive(ctx context.Context, sessionID string, ids []string) {
	if s.bus == nil {
		return
	}
	eventType := events.TypeActiveWorkflowChanged
	if len(ids) != 1 {
		eventType = events.TypeActiveWorkflowsList
	}
	err := s.bus.Publish(ctx, bus.NewEvent(eventType, sessionID, map[string]interface{}{
		"workflow_ids": ids,
	}))
	if err != nil {
		s.logger.Warn("failed to publish active workflow change", zap.Error(err))
	}
}

// validate enforces the graph invariants by compiling it.
func (s *Service) validate(w *models.Workflow) error {
	if w.Name == "" {
		return a2a.E(a2a.KindValidation, "workflow name is required")
	}
	_, err := compiler.Compile(w.Steps, w.Edges)
	return err
}
