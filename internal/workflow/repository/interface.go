// Package repository persists saved workflows and per-session active
// workflow state.
package repository

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/workflow/models"
)

// WorkflowRepository stores user-authored workflows.
type WorkflowRepository interface {
	Create(ctx context.Context, w *models.Workflow) error
	Update(ctx context.Context, w *models.Workflow) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.Workflow, error)
	// ListByOwner returns the owner's workflows; an empty owner lists all.
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Workflow, error)
}

// ActiveWorkflowRepository stores which workflows a session has armed.
type ActiveWorkflowRepository interface {
	Set(ctx context.Context, aw *models.ActiveWorkflow) error
	Get(ctx context.Context, sessionID string) (*models.ActiveWorkflow, error)
	Clear(ctx context.Context, sessionID string) error
}
