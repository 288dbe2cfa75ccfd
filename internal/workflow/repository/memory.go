package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/workflow/models"
)

// MemoryWorkflowRepository is the in-process store used in tests.
type MemoryWorkflowRepository struct {
	mu        sync.Mutex
	workflows map[string]models.Workflow
}

// NewMemoryWorkflowRepository creates an empty store.
func NewMemoryWorkflowRepository() *MemoryWorkflowRepository {
	return &MemoryWorkflowRepository{workflows: make(map[string]models.Workflow)}
}

func (r *MemoryWorkflowRepository) Create(_ context.Context, w *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[w.ID]; exists {
		return a2a.E(a2a.KindConflict, "workflow %s already exists", w.ID)
	}
	r.workflows[w.ID] = *w
	return nil
}

func (r *MemoryWorkflowRepository) Update(_ context.Context, w *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[w.ID]; !exists {
		return a2a.E(a2a.KindNotFound, "workflow %s not found", w.ID)
	}
	r.workflows[w.ID] = *w
	return nil
}

func (r *MemoryWorkflowRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workflows, id)
	return nil
}

func (r *MemoryWorkflowRepository) Get(_ context.Context, id string) (*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	if !ok {
		return nil, a2a.E(a2a.KindNotFound, "workflow %s not found", id)
	}
	return &w, nil
}

func (r *MemoryWorkflowRepository) ListByOwner(_ context.Context, ownerID string) ([]*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Workflow
	for _, w := range r.workflows {
		if ownerID != "" && w.OwnerID != ownerID {
			continue
		}
		copy := w
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryActiveWorkflowRepository is the in-process active-workflow store.
type MemoryActiveWorkflowRepository struct {
	mu     sync.Mutex
	active map[string]models.ActiveWorkflow
}

// NewMemoryActiveWorkflowRepository creates an empty store.
func NewMemoryActiveWorkflowRepository() *MemoryActiveWorkflowRepository {
	return &MemoryActiveWorkflowRepository{active: make(map[string]models.ActiveWorkflow)}
}

func (r *MemoryActiveWorkflowRepository) Set(_ context.Context, aw *models.ActiveWorkflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := *aw
	saved.UpdatedAt = time.Now().UTC()
	r.active[aw.SessionID] = saved
	return nil
}

func (r *MemoryActiveWorkflowRepository) Get(_ context.Context, sessionID string) (*models.ActiveWorkflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	aw, ok := r.active[sessionID]
	if !ok {
		return &models.ActiveWorkflow{SessionID: sessionID}, nil
	}
	return &aw, nil
}

func (r *MemoryActiveWorkflowRepository) Clear(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, sessionID)
	return nil
}
