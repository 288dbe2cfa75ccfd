package repository

import (
	"context"
	"sync"

	"github.com/agentmesh/agentmesh/internal/agent/models"
)

// MemoryRepository is the in-process store used in tests and when no
// database is configured.
type MemoryRepository struct {
	mu     sync.Mutex
	agents map[string]models.AgentDescriptor
}

// NewMemoryRepository creates an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{agents: make(map[string]models.AgentDescriptor)}
}

func (r *MemoryRepository) Save(_ context.Context, d *models.AgentDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[d.Name] = *d
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
	return nil
}

func (r *MemoryRepository) LoadAll(_ context.Context) ([]*models.AgentDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.AgentDescriptor, 0, len(r.agents))
	for _, d := range r.agents {
		copy := d
		out = append(out, &copy)
	}
	return out, nil
}
