// Package registry holds the global table of registered remote agents.
// Read-mostly: lookups take a read lock, mutations a write lock, and
// every mutation is persisted through the repository.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Repository persists agent descriptors across restarts.
type Repository interface {
	Save(ctx context.Context, d *models.AgentDescriptor) error
	Delete(ctx context.Context, name string) error
	LoadAll(ctx context.Context) ([]*models.AgentDescriptor, error)
}

// Registry is the global agent table.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.AgentDescriptor
	repo   Repository
	logger *logger.Logger
}

// NewRegistry creates a registry backed by the given repository.
func NewRegistry(repo Repository, log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*models.AgentDescriptor),
		repo:   repo,
		logger: log.WithFields(zap.String("component", "agent_registry")),
	}
}

// Load populates the registry from persistence. Called once at startup.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	agents, err := r.repo.LoadAll(ctx)
	if err != nil {
		return a2a.Wrap(a2a.KindStore, err, "loading agent registry")
	}
	r.mu.Lock()
	for _, d := range agents {
		r.agents[d.Name] = d
	}
	r.mu.Unlock()
	r.logger.Info("agent registry loaded", zap.Int("count", len(agents)))
	return nil
}

// Register adds a new agent. Names are unique; duplicates conflict.
func (r *Registry) Register(ctx context.Context, d models.AgentDescriptor) (*models.AgentDescriptor, error) {
	if err := validate(&d); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.agents[d.Name]; exists {
		r.mu.Unlock()
		return nil, a2a.E(a2a.KindConflict, "agent %q is already registered", d.Name)
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	r.agents[d.Name] = &d
	r.mu.Unlock()

	if err := r.persist(ctx, &d); err != nil {
		return nil, err
	}
	r.logger.Info("agent registered", zap.String("name", d.Name))
	return &d, nil
}

// Update replaces an existing agent's descriptor.
func (r *Registry) Update(ctx context.Context, d models.AgentDescriptor) (*models.AgentDescriptor, error) {
	if err := validate(&d); err != nil {
		return nil, err
	}

	r.mu.Lock()
	existing, ok := r.agents[d.Name]
	if !ok {
		r.mu.Unlock()
		return nil, a2a.E(a2a.KindNotFound, "agent %q is not registered", d.Name)
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = time.Now().UTC()
	r.agents[d.Name] = &d
	r.mu.Unlock()

	if err := r.persist(ctx, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Upsert registers or updates in one call.
func (r *Registry) Upsert(ctx context.Context, d models.AgentDescriptor) (*models.AgentDescriptor, error) {
	if err := validate(&d); err != nil {
		return nil, err
	}

	r.mu.Lock()
	now := time.Now().UTC()
	if existing, ok := r.agents[d.Name]; ok {
		d.CreatedAt = existing.CreatedAt
	} else {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	r.agents[d.Name] = &d
	r.mu.Unlock()

	if err := r.persist(ctx, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Get returns a copy of the named descriptor.
func (r *Registry) Get(name string) (models.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[name]
	if !ok {
		return models.AgentDescriptor{}, false
	}
	return *d, true
}

// List returns copies of every descriptor, sorted by name.
func (r *Registry) List() []models.AgentDescriptor {
	r.mu.RLock()
	out := make([]models.AgentDescriptor, 0, len(r.agents))
	for _, d := range r.agents {
		out = append(out, *d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes the named agent. Idempotent.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	delete(r.agents, name)
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.Delete(ctx, name); err != nil {
			return a2a.Wrap(a2a.KindStore, err, "deleting agent %q", name)
		}
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, d *models.AgentDescriptor) error {
	if r.repo == nil {
		return nil
	}
	if err := r.repo.Save(ctx, d); err != nil {
		return a2a.Wrap(a2a.KindStore, err, "persisting agent %q", d.Name)
	}
	return nil
}

func validate(d *models.AgentDescriptor) error {
	if d.Name == "" {
		return a2a.E(a2a.KindValidation, "agent name is required")
	}
	if d.URLs.Dev == "" && d.URLs.Production == "" {
		return a2a.E(a2a.KindValidation, "agent %q requires at least one url", d.Name)
	}
	switch d.ToolApproval {
	case "", models.ToolApprovalAuto, models.ToolApprovalDeny:
	default:
		return a2a.E(a2a.KindValidation, "unknown tool approval policy %q", d.ToolApproval)
	}
	return nil
}
