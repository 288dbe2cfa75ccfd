package repository

import (
	"context"
	"sync"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/user/models"
)

// MemoryUserRepository is the in-process store used in tests.
type MemoryUserRepository struct {
	mu      sync.Mutex
	byID    map[string]models.User
	byEmail map[string]string
}

// NewMemoryUserRepository creates an empty store.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:    make(map[string]models.User),
		byEmail: make(map[string]string),
	}
}

func (r *MemoryUserRepository) Create(_ context.Context, u *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byEmail[u.Email]; exists {
		return a2a.E(a2a.KindConflict, "email %s is already registered", u.Email)
	}
	r.byID[u.ID] = *u
	r.byEmail[u.Email] = u.ID
	return nil
}

func (r *MemoryUserRepository) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byEmail[email]
	if !ok {
		return nil, a2a.E(a2a.KindNotFound, "user not found")
	}
	u := r.byID[id]
	return &u, nil
}

func (r *MemoryUserRepository) GetByID(_ context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, a2a.E(a2a.KindNotFound, "user not found")
	}
	return &u, nil
}
