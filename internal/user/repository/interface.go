// Package repository persists user accounts.
package repository

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/user/models"
)

// UserRepository stores accounts keyed by id with a unique email.
type UserRepository interface {
	Create(ctx context.Context, u *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
}
