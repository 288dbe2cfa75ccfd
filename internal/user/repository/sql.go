package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/common/database"
	"github.com/agentmesh/agentmesh/internal/user/models"
)

const userSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'user',
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
)`

// SQLUserRepository stores accounts in the shared database.
type SQLUserRepository struct {
	db *database.DB
}

// NewSQLUserRepository creates the table if needed.
func NewSQLUserRepository(db *database.DB) (*SQLUserRepository, error) {
	if _, err := db.Exec(userSchema); err != nil {
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}
	return &SQLUserRepository{db: db}, nil
}

func (r *SQLUserRepository) Create(ctx context.Context, u *models.User) error {
	query := r.db.Rebind(`INSERT INTO users (id, email, name, role, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query, u.ID, u.Email, u.Name, u.Role, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return a2a.E(a2a.KindConflict, "email %s is already registered", u.Email)
	}
	return err
}

func (r *SQLUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.get(ctx, `SELECT id, email, name, role, password_hash, created_at, updated_at FROM users WHERE email = ?`, email)
}

func (r *SQLUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.get(ctx, `SELECT id, email, name, role, password_hash, created_at, updated_at FROM users WHERE id = ?`, id)
}

func (r *SQLUserRepository) get(ctx context.Context, query, arg string) (*models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, r.db.Rebind(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, a2a.E(a2a.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
