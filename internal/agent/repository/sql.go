// Package repository persists agent descriptors.
package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/common/database"
)

const agentSchema = `
CREATE TABLE IF NOT EXISTS agents (
	name        TEXT PRIMARY KEY,
	descriptor  TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
)`

// SQLRepository stores descriptors as JSON rows keyed by name. Descriptor
// shapes change often enough that a column-per-field layout is not worth
// the migrations.
type SQLRepository struct {
	db *database.DB
}

// NewSQLRepository creates the table if needed.
func NewSQLRepository(db *database.DB) (*SQLRepository, error) {
	if _, err := db.Exec(agentSchema); err != nil {
		return nil, fmt.Errorf("failed to create agents table: %w", err)
	}
	return &SQLRepository{db: db}, nil
}

func (r *SQLRepository) Save(ctx context.Context, d *models.AgentDescriptor) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode agent %q: %w", d.Name, err)
	}
	query := r.db.Rebind(`INSERT INTO agents (name, descriptor, created_at, updated_at)
		VALUES (?, ?, ?, ?) ` +
		database.Upsert("name", "descriptor = excluded.descriptor, updated_at = excluded.updated_at"))
	_, err = r.db.ExecContext(ctx, query, d.Name, string(blob), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r *SQLRepository) Delete(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agents WHERE name = ?`), name)
	return err
}

func (r *SQLRepository) LoadAll(ctx context.Context) ([]*models.AgentDescriptor, error) {
	var rows []struct {
		Name       string `db:"name"`
		Descriptor string `db:"descriptor"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT name, descriptor FROM agents`); err != nil {
		return nil, err
	}

	out := make([]*models.AgentDescriptor, 0, len(rows))
	for _, row := range rows {
		var d models.AgentDescriptor
		if err := json.Unmarshal([]byte(row.Descriptor), &d); err != nil {
			return nil, fmt.Errorf("failed to decode agent %q: %w", row.Name, err)
		}
		out = append(out, &d)
	}
	return out, nil
}
