package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/common/database"
	"github.com/agentmesh/agentmesh/internal/workflow/models"
)

const workflowSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	name        TEXT NOT NULL,
	definition  TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_owner ON workflows(owner_id);

CREATE TABLE IF NOT EXISTS active_workflows (
	session_id   TEXT PRIMARY KEY,
	workflow_ids TEXT NOT NULL,
	updated_at   TIMESTAMP NOT NULL
)`

// SQLWorkflowRepository stores the graph definition as a JSON column; only
// lookup keys get their own columns.
type SQLWorkflowRepository struct {
	db *database.DB
}

// NewSQLWorkflowRepository creates the tables if needed.
func NewSQLWorkflowRepository(db *database.DB) (*SQLWorkflowRepository, error) {
	if _, err := db.Exec(workflowSchema); err != nil {
		return nil, fmt.Errorf("failed to create workflow tables: %w", err)
	}
	return &SQLWorkflowRepository{db: db}, nil
}

func (r *SQLWorkflowRepository) Create(ctx context.Context, w *models.Workflow) error {
	blob, err := json.Marshal(w)
	if err != nil {
		return err
	}
	query := r.db.Rebind(`INSERT INTO workflows (id, owner_id, name, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err = r.db.ExecContext(ctx, query, w.ID, w.OwnerID, w.Name, string(blob), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r *SQLWorkflowRepository) Update(ctx context.Context, w *models.Workflow) error {
	blob, err := json.Marshal(w)
	if err != nil {
		return err
	}
	query := r.db.Rebind(`UPDATE workflows SET owner_id = ?, name = ?, definition = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, w.OwnerID, w.Name, string(blob), w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return a2a.E(a2a.KindNotFound, "workflow %s not found", w.ID)
	}
	return nil
}

func (r *SQLWorkflowRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM workflows WHERE id = ?`), id)
	return err
}

func (r *SQLWorkflowRepository) Get(ctx context.Context, id string) (*models.Workflow, error) {
	var definition string
	err := r.db.GetContext(ctx, &definition, r.db.Rebind(`SELECT definition FROM workflows WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, a2a.E(a2a.KindNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var w models.Workflow
	if err := json.Unmarshal([]byte(definition), &w); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", id, err)
	}
	return &w, nil
}

func (r *SQLWorkflowRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	query := `SELECT definition FROM workflows ORDER BY created_at`
	args := []interface{}{}
	if ownerID != "" {
		query = r.db.Rebind(`SELECT definition FROM workflows WHERE owner_id = ? ORDER BY created_at`)
		args = append(args, ownerID)
	}
	var rows []string
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*models.Workflow, 0, len(rows))
	for _, definition := range rows {
		var w models.Workflow
		if err := json.Unmarshal([]byte(definition), &w); err != nil {
			return nil, fmt.Errorf("failed to decode workflow: %w", err)
		}
		out = append(out, &w)
	}
	return out, nil
}

// SQLActiveWorkflowRepository persists the per-session active workflow
// pointer. Shares the connection with the workflow repository.
type SQLActiveWorkflowRepository struct {
	db *database.DB
}

// NewSQLActiveWorkflowRepository assumes the schema was created by
// NewSQLWorkflowRepository.
func NewSQLActiveWorkflowRepository(db *database.DB) *SQLActiveWorkflowRepository {
	return &SQLActiveWorkflowRepository{db: db}
}

func (r *SQLActiveWorkflowRepository) Set(ctx context.Context, aw *models.ActiveWorkflow) error {
	ids, err := json.Marshal(aw.WorkflowIDs)
	if err != nil {
		return err
	}
	query := r.db.Rebind(`INSERT INTO active_workflows (session_id, workflow_ids, updated_at)
		VALUES (?, ?, ?) ` +
		database.Upsert("session_id", "workflow_ids = excluded.workflow_ids, updated_at = excluded.updated_at"))
	_, err = r.db.ExecContext(ctx, query, aw.SessionID, string(ids), time.Now().UTC())
	return err
}

func (r *SQLActiveWorkflowRepository) Get(ctx context.Context, sessionID string) (*models.ActiveWorkflow, error) {
	var row struct {
		WorkflowIDs string    `db:"workflow_ids"`
		UpdatedAt   time.Time `db:"updated_at"`
	}
	err := r.db.GetContext(ctx, &row,
		r.db.Rebind(`SELECT workflow_ids, updated_at FROM active_workflows WHERE session_id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.ActiveWorkflow{SessionID: sessionID}, nil
	}
	if err != nil {
		return nil, err
	}
	aw := &models.ActiveWorkflow{SessionID: sessionID, UpdatedAt: row.UpdatedAt}
	if err := json.Unmarshal([]byte(row.WorkflowIDs), &aw.WorkflowIDs); err != nil {
		return nil, err
	}
	return aw, nil
}

func (r *SQLActiveWorkflowRepository) Clear(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		r.db.Rebind(`DELETE FROM active_workflows WHERE session_id = ?`), sessionID)
	return err
}
