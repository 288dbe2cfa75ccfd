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
	"github.com/agentmesh/agentmesh/internal/schedule/models"
)

const scheduleSchema = `
CREATE TABLE IF NOT EXISTS schedules (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	definition  TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_session ON schedules(session_id);

CREATE TABLE IF NOT EXISTS schedule_runs (
	id               TEXT PRIMARY KEY,
	schedule_id      TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	started_at       TIMESTAMP NOT NULL,
	completed_at     TIMESTAMP,
	status           TEXT NOT NULL,
	execution_time_s REAL NOT NULL,
	result_excerpt   TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_schedule_runs_schedule ON schedule_runs(schedule_id, started_at)`

// SQLScheduleRepository stores the schedule definition as a JSON column;
// only lookup keys get their own columns.
type SQLScheduleRepository struct {
	db *database.DB
}

// NewSQLScheduleRepository creates the tables if needed.
func NewSQLScheduleRepository(db *database.DB) (*SQLScheduleRepository, error) {
	if _, err := db.Exec(scheduleSchema); err != nil {
		return nil, fmt.Errorf("failed to create schedule tables: %w", err)
	}
	return &SQLScheduleRepository{db: db}, nil
}

func (r *SQLScheduleRepository) Create(ctx context.Context, s *models.Schedule) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return err
	}
	query := r.db.Rebind(`INSERT INTO schedules (id, session_id, workflow_id, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err = r.db.ExecContext(ctx, query, s.ID, s.SessionID, s.WorkflowID, string(blob), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *SQLScheduleRepository) Update(ctx context.Context, s *models.Schedule) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return err
	}
	query := r.db.Rebind(`UPDATE schedules SET session_id = ?, workflow_id = ?, definition = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, s.SessionID, s.WorkflowID, string(blob), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return a2a.E(a2a.KindNotFound, "schedule %s not found", s.ID)
	}
	return nil
}

func (r *SQLScheduleRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM schedules WHERE id = ?`), id)
	return err
}

func (r *SQLScheduleRepository) Get(ctx context.Context, id string) (*models.Schedule, error) {
	var definition string
	err := r.db.GetContext(ctx, &definition, r.db.Rebind(`SELECT definition FROM schedules WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, a2a.E(a2a.KindNotFound, "schedule %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeSchedule(definition)
}

func (r *SQLScheduleRepository) List(ctx context.Context) ([]*models.Schedule, error) {
	return r.list(ctx, `SELECT definition FROM schedules ORDER BY created_at`)
}

func (r *SQLScheduleRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.Schedule, error) {
	return r.list(ctx, r.db.Rebind(`SELECT definition FROM schedules WHERE session_id = ? ORDER BY created_at`), sessionID)
}

func (r *SQLScheduleRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Schedule, error) {
	var rows []string
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*models.Schedule, 0, len(rows))
	for _, definition := range rows {
		s, err := decodeSchedule(definition)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeSchedule(definition string) (*models.Schedule, error) {
	var s models.Schedule
	if err := json.Unmarshal([]byte(definition), &s); err != nil {
		return nil, fmt.Errorf("failed to decode schedule: %w", err)
	}
	return &s, nil
}

// SQLRunRepository persists run history. Shares the connection with the
// schedule repository.
type SQLRunRepository struct {
	db *database.DB
}

// NewSQLRunRepository assumes the schema was created by
// NewSQLScheduleRepository.
func NewSQLRunRepository(db *database.DB) *SQLRunRepository {
	return &SQLRunRepository{db: db}
}

func (r *SQLRunRepository) Record(ctx context.Context, rec *models.RunRecord) error {
	query := r.db.Rebind(`INSERT INTO schedule_runs
		(id, schedule_id, session_id, started_at, completed_at, status, execution_time_s, result_excerpt, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	var completed interface{}
	if rec.CompletedAt != nil {
		completed = rec.CompletedAt.UTC()
	}
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.ScheduleID, rec.SessionID, rec.StartedAt.UTC(), completed,
		rec.Status, rec.ExecutionTimeS, rec.ResultExcerpt, rec.Error)
	return err
}

func (r *SQLRunRepository) History(ctx context.Context, scheduleID string, limit int) ([]*models.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []struct {
		ID             string       `db:"id"`
		ScheduleID     string       `db:"schedule_id"`
		SessionID      string       `db:"session_id"`
		StartedAt      time.Time    `db:"started_at"`
		CompletedAt    sql.NullTime `db:"completed_at"`
		Status         string       `db:"status"`
		ExecutionTimeS float64      `db:"execution_time_s"`
		ResultExcerpt  string       `db:"result_excerpt"`
		Error          string       `db:"error"`
	}
	query := r.db.Rebind(`SELECT id, schedule_id, session_id, started_at, completed_at, status,
		execution_time_s, result_excerpt, error
		FROM schedule_runs WHERE schedule_id = ? ORDER BY started_at DESC LIMIT ?`)
	if err := r.db.SelectContext(ctx, &rows, query, scheduleID, limit); err != nil {
		return nil, err
	}
	out := make([]*models.RunRecord, 0, len(rows))
	for _, row := range rows {
		rec := &models.RunRecord{
			ID:             row.ID,
			ScheduleID:     row.ScheduleID,
			SessionID:      row.SessionID,
			StartedAt:      row.StartedAt,
			Status:         row.Status,
			ExecutionTimeS: row.ExecutionTimeS,
			ResultExcerpt:  row.ResultExcerpt,
			Error:          row.Error,
		}
		if row.CompletedAt.Valid {
			t := row.CompletedAt.Time
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	return out, nil
}
