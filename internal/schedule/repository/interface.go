// Package repository persists schedules and their run history.
package repository

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/schedule/models"
)

// ScheduleRepository stores schedule definitions.
type ScheduleRepository interface {
	Create(ctx context.Context, s *models.Schedule) error
	Update(ctx context.Context, s *models.Schedule) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.Schedule, error)
	// List returns every schedule, creation order.
	List(ctx context.Context) ([]*models.Schedule, error)
	// ListBySession returns the schedules owned by one session.
	ListBySession(ctx context.Context, sessionID string) ([]*models.Schedule, error)
}

// RunRepository stores run history.
type RunRepository interface {
	Record(ctx context.Context, r *models.RunRecord) error
	// History returns the most recent runs for a schedule, newest first.
	History(ctx context.Context, scheduleID string, limit int) ([]*models.RunRecord, error)
}
