package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/schedule/models"
)

// MemoryScheduleRepository is the in-process store used in tests.
type MemoryScheduleRepository struct {
	mu        sync.Mutex
	schedules map[string]models.Schedule
}

// NewMemoryScheduleRepository creates an empty store.
func NewMemoryScheduleRepository() *MemoryScheduleRepository {
	return &MemoryScheduleRepository{schedules: make(map[string]models.Schedule)}
}

func (r *MemoryScheduleRepository) Create(_ context.Context, s *models.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schedules[s.ID]; exists {
		return a2a.E(a2a.KindConflict, "schedule %s already exists", s.ID)
	}
	r.schedules[s.ID] = *s
	return nil
}

func (r *MemoryScheduleRepository) Update(_ context.Context, s *models.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schedules[s.ID]; !exists {
		return a2a.E(a2a.KindNotFound, "schedule %s not found", s.ID)
	}
	r.schedules[s.ID] = *s
	return nil
}

func (r *MemoryScheduleRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schedules, id)
	return nil
}

func (r *MemoryScheduleRepository) Get(_ context.Context, id string) (*models.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, a2a.E(a2a.KindNotFound, "schedule %s not found", id)
	}
	return &s, nil
}

func (r *MemoryScheduleRepository) List(_ context.Context) ([]*models.Schedule, error) {
	return r.list(""), nil
}

func (r *MemoryScheduleRepository) ListBySession(_ context.Context, sessionID string) ([]*models.Schedule, error) {
	return r.list(sessionID), nil
}

func (r *MemoryScheduleRepository) list(sessionID string) []*models.Schedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Schedule
	for _, s := range r.schedules {
		if sessionID != "" && s.SessionID != sessionID {
			continue
		}
		copy := s
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MemoryRunRepository is the in-process run history store.
type MemoryRunRepository struct {
	mu   sync.Mutex
	runs []models.RunRecord
}

// NewMemoryRunRepository creates an empty store.
func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{}
}

func (r *MemoryRunRepository) Record(_ context.Context, rec *models.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *rec)
	return nil
}

func (r *MemoryRunRepository) History(_ context.Context, scheduleID string, limit int) ([]*models.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.RunRecord
	for _, rec := range r.runs {
		if rec.ScheduleID == scheduleID {
			copy := rec
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
