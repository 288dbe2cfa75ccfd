// Package service fires workflow schedules and records their runs.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a"
	agentmodels "github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/orchestrator"
	"github.com/agentmesh/agentmesh/internal/schedule/models"
	"github.com/agentmesh/agentmesh/internal/schedule/repository"
	wfmodels "github.com/agentmesh/agentmesh/internal/workflow/models"
)

const (
	// maxRunTimeout caps every scheduled run regardless of configuration.
	maxRunTimeout = 120 * time.Second

	excerptLimit = 500
)

// AgentSource resolves globally registered agents. Implemented by the
// agent registry.
type AgentSource interface {
	Get(name string) (agentmodels.AgentDescriptor, bool)
}

// WorkflowSource compiles stored workflows. Implemented by the workflow
// service.
type WorkflowSource interface {
	Compile(ctx context.Context, id string) (*wfmodels.Workflow, *wfmodels.ExecutionPlan, error)
}

// Runner executes a compiled plan. Implemented by the workflow executor.
type Runner interface {
	Execute(ctx context.Context, req orchestrator.ExecuteRequest) (*orchestrator.ExecuteResult, error)
}

// Scheduler arms schedules on a cron engine and executes their workflows
// in isolated scheduler sessions.
type Scheduler struct {
	cfg       config.SchedulerConfig
	schedules repository.ScheduleRepository
	runs      repository.RunRepository
	agents    AgentSource
	workflows WorkflowSource
	runner    Runner
	logger    *logger.Logger

	engine  *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
	running map[string]bool
	wg      sync.WaitGroup
}

// NewScheduler creates the scheduler. Call Start to arm persisted
// schedules.
func NewScheduler(cfg config.SchedulerConfig, schedules repository.ScheduleRepository, runs repository.RunRepository,
	agents AgentSource, workflows WorkflowSource, runner Runner, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		schedules: schedules,
		runs:      runs,
		agents:    agents,
		workflows: workflows,
		runner:    runner,
		logger:    log.WithFields(zap.String("component", "scheduler")),
		engine:    cron.New(),
		entries:   make(map[string]cron.EntryID),
		running:   make(map[string]bool),
	}
}

// Start arms every enabled persisted schedule and starts the engine.
func (s *Scheduler) Start(ctx context.Context) error {
	all, err := s.schedules.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	for _, sched := range all {
		if !sched.Enabled {
			continue
		}
		if err := s.arm(sched); err != nil {
			s.logger.Error("failed to arm schedule",
				zap.String("schedule_id", sched.ID),
				zap.Error(err))
		}
	}
	s.engine.Start()
	s.logger.Info("scheduler started", zap.Int("armed", len(s.entries)))
	return nil
}

// Stop disarms everything and waits for in-flight runs.
func (s *Scheduler) Stop(ctx context.Context) {
	engineCtx := s.engine.Stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-engineCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timed out with runs in flight")
	}
}

// Create validates, persists, and arms a schedule.
func (s *Scheduler) Create(ctx context.Context, sched *models.Schedule) (*models.Schedule, error) {
	if err := s.validate(ctx, sched); err != nil {
		return nil, err
	}
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	if err := s.schedules.Create(ctx, sched); err != nil {
		return nil, err
	}
	if sched.Enabled {
		if err := s.arm(sched); err != nil {
			return nil, err
		}
	}
	s.logger.Info("schedule created",
		zap.String("schedule_id", sched.ID),
		zap.String("workflow_id", sched.WorkflowID),
		zap.String("type", sched.Type))
	return sched, nil
}

// Update replaces a schedule and re-arms it.
func (s *Scheduler) Update(ctx context.Context, sched *models.Schedule) (*models.Schedule, error) {
	if err := s.validate(ctx, sched); err != nil {
		return nil, err
	}
	existing, err := s.schedules.Get(ctx, sched.ID)
	if err != nil {
		return nil, err
	}
	sched.CreatedAt = existing.CreatedAt
	sched.RunCount = existing.RunCount
	sched.UpdatedAt = time.Now().UTC()
	if err := s.schedules.Update(ctx, sched); err != nil {
		return nil, err
	}
	s.disarm(sched.ID)
	if sched.Enabled {
		if err := s.arm(sched); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// Delete disarms and removes a schedule. Idempotent.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.disarm(id)
	return s.schedules.Delete(ctx, id)
}

// Get returns one schedule.
func (s *Scheduler) Get(ctx context.Context, id string) (*models.Schedule, error) {
	return s.schedules.Get(ctx, id)
}

// List returns every schedule, or one session's when sessionID is set.
func (s *Scheduler) List(ctx context.Context, sessionID string) ([]*models.Schedule, error) {
	if sessionID == "" {
		return s.schedules.List(ctx)
	}
	return s.schedules.ListBySession(ctx, sessionID)
}

// Toggle enables or disables a schedule.
func (s *Scheduler) Toggle(ctx context.Context, id string, enabled bool) (*models.Schedule, error) {
	sched, err := s.schedules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched.Enabled == enabled {
		return sched, nil
	}
	sched.Enabled = enabled
	sched.UpdatedAt = time.Now().UTC()
	if err := s.schedules.Update(ctx, sched); err != nil {
		return nil, err
	}
	if enabled {
		if err := s.arm(sched); err != nil {
			return nil, err
		}
	} else {
		s.disarm(id)
	}
	return sched, nil
}

// RunNow fires a schedule immediately, subject to the overlap policy.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*models.RunRecord, error) {
	sched, err := s.schedules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.fire(sched), nil
}

// History returns the most recent runs for a schedule.
func (s *Scheduler) History(ctx context.Context, scheduleID string, limit int) ([]*models.RunRecord, error) {
	if limit <= 0 || (s.cfg.HistoryLimit > 0 && limit > s.cfg.HistoryLimit) {
		limit = s.cfg.HistoryLimit
	}
	return s.runs.History(ctx, scheduleID, limit)
}

// ListUpcoming returns the next n fires across armed schedules, soonest
// first.
func (s *Scheduler) ListUpcoming(ctx context.Context, n int) ([]models.Upcoming, error) {
	s.mu.Lock()
	byEntry := make(map[cron.EntryID]string, len(s.entries))
	for id, entryID := range s.entries {
		byEntry[entryID] = id
	}
	s.mu.Unlock()

	var out []models.Upcoming
	for _, entry := range s.engine.Entries() {
		scheduleID, ok := byEntry[entry.ID]
		if !ok || entry.Next.IsZero() {
			continue
		}
		sched, err := s.schedules.Get(ctx, scheduleID)
		if err != nil {
			continue
		}
		out = append(out, models.Upcoming{
			ScheduleID: scheduleID,
			WorkflowID: sched.WorkflowID,
			NextRun:    entry.Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *Scheduler) validate(ctx context.Context, sched *models.Schedule) error {
	if sched.WorkflowID == "" {
		return a2a.E(a2a.KindValidation, "workflow_id is required")
	}
	if _, err := sched.CronSpec(); err != nil {
		return a2a.Wrap(a2a.KindValidation, err, "invalid schedule")
	}
	if _, _, err := s.workflows.Compile(ctx, sched.WorkflowID); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) arm(sched *models.Schedule) error {
	spec, err := sched.CronSpec()
	if err != nil {
		return a2a.Wrap(a2a.KindValidation, err, "invalid schedule %s", sched.ID)
	}
	id := sched.ID
	entryID, err := s.engine.AddFunc(spec, func() { s.tick(id) })
	if err != nil {
		return a2a.Wrap(a2a.KindValidation, err, "failed to arm schedule %s", sched.ID)
	}
	s.mu.Lock()
	s.entries[sched.ID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.engine.Remove(entryID)
		delete(s.entries, id)
	}
}

// tick re-reads the schedule so a fire always sees the latest definition.
func (s *Scheduler) tick(id string) {
	sched, err := s.schedules.Get(context.Background(), id)
	if err != nil {
		s.logger.Warn("armed schedule vanished", zap.String("schedule_id", id))
		s.disarm(id)
		return
	}
	if !sched.Enabled {
		s.disarm(id)
		return
	}
	s.fire(sched)
}

// fire runs the schedule's workflow once, honoring the overlap policy, and
// records the outcome.
func (s *Scheduler) fire(sched *models.Schedule) *models.RunRecord {
	nonce := uuid.New().String()[:8]
	runSession := fmt.Sprintf("scheduler::%s::%s", sched.ID, nonce)
	started := time.Now().UTC()

	s.mu.Lock()
	if s.running[sched.ID] {
		s.mu.Unlock()
		rec := &models.RunRecord{
			ID:         uuid.New().String(),
			ScheduleID: sched.ID,
			SessionID:  runSession,
			StartedAt:  started,
			Status:     models.RunSkippedOverlap,
		}
		s.record(rec)
		s.logger.Info("skipped overlapping run", zap.String("schedule_id", sched.ID))
		return rec
	}
	s.running[sched.ID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, sched.ID)
		s.mu.Unlock()
	}()

	rec := &models.RunRecord{
		ID:         uuid.New().String(),
		ScheduleID: sched.ID,
		SessionID:  runSession,
		StartedAt:  started,
	}

	result, err := s.run(sched, runSession)
	completed := time.Now().UTC()
	rec.CompletedAt = &completed
	rec.ExecutionTimeS = completed.Sub(started).Seconds()
	switch {
	case err == nil:
		rec.Status = models.RunSuccess
		rec.ResultExcerpt = excerpt(result)
	case a2a.IsKind(err, a2a.KindTimeout):
		rec.Status = models.RunTimeout
		rec.Error = err.Error()
	default:
		rec.Status = models.RunFailed
		rec.Error = err.Error()
	}
	s.record(rec)
	s.bumpRunCount(sched)
	return rec
}

// run compiles the workflow, synthesizes agent enablement from the global
// registry on production endpoints, and executes the plan.
func (s *Scheduler) run(sched *models.Schedule, runSession string) (string, error) {
	timeout := time.Duration(sched.TimeoutS) * time.Second
	if limit := s.cfg.RunTimeoutDuration(); limit > 0 && (timeout <= 0 || timeout > limit) {
		timeout = limit
	}
	if timeout <= 0 || timeout > maxRunTimeout {
		timeout = maxRunTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	attempts := 1
	if sched.RetryOnFailure && sched.MaxRetries > 0 {
		attempts += sched.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		text, err := s.runOnce(ctx, sched, runSession, timeout)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		s.logger.Warn("scheduled run failed",
			zap.String("schedule_id", sched.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return "", lastErr
}

func (s *Scheduler) runOnce(ctx context.Context, sched *models.Schedule, runSession string, timeout time.Duration) (string, error) {
	w, plan, err := s.workflows.Compile(ctx, sched.WorkflowID)
	if err != nil {
		return "", err
	}

	enabled, err := s.synthesizeAgents(w)
	if err != nil {
		return "", err
	}

	goal := w.Goal
	if goal == "" {
		goal = "Run the " + w.Name + " workflow"
	}
	result, err := s.runner.Execute(ctx, orchestrator.ExecuteRequest{
		ContextID:     runSession,
		Plan:          plan,
		Goal:          goal,
		Message:       a2a.NewUserMessage(runSession, a2a.TextPart(goal)),
		EnabledAgents: enabled,
		Timeout:       timeout,
	})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// synthesizeAgents enables the workflow's agents from the global registry,
// preferring production endpoints.
func (s *Scheduler) synthesizeAgents(w *wfmodels.Workflow) ([]agentmodels.EnabledAgent, error) {
	var out []agentmodels.EnabledAgent
	for _, name := range w.AgentNames() {
		d, ok := s.agents.Get(name)
		if !ok {
			return nil, a2a.E(a2a.KindNotFound, "workflow %s requires unregistered agent %q", w.ID, name)
		}
		out = append(out, agentmodels.EnabledAgent{
			Descriptor: d,
			ChosenURL:  d.URL(true),
			EnabledAt:  time.Now().UTC(),
		})
	}
	return out, nil
}

// bumpRunCount advances run_count and self-disables once and max_runs
// schedules.
func (s *Scheduler) bumpRunCount(sched *models.Schedule) {
	ctx := context.Background()
	latest, err := s.schedules.Get(ctx, sched.ID)
	if err != nil {
		return
	}
	latest.RunCount++
	if latest.Type == models.TypeOnce || (latest.MaxRuns > 0 && latest.RunCount >= latest.MaxRuns) {
		latest.Enabled = false
		s.disarm(latest.ID)
	}
	latest.UpdatedAt = time.Now().UTC()
	if err := s.schedules.Update(ctx, latest); err != nil {
		s.logger.Error("failed to persist run count",
			zap.String("schedule_id", latest.ID),
			zap.Error(err))
	}
}

func (s *Scheduler) record(rec *models.RunRecord) {
	if err := s.runs.Record(context.Background(), rec); err != nil {
		s.logger.Error("failed to record run",
			zap.String("schedule_id", rec.ScheduleID),
			zap.Error(err))
	}
}

// excerpt trims the stored result to the history limit, backing off to a
// rune boundary so multibyte text is never cut mid-character.
func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= excerptLimit {
		return text
	}
	cut := excerptLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
