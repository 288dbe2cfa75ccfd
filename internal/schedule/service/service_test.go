package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/a2a"
	agentmodels "github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/orchestrator"
	"github.com/agentmesh/agentmesh/internal/schedule/models"
	"github.com/agentmesh/agentmesh/internal/schedule/repository"
	wfmodels "github.com/agentmesh/agentmesh/internal/workflow/models"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

type fakeAgents struct{ known map[string]agentmodels.AgentDescriptor }

func (f fakeAgents) Get(name string) (agentmodels.AgentDescriptor, bool) {
	d, ok := f.known[name]
	return d, ok
}

type fakeWorkflows struct{ workflows map[string]*wfmodels.Workflow }

func (f fakeWorkflows) Compile(_ context.Context, id string) (*wfmodels.Workflow, *wfmodels.ExecutionPlan, error) {
	w, ok := f.workflows[id]
	if !ok {
		return nil, nil, a2a.E(a2a.KindNotFound, "workflow %s not found", id)
	}
	plan := &wfmodels.ExecutionPlan{}
	for i, step := range w.Steps {
		plan.Entries = append(plan.Entries, wfmodels.PlanEntry{
			Label:       string(rune('1' + i)),
			StepID:      step.ID,
			AgentName:   step.AgentName,
			Description: step.Description,
		})
	}
	return w, plan, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	requests []orchestrator.ExecuteRequest
	delay    time.Duration
	err      error
}

func (f *fakeRunner) Execute(ctx context.Context, req orchestrator.ExecuteRequest) (*orchestrator.ExecuteResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, a2a.Wrap(a2a.KindTimeout, ctx.Err(), "run timed out")
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.ExecuteResult{TurnResult: &orchestrator.TurnResult{Text: "scheduled run output"}}, nil
}

func (f *fakeRunner) calls() []orchestrator.ExecuteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]orchestrator.ExecuteRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func reportWorkflow() *wfmodels.Workflow {
	return &wfmodels.Workflow{
		ID:   "wf-1",
		Name: "daily-report",
		Goal: "compile the daily report",
		Steps: []wfmodels.Step{
			{ID: "s1", Order: 1, AgentName: "collector", Description: "gather metrics"},
			{ID: "s2", Order: 2, AgentName: "writer", Description: "write the report"},
		},
	}
}

func newTestScheduler(t *testing.T, runner Runner) (*Scheduler, *repository.MemoryScheduleRepository, *repository.MemoryRunRepository) {
	schedules := repository.NewMemoryScheduleRepository()
	runs := repository.NewMemoryRunRepository()
	agents := fakeAgents{known: map[string]agentmodels.AgentDescriptor{
		"collector": {Name: "collector", URLs: agentmodels.AgentURLs{Dev: "http://c.dev", Production: "http://c.prod"}},
		"writer":    {Name: "writer", URLs: agentmodels.AgentURLs{Dev: "http://w.dev", Production: "http://w.prod"}},
	}}
	workflows := fakeWorkflows{workflows: map[string]*wfmodels.Workflow{"wf-1": reportWorkflow()}}
	cfg := config.SchedulerConfig{Enabled: true, RunTimeout: 120, HistoryLimit: 50}
	s := NewScheduler(cfg, schedules, runs, agents, workflows, runner, newTestLogger(t))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, schedules, runs
}

func intervalSchedule() *models.Schedule {
	return &models.Schedule{
		WorkflowID:      "wf-1",
		SessionID:       "owner-session",
		Type:            models.TypeInterval,
		IntervalMinutes: 5,
		Enabled:         true,
	}
}

func TestCreateValidatesSpec(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeRunner{})

	_, err := s.Create(context.Background(), &models.Schedule{WorkflowID: "wf-1", Type: models.TypeInterval})
	require.Error(t, err)
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))

	_, err = s.Create(context.Background(), &models.Schedule{
		WorkflowID: "missing", Type: models.TypeInterval, IntervalMinutes: 5,
	})
	assert.Equal(t, a2a.KindNotFound, a2a.KindOf(err))

	created, err := s.Create(context.Background(), intervalSchedule())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
}

func TestRunNowSynthesizesSchedulerSession(t *testing.T) {
	runner := &fakeRunner{}
	s, _, _ := newTestScheduler(t, runner)

	created, err := s.Create(context.Background(), intervalSchedule())
	require.NoError(t, err)

	rec, err := s.RunNow(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, rec.Status)
	assert.Equal(t, "scheduled run output", rec.ResultExcerpt)

	calls := runner.calls()
	require.Len(t, calls, 1)
	// Isolated scheduler session, never the owner's live session.
	assert.True(t, strings.HasPrefix(calls[0].ContextID, "scheduler::"+created.ID+"::"))
	assert.NotContains(t, calls[0].ContextID, "owner-session")
	assert.True(t, strings.HasPrefix(rec.SessionID, "scheduler::"))

	// Agents come from the global registry on production endpoints.
	require.Len(t, calls[0].EnabledAgents, 2)
	assert.Equal(t, "http://c.prod", calls[0].EnabledAgents[0].ChosenURL)
	assert.Equal(t, "http://w.prod", calls[0].EnabledAgents[1].ChosenURL)
}

func TestOverlapSkipRecorded(t *testing.T) {
	runner := &fakeRunner{delay: 150 * time.Millisecond}
	s, _, runs := newTestScheduler(t, runner)

	created, err := s.Create(context.Background(), intervalSchedule())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = s.RunNow(context.Background(), created.ID)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(runner.calls()) == 1 }, time.Second, time.Millisecond)

	// A tick while the first run is in flight must not execute.
	rec, err := s.RunNow(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSkippedOverlap, rec.Status)
	<-done

	assert.Len(t, runner.calls(), 1)
	history, err := runs.History(context.Background(), created.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	statuses := []string{history[0].Status, history[1].Status}
	assert.Contains(t, statuses, models.RunSkippedOverlap)
	assert.Contains(t, statuses, models.RunSuccess)
}

func TestMaxRunsSelfDisables(t *testing.T) {
	runner := &fakeRunner{}
	s, schedules, runs := newTestScheduler(t, runner)

	sched := intervalSchedule()
	sched.MaxRuns = 2
	created, err := s.Create(context.Background(), sched)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec, err := s.RunNow(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunSuccess, rec.Status)
	}

	latest, err := schedules.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.RunCount)
	assert.False(t, latest.Enabled)

	history, err := runs.History(context.Background(), created.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	for _, rec := range history {
		assert.True(t, strings.HasPrefix(rec.SessionID, "scheduler::"))
	}
}

func TestOnceSelfDisables(t *testing.T) {
	runner := &fakeRunner{}
	s, schedules, _ := newTestScheduler(t, runner)

	at := time.Now().UTC().Add(time.Hour)
	created, err := s.Create(context.Background(), &models.Schedule{
		WorkflowID: "wf-1",
		SessionID:  "owner-session",
		Type:       models.TypeOnce,
		RunAt:      &at,
		Enabled:    true,
	})
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), created.ID)
	require.NoError(t, err)

	latest, err := schedules.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, latest.Enabled)
}

func TestRunTimeoutRecorded(t *testing.T) {
	runner := &fakeRunner{delay: time.Minute}
	s, _, _ := newTestScheduler(t, runner)

	sched := intervalSchedule()
	sched.TimeoutS = 1 // capped well below the runner delay
	created, err := s.Create(context.Background(), sched)
	require.NoError(t, err)

	start := time.Now()
	rec, err := s.RunNow(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunTimeout, rec.Status)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRetryOnFailure(t *testing.T) {
	runner := &fakeRunner{err: a2a.E(a2a.KindAgentUnreachable, "collector down")}
	s, _, _ := newTestScheduler(t, runner)

	sched := intervalSchedule()
	sched.RetryOnFailure = true
	sched.MaxRetries = 2
	created, err := s.Create(context.Background(), sched)
	require.NoError(t, err)

	rec, err := s.RunNow(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, rec.Status)
	assert.Contains(t, rec.Error, "collector down")
	assert.Len(t, runner.calls(), 3) // initial + 2 retries
}

func TestUnregisteredAgentFailsRun(t *testing.T) {
	runner := &fakeRunner{}
	schedules := repository.NewMemoryScheduleRepository()
	runs := repository.NewMemoryRunRepository()
	workflows := fakeWorkflows{workflows: map[string]*wfmodels.Workflow{"wf-1": reportWorkflow()}}
	s := NewScheduler(config.SchedulerConfig{RunTimeout: 120},
		schedules, runs, fakeAgents{}, workflows, runner, newTestLogger(t))

	created, err := s.Create(context.Background(), intervalSchedule())
	require.NoError(t, err)

	rec, err := s.RunNow(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, rec.Status)
	assert.Contains(t, rec.Error, "unregistered agent")
	assert.Empty(t, runner.calls())
}

func TestCronSpecs(t *testing.T) {
	at := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	cases := []struct {
		sched models.Schedule
		want  string
	}{
		{models.Schedule{Type: models.TypeOnce, RunAt: &at}, "30 9 15 3 *"},
		{models.Schedule{Type: models.TypeInterval, IntervalMinutes: 5}, "@every 5m"},
		{models.Schedule{Type: models.TypeDaily, TimeOfDay: "08:15"}, "15 8 * * *"},
		{models.Schedule{Type: models.TypeWeekly, TimeOfDay: "08:15", DaysOfWeek: []int{1, 3}}, "15 8 * * 1,3"},
		{models.Schedule{Type: models.TypeMonthly, TimeOfDay: "23:00", DayOfMonth: 1}, "0 23 1 * *"},
		{models.Schedule{Type: models.TypeCron, CronExpr: "*/10 * * * *"}, "*/10 * * * *"},
		{models.Schedule{Type: models.TypeDaily, TimeOfDay: "08:15", Timezone: "Europe/Berlin"}, "CRON_TZ=Europe/Berlin 15 8 * * *"},
	}
	for _, tc := range cases {
		got, err := tc.sched.CronSpec()
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := (&models.Schedule{Type: models.TypeWeekly, TimeOfDay: "08:15"}).CronSpec()
	assert.Error(t, err)
	_, err = (&models.Schedule{Type: "hourly"}).CronSpec()
	assert.Error(t, err)
}

func TestToggleArmsAndDisarms(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeRunner{})

	sched := intervalSchedule()
	sched.Enabled = false
	created, err := s.Create(context.Background(), sched)
	require.NoError(t, err)

	upcoming, err := s.ListUpcoming(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, upcoming)

	_, err = s.Toggle(context.Background(), created.ID, true)
	require.NoError(t, err)
	upcoming, err = s.ListUpcoming(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, created.ID, upcoming[0].ScheduleID)

	_, err = s.Toggle(context.Background(), created.ID, false)
	require.NoError(t, err)
	upcoming, err = s.ListUpcoming(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, upcoming)
}

func TestExcerptKeepsRunesIntact(t *testing.T) {
	assert.Equal(t, "short", excerpt("  short  "))

	// A multibyte rune straddling the limit is dropped, not split.
	long := strings.Repeat("a", excerptLimit-1) + "世界"
	got := excerpt(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", excerptLimit-1), got)
	assert.LessOrEqual(t, len(got), excerptLimit)

	ascii := strings.Repeat("b", excerptLimit+40)
	assert.Equal(t, strings.Repeat("b", excerptLimit), excerpt(ascii))
}
