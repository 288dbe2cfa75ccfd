package a2a

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// TaskState is the lifecycle state of a dispatched agent call.
type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskRunning       TaskState = "running"
	TaskInputRequired TaskState = "input_required"
	TaskCompleted     TaskState = "completed"
	TaskFailed        TaskState = "failed"
	TaskCanceled      TaskState = "canceled"
)

// Terminal reports whether the state ends the task.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// validTransitions encodes the task state machine.
var validTransitions = map[TaskState][]TaskState{
	TaskSubmitted:     {TaskRunning, TaskFailed, TaskCanceled},
	TaskRunning:       {TaskCompleted, TaskFailed, TaskCanceled, TaskInputRequired},
	TaskInputRequired: {TaskRunning, TaskFailed, TaskCanceled},
}

// TranscriptEntry is one labeled line of conversation context handed to a
// human operator on escalation.
type TranscriptEntry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// HumanResponse resumes a task parked in input_required.
type HumanResponse struct {
	Text        string `json:"text"`
	RespondedBy string `json:"responded_by,omitempty"`
}

// Task tracks one dispatched step on a remote agent.
type Task struct {
	ID         string            `json:"id"`
	ContextID  string            `json:"context_id"`
	AgentName  string            `json:"agent_name"`
	State      TaskState         `json:"state"`
	Artifacts  []FileRef         `json:"artifacts,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	Transcript []TranscriptEntry `json:"transcript,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`

	resume chan HumanResponse
}

// clone returns a detached copy safe to read outside the manager lock.
// Caller must hold the lock.
func (t *Task) clone() *Task {
	c := *t
	c.resume = nil
	if len(t.Artifacts) > 0 {
		c.Artifacts = append([]FileRef(nil), t.Artifacts...)
	}
	if len(t.Transcript) > 0 {
		c.Transcript = append([]TranscriptEntry(nil), t.Transcript...)
	}
	return &c
}

// Manager owns the task table. Parallel dispatches within one turn may
// each hold a task on the same context; the new-user-message gate checks
// Busy before a fresh turn begins.
type Manager struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	byContext map[string]map[string]*Task // context id -> active task set

	bus    bus.EventBus
	logger *logger.Logger
}

// NewManager creates a task manager publishing lifecycle events to the bus.
func NewManager(b bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		tasks:     make(map[string]*Task),
		byContext: make(map[string]map[string]*Task),
		bus:       b,
		logger:    log.WithFields(zap.String("component", "task_manager")),
	}
}

// Begin creates a task in the submitted state.
func (m *Manager) Begin(ctx context.Context, contextID, agentName string) (*Task, error) {
	m.mu.Lock()
	t := &Task{
		ID:        uuid.New().String(),
		ContextID: contextID,
		AgentName: agentName,
		State:     TaskSubmitted,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		resume:    make(chan HumanResponse, 1),
	}
	m.tasks[t.ID] = t
	if m.byContext[contextID] == nil {
		m.byContext[contextID] = make(map[string]*Task)
	}
	m.byContext[contextID][t.ID] = t
	snap := t.clone()
	m.mu.Unlock()

	m.publish(ctx, events.TypeTaskCreated, snap, nil)
	return snap, nil
}

// Busy reports whether any task on the context is still in flight.
func (m *Manager) Busy(contextID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byContext[contextID]) > 0
}

// Get returns a snapshot of a task by id.
func (m *Manager) Get(taskID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Transition moves the task to a new state, validating against the state
// machine, and publishes the matching event.
func (m *Manager) Transition(ctx context.Context, taskID string, to TaskState, lastError string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return E(KindNotFound, "unknown task %s", taskID)
	}

	allowed := false
	for _, next := range validTransitions[t.State] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		from := t.State
		m.mu.Unlock()
		return E(KindValidation, "invalid task transition %s -> %s", from, to)
	}

	t.State = to
	t.LastError = lastError
	t.UpdatedAt = time.Now().UTC()
	if to.Terminal() {
		delete(m.byContext[t.ContextID], taskID)
		if len(m.byContext[t.ContextID]) == 0 {
			delete(m.byContext, t.ContextID)
		}
	}
	snap := t.clone()
	m.mu.Unlock()

	eventType := events.TypeTaskUpdated
	switch to {
	case TaskCompleted:
		eventType = events.TypeTaskCompleted
	case TaskFailed:
		eventType = events.TypeTaskFailed
	case TaskCanceled:
		eventType = events.TypeTaskCanceled
	}
	extra := map[string]interface{}{}
	if lastError != "" {
		extra["error"] = lastError
	}
	m.publish(ctx, eventType, snap, extra)
	return nil
}

// AddArtifacts records artifacts produced by the task.
func (m *Manager) AddArtifacts(taskID string, refs ...FileRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		t.Artifacts = append(t.Artifacts, refs...)
	}
}

// SetTranscript attaches the conversation context surfaced on escalation.
func (m *Manager) SetTranscript(taskID string, transcript []TranscriptEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		t.Transcript = transcript
	}
}

// Resume delivers a human response to a task waiting in input_required.
func (m *Manager) Resume(taskID string, resp HumanResponse) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	var state TaskState
	var resume chan HumanResponse
	if ok {
		state = t.State
		resume = t.resume
	}
	m.mu.Unlock()
	if !ok {
		return E(KindNotFound, "unknown task %s", taskID)
	}
	if state != TaskInputRequired {
		return E(KindConflict, "task %s is %s, not input_required", taskID, state)
	}

	select {
	case resume <- resp:
		return nil
	default:
		return E(KindConflict, "task %s already has a pending response", taskID)
	}
}

// AwaitResume blocks until a human response arrives, the timeout passes, or
// the context is canceled.
func (m *Manager) AwaitResume(ctx context.Context, taskID string, timeout time.Duration) (HumanResponse, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	var resume chan HumanResponse
	if ok {
		resume = t.resume
	}
	m.mu.Unlock()
	if !ok {
		return HumanResponse{}, E(KindNotFound, "unknown task %s", taskID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-resume:
		return resp, nil
	case <-timer.C:
		return HumanResponse{}, E(KindEscalationTimeout, "no human response for task %s within %s", taskID, timeout)
	case <-ctx.Done():
		return HumanResponse{}, Wrap(KindTimeout, ctx.Err(), "awaiting human response for task %s", taskID)
	}
}

// PendingEscalations lists every task currently parked in input_required
// as detached snapshots, oldest first.
func (m *Manager) PendingEscalations() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.State == TaskInputRequired {
			out = append(out, t.clone())
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UpdatedAt.Before(out[j-1].UpdatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ActiveOnContext returns snapshots of the non-terminal tasks on a
// context, oldest first.
func (m *Manager) ActiveOnContext(contextID string) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.byContext[contextID] {
		out = append(out, t.clone())
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// publish emits a lifecycle event. t must be a detached snapshot, never
// an entry of the live task table.
func (m *Manager) publish(ctx context.Context, eventType string, t *Task, extra map[string]interface{}) {
	if m.bus == nil {
		return
	}
	data := map[string]interface{}{
		"task_id": t.ID,
		"agent":   t.AgentName,
		"state":   string(t.State),
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := m.bus.Publish(ctx, bus.NewEvent(eventType, t.ContextID, data)); err != nil {
		m.logger.Warn("failed to publish task event",
			zap.String("task_id", t.ID),
			zap.Error(err))
	}
}
