package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a"
	agentmodels "github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	wfmodels "github.com/agentmesh/agentmesh/internal/workflow/models"
)

// Step outcomes reported by the executor.
const (
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// ExecuteRequest runs one compiled workflow against a context.
type ExecuteRequest struct {
	ContextID     string
	Plan          *wfmodels.ExecutionPlan
	Goal          string
	Message       a2a.Message
	EnabledAgents []agentmodels.EnabledAgent
	// Alternatives lets the orchestrator switch plans when the user's
	// intent drifts mid-conversation.
	Alternatives []a2a.WorkflowSummary
	// Timeout bounds the whole run; zero falls back to the turn default.
	Timeout time.Duration
}

// StepResult is the final status of one plan entry.
type StepResult struct {
	Label  string `json:"label"`
	Agent  string `json:"agent"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ExecuteResult is the outcome of a workflow run: the turn output plus
// per-entry statuses, including entries skipped on untaken branches.
type ExecuteResult struct {
	*TurnResult
	StepResults []StepResult `json:"step_results"`
	Partial     bool         `json:"partial"`
}

// Executor drives compiled workflow plans through the orchestrator,
// tracking which plan entries actually ran.
type Executor struct {
	orch   *HostOrchestrator
	bus    bus.EventBus
	logger *logger.Logger
}

// NewExecutor creates a workflow executor.
func NewExecutor(orch *HostOrchestrator, b bus.EventBus, log *logger.Logger) *Executor {
	return &Executor{
		orch:   orch,
		bus:    b,
		logger: log.WithFields(zap.String("component", "workflow_executor")),
	}
}

// Execute verifies the plan against the enabled-agent set, runs the turn
// with step tracking, and reports per-entry statuses. A failed step does
// not abort sibling branches; the result is marked partial instead.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.Plan == nil || len(req.Plan.Entries) == 0 {
		return nil, a2a.E(a2a.KindValidation, "execution plan is empty")
	}
	if missing := e.missingAgents(req); len(missing) > 0 {
		return nil, a2a.E(a2a.KindValidation, "plan requires agents not enabled on this session: %s",
			strings.Join(missing, ", "))
	}

	tracker := newStepTracker(e.orch.transport, e.bus, req.ContextID, req.Plan, req.Timeout)

	turn, err := e.orch.Turn(ctx, TurnRequest{
		ContextID:          req.ContextID,
		Message:            req.Message,
		EnabledAgents:      req.EnabledAgents,
		WorkflowText:       req.Plan.Text(),
		WorkflowGoal:       req.Goal,
		AvailableWorkflows: req.Alternatives,
		Timeout:            req.Timeout,
		Transport:          tracker,
	})
	if err != nil {
		return nil, err
	}

	result := &ExecuteResult{TurnResult: turn}
	for _, sr := range tracker.results(req.Plan) {
		result.StepResults = append(result.StepResults, sr)
		if sr.Status == StepFailed {
			result.Partial = true
		}
	}
	return result, nil
}

func (e *Executor) missingAgents(req ExecuteRequest) []string {
	enabled := make(map[string]bool, len(req.EnabledAgents))
	for _, a := range req.EnabledAgents {
		enabled[a.Descriptor.Name] = true
	}
	seen := make(map[string]bool)
	var missing []string
	for _, entry := range req.Plan.Entries {
		if entry.AgentName == wfmodels.EvaluateAgent {
			continue
		}
		if !enabled[entry.AgentName] && !seen[entry.AgentName] {
			seen[entry.AgentName] = true
			missing = append(missing, entry.AgentName)
		}
	}
	return missing
}

// stepTracker wraps the transport and matches each dispatch to the next
// pending plan entry for that agent, emitting step events around the call.
type stepTracker struct {
	inner     Transport
	bus       bus.EventBus
	contextID string
	budget    time.Duration
	started   time.Time

	mu      sync.Mutex
	pending []trackedEntry
	done    map[string]StepResult // label -> result
}

type trackedEntry struct {
	entry  wfmodels.PlanEntry
	active bool
}

func newStepTracker(inner Transport, b bus.EventBus, contextID string, plan *wfmodels.ExecutionPlan, budget time.Duration) *stepTracker {
	t := &stepTracker{
		inner:     inner,
		bus:       b,
		contextID: contextID,
		budget:    budget,
		started:   time.Now(),
		done:      make(map[string]StepResult),
	}
	for _, entry := range plan.Entries {
		if entry.AgentName == wfmodels.EvaluateAgent {
			continue
		}
		t.pending = append(t.pending, trackedEntry{entry: entry})
	}
	return t
}

func (t *stepTracker) Send(ctx context.Context, agent agentmodels.EnabledAgent, msg a2a.Message, opts a2a.SendOptions) (*a2a.AgentReply, error) {
	entry, remaining, ok := t.claim(agent.Descriptor.Name)
	if !ok {
		// Dispatch outside the plan; pass through untracked.
		return t.inner.Send(ctx, agent, msg, opts)
	}

	t.publish(ctx, events.TypeWorkflowStepStarted, map[string]interface{}{
		"label":       entry.Label,
		"agent":       entry.AgentName,
		"description": entry.Description,
	})

	// Soft per-step deadline: the remaining budget split across the
	// remaining steps.
	if t.budget > 0 && remaining > 0 {
		left := t.budget - time.Since(t.started)
		if per := left / time.Duration(remaining); per > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, per)
			defer cancel()
		}
	}

	reply, err := t.inner.Send(ctx, agent, msg, opts)

	status := StepResult{Label: entry.Label, Agent: entry.AgentName, Status: StepCompleted}
	if err != nil {
		status.Status = StepFailed
		status.Error = err.Error()
	}
	t.finish(entry.Label, status)

	t.publish(ctx, events.TypeWorkflowStepCompleted, map[string]interface{}{
		"label":  entry.Label,
		"agent":  entry.AgentName,
		"status": status.Status,
		"error":  status.Error,
	})
	return reply, err
}

// claim reserves the first pending entry naming the agent, plan order.
func (t *stepTracker) claim(agentName string) (wfmodels.PlanEntry, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := 0
	for i := range t.pending {
		if !t.pending[i].active {
			remaining++
		}
	}
	for i := range t.pending {
		if t.pending[i].active || t.pending[i].entry.AgentName != agentName {
			continue
		}
		t.pending[i].active = true
		return t.pending[i].entry, remaining, true
	}
	return wfmodels.PlanEntry{}, 0, false
}

func (t *stepTracker) finish(label string, result StepResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[label] = result
}

// results reports every plan entry in order. Entries never dispatched are
// skipped; an EVALUATE entry completes when any of its branch targets ran.
func (t *stepTracker) results(plan *wfmodels.ExecutionPlan) []StepResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	branchRan := make(map[string]bool) // predicate label -> a branch executed
	for _, entry := range plan.Entries {
		if entry.BranchOf == nil {
			continue
		}
		if _, ok := t.done[entry.Label]; ok {
			branchRan[entry.BranchOf.PredicateLabel] = true
		}
	}

	out := make([]StepResult, 0, len(plan.Entries))
	for _, entry := range plan.Entries {
		if sr, ok := t.done[entry.Label]; ok {
			out = append(out, sr)
			continue
		}
		status := StepSkipped
		if entry.AgentName == wfmodels.EvaluateAgent && branchRan[entry.Label] {
			status = StepCompleted
		}
		out = append(out, StepResult{Label: entry.Label, Agent: entry.AgentName, Status: status})
	}
	return out
}

func (t *stepTracker) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if t.bus == nil {
		return
	}
	_ = t.bus.Publish(ctx, bus.NewEvent(eventType, t.contextID, data))
}
