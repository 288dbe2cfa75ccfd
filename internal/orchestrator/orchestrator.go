package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/agentmesh/internal/a2a"
	agentmodels "github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

const (
	dispatchToolName = "dispatch_agent"
	selectToolName   = "select_workflow"

	defaultMaxIterations = 25
	defaultMaxParallel   = 8
	defaultTurnTimeout   = 300 * time.Second

	rateLimitBase = 2 * time.Second
)

// Transport dispatches one message to a remote agent. Implemented by the
// a2a client.
type Transport interface {
	Send(ctx context.Context, agent agentmodels.EnabledAgent, msg a2a.Message, opts a2a.SendOptions) (*a2a.AgentReply, error)
}

// TaskTable answers whether a context still has in-flight tasks.
// Implemented by the a2a task manager.
type TaskTable interface {
	Busy(contextID string) bool
}

// TurnRequest is one user message plus the session state it runs against.
type TurnRequest struct {
	ContextID          string
	Message            a2a.Message
	EnabledAgents      []agentmodels.EnabledAgent
	WorkflowText       string
	WorkflowGoal       string
	AvailableWorkflows []a2a.WorkflowSummary
	Timeout            time.Duration

	// Transport, when set, overrides the orchestrator's transport for this
	// turn. The workflow executor uses it to interpose step tracking.
	Transport Transport
}

// StepStatus records what happened to one dispatched agent call.
type StepStatus struct {
	Agent    string `json:"agent"`
	Status   string `json:"status"` // completed, failed
	Error    string `json:"error,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// TurnResult is the aggregated outcome of one conversation turn.
type TurnResult struct {
	Text             string        `json:"text"`
	Artifacts        []a2a.FileRef `json:"artifacts,omitempty"`
	Steps            []StepStatus  `json:"steps,omitempty"`
	SelectedWorkflow string        `json:"selected_workflow,omitempty"`
	Iterations       int           `json:"iterations"`
	Usage            Usage         `json:"usage"`
}

// HostOrchestrator drives the host LLM loop and fans out to remote
// agents through the transport.
type HostOrchestrator struct {
	llm       LLM
	transport Transport
	tasks     TaskTable
	bus       bus.EventBus
	cfg       config.OrchestratorConfig
	logger    *logger.Logger

	sem *semaphore.Weighted

	mu    sync.Mutex
	turns map[string]*sync.Mutex // per-context turn serialization

	// rateLimitBase is overridable in tests.
	rateLimitBase time.Duration
}

// NewHostOrchestrator creates the orchestrator.
func NewHostOrchestrator(llm LLM, transport Transport, tasks TaskTable, b bus.EventBus, cfg config.OrchestratorConfig, log *logger.Logger) *HostOrchestrator {
	parallel := int64(cfg.MaxParallelAgentCalls)
	if parallel <= 0 {
		parallel = defaultMaxParallel
	}
	return &HostOrchestrator{
		llm:           llm,
		transport:     transport,
		tasks:         tasks,
		bus:           b,
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "orchestrator")),
		sem:           semaphore.NewWeighted(parallel),
		turns:         make(map[string]*sync.Mutex),
		rateLimitBase: rateLimitBase,
	}
}

// Turn runs one conversation turn. Turns on the same context are
// serialized; a turn arriving while the context still has in-flight tasks
// is rejected.
func (o *HostOrchestrator) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	lock := o.turnLock(req.ContextID)
	if !lock.TryLock() {
		return nil, a2a.E(a2a.KindConflict, "a turn is already running on context %s", req.ContextID)
	}
	defer lock.Unlock()

	if o.tasks != nil && o.tasks.Busy(req.ContextID) {
		return nil, a2a.E(a2a.KindConflict, "context %s has an in-flight task", req.ContextID)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(o.cfg.TurnTimeout) * time.Second
	}
	if timeout <= 0 {
		timeout = defaultTurnTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := o.loop(ctx, req)
	if err != nil {
		o.publish(ctx, events.TypeError, req.ContextID, map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	o.publish(ctx, events.TypeFinalResponse, req.ContextID, map[string]interface{}{
		"text":      result.Text,
		"artifacts": result.Artifacts,
	})
	return result, nil
}

func (o *HostOrchestrator) loop(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	maxIterations := o.cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	workflowText := req.WorkflowText
	workflowGoal := req.WorkflowGoal
	result := &TurnResult{}

	// Every file the user attached or an agent produced is a candidate
	// input for later dispatches, keyed by uri with role preserved.
	pool := make(map[string]a2a.FileRef)
	for _, f := range req.Message.Files() {
		pool[f.URI] = f
	}

	messages := []ChatMessage{{Role: "user", Text: userPrompt(req.Message)}}

	for iteration := 0; iteration < maxIterations; iteration++ {
		result.Iterations = iteration + 1

		system := o.systemPrompt(req.EnabledAgents, workflowText, workflowGoal, req.AvailableWorkflows)
		tools := o.toolSpecs(req.EnabledAgents, workflowText, req.AvailableWorkflows)

		completion, err := o.complete(ctx, system, messages, tools)
		if err != nil {
			return nil, err
		}
		result.Usage.InputTokens += completion.Usage.InputTokens
		result.Usage.OutputTokens += completion.Usage.OutputTokens

		if len(completion.ToolCalls) == 0 {
			result.Text = completion.Text
			return result, nil
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Text:      completion.Text,
			ToolCalls: completion.ToolCalls,
		})

		// Workflow selection is resolved inline; dispatches fan out in
		// parallel.
		var dispatches []ToolInvocation
		var toolResults []ToolResult
		for _, tc := range completion.ToolCalls {
			if tc.Name == selectToolName {
				text, id := o.selectWorkflow(tc, req.AvailableWorkflows)
				if id != "" {
					for _, wf := range req.AvailableWorkflows {
						if wf.ID == id {
							workflowText = wf.Workflow
							workflowGoal = wf.Goal
							req.WorkflowText = workflowText
							req.WorkflowGoal = workflowGoal
							result.SelectedWorkflow = id
							break
						}
					}
				}
				toolResults = append(toolResults, ToolResult{ToolUseID: tc.ID, Content: text, IsError: id == ""})
				continue
			}
			dispatches = append(dispatches, tc)
		}

		toolResults = append(toolResults, o.dispatchAll(ctx, req, dispatches, pool, result)...)
		messages = append(messages, ChatMessage{Role: "user", ToolResults: toolResults})
	}

	return nil, a2a.E(a2a.KindTimeout, "turn exceeded %d iterations on context %s", maxIterations, req.ContextID)
}

// complete calls the LLM with exponential back-off on rate limiting.
func (o *HostOrchestrator) complete(ctx context.Context, system string, messages []ChatMessage, tools []ToolSpec) (*Completion, error) {
	maxRetries := o.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	delay := o.rateLimitBase
	for attempt := 0; ; attempt++ {
		completion, err := o.llm.Complete(ctx, system, messages, tools)
		if err == nil {
			return completion, nil
		}
		if !isRateLimited(err) {
			return nil, a2a.Wrap(a2a.KindProtocol, err, "host llm call failed")
		}
		if attempt >= maxRetries {
			return nil, a2a.Wrap(a2a.KindQuota, err, "host llm rate limited after %d retries", maxRetries)
		}
		o.logger.Warn("host llm rate limited, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, a2a.Wrap(a2a.KindTimeout, ctx.Err(), "host llm call")
		}
		delay *= 2
	}
}

type dispatchInput struct {
	Agent       string `json:"agent"`
	Message     string `json:"message"`
	Attachments []struct {
		URI  string `json:"uri"`
		Role string `json:"role,omitempty"`
	} `json:"attachments,omitempty"`
}

// dispatchAll runs the LLM's dispatch tool calls in parallel, bounded by
// the semaphore. A failed dispatch becomes an error tool result; the turn
// continues.
func (o *HostOrchestrator) dispatchAll(ctx context.Context, req TurnRequest, calls []ToolInvocation, pool map[string]a2a.FileRef, result *TurnResult) []ToolResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]ToolResult, len(calls))
	var wg sync.WaitGroup
	var mu sync.Mutex // guards pool and result

	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc ToolInvocation) {
			defer wg.Done()

			if err := o.sem.Acquire(ctx, 1); err != nil {
				results[i] = ToolResult{ToolUseID: tc.ID, Content: err.Error(), IsError: true}
				return
			}
			defer o.sem.Release(1)

			mu.Lock()
			snapshot := make(map[string]a2a.FileRef, len(pool))
			for k, v := range pool {
				snapshot[k] = v
			}
			mu.Unlock()

			started := time.Now()
			reply, agentName, err := o.dispatchOne(ctx, req, tc, snapshot)

			mu.Lock()
			defer mu.Unlock()
			status := StepStatus{
				Agent:    agentName,
				Duration: time.Since(started).Round(time.Millisecond).String(),
			}
			if err != nil {
				status.Status = "failed"
				status.Error = err.Error()
				result.Steps = append(result.Steps, status)
				results[i] = ToolResult{ToolUseID: tc.ID, Content: err.Error(), IsError: true}
				return
			}
			status.Status = "completed"
			status.TaskID = reply.TaskID
			result.Steps = append(result.Steps, status)
			for _, f := range reply.FileParts {
				pool[f.URI] = f
				result.Artifacts = append(result.Artifacts, f)
			}
			results[i] = ToolResult{ToolUseID: tc.ID, Content: replyContent(reply)}
		}(i, tc)
	}
	wg.Wait()
	return results
}

func (o *HostOrchestrator) dispatchOne(ctx context.Context, req TurnRequest, tc ToolInvocation, pool map[string]a2a.FileRef) (*a2a.AgentReply, string, error) {
	var input dispatchInput
	if err := json.Unmarshal(tc.Input, &input); err != nil {
		return nil, "", a2a.Wrap(a2a.KindValidation, err, "malformed dispatch input")
	}

	var agent *agentmodels.EnabledAgent
	for i := range req.EnabledAgents {
		if req.EnabledAgents[i].Descriptor.Name == input.Agent {
			agent = &req.EnabledAgents[i]
			break
		}
	}
	if agent == nil {
		return nil, input.Agent, a2a.E(a2a.KindNotFound, "agent %q is not enabled for this session", input.Agent)
	}

	parts := []a2a.Part{a2a.TextPart(input.Message)}
	for _, att := range input.Attachments {
		if ref, ok := pool[att.URI]; ok {
			role := ref.Role
			if att.Role != "" {
				role = att.Role
			}
			parts = append(parts, a2a.FilePart(ref.Name, ref.URI, ref.MimeType, role))
			continue
		}
		parts = append(parts, a2a.FilePart("", att.URI, "", att.Role))
	}

	transport := o.transport
	if req.Transport != nil {
		transport = req.Transport
	}
	msg := a2a.NewUserMessage(req.ContextID, parts...)
	reply, err := transport.Send(ctx, *agent, msg, a2a.SendOptions{
		CollectArtifacts: true,
		WorkflowText:     req.WorkflowText,
		WorkflowGoal:     req.WorkflowGoal,
	})
	if err != nil {
		return nil, input.Agent, err
	}
	return reply, input.Agent, nil
}

func (o *HostOrchestrator) selectWorkflow(tc ToolInvocation, available []a2a.WorkflowSummary) (string, string) {
	var input struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.Unmarshal(tc.Input, &input); err != nil || input.WorkflowID == "" {
		return "select_workflow requires a workflow_id", ""
	}
	for _, wf := range available {
		if wf.ID == input.WorkflowID {
			return fmt.Sprintf("workflow %q selected; follow its plan", wf.Name), wf.ID
		}
	}
	return fmt.Sprintf("unknown workflow %q", input.WorkflowID), ""
}

func (o *HostOrchestrator) systemPrompt(agents []agentmodels.EnabledAgent, workflowText, workflowGoal string, available []a2a.WorkflowSummary) string {
	var b strings.Builder
	b.WriteString("You are the host orchestrator of a multi-agent system. ")
	b.WriteString("You can answer directly or dispatch work to the remote agents below using the dispatch_agent tool.\n\nAgents:\n")
	for _, a := range agents {
		desc := a.Descriptor.Description
		if desc == "" && len(a.Descriptor.Skills) > 0 {
			desc = a.Descriptor.Skills[0].Name
		}
		fmt.Fprintf(&b, "- %s: %s\n", a.Descriptor.Name, desc)
	}

	if workflowText != "" {
		b.WriteString("\nExecute this workflow plan step by step. Steps sharing a number (2a, 2b) run in parallel: dispatch them in the same turn.\n")
		if workflowGoal != "" {
			fmt.Fprintf(&b, "Goal: %s\n", workflowGoal)
		}
		b.WriteString("Plan:\n")
		b.WriteString(workflowText)
		b.WriteString("\n")
	} else if len(available) > 0 {
		b.WriteString("\nThe user may intend one of these workflows. Classify the intent: if one matches, call select_workflow with its id (prefer the first declared on ties), then execute its plan. Otherwise answer directly.\n")
		for _, wf := range available {
			fmt.Fprintf(&b, "- %s (%s): %s\n", wf.ID, wf.Name, wf.Goal)
		}
	}
	return b.String()
}

func (o *HostOrchestrator) toolSpecs(agents []agentmodels.EnabledAgent, workflowText string, available []a2a.WorkflowSummary) []ToolSpec {
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Descriptor.Name)
	}

	specs := []ToolSpec{{
		Name:        dispatchToolName,
		Description: "Send a message to one of the enabled remote agents and wait for its reply.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"agent": map[string]interface{}{
					"type": "string",
					"enum": names,
				},
				"message": map[string]interface{}{"type": "string"},
				"attachments": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"uri":  map[string]interface{}{"type": "string"},
							"role": map[string]interface{}{"type": "string"},
						},
						"required": []string{"uri"},
					},
				},
			},
			"required": []string{"agent", "message"},
		},
	}}

	if workflowText == "" && len(available) > 0 {
		specs = append(specs, ToolSpec{
			Name:        selectToolName,
			Description: "Pin one of the offered workflows as the plan for this conversation.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"workflow_id": map[string]interface{}{"type": "string"},
				},
				"required": []string{"workflow_id"},
			},
		})
	}
	return specs
}

func (o *HostOrchestrator) turnLock(contextID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turns[contextID] == nil {
		o.turns[contextID] = &sync.Mutex{}
	}
	return o.turns[contextID]
}

func (o *HostOrchestrator) publish(ctx context.Context, eventType, contextID string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, bus.NewEvent(eventType, contextID, data)); err != nil {
		o.logger.Warn("failed to publish orchestrator event", zap.Error(err))
	}
}

func userPrompt(msg a2a.Message) string {
	text := msg.Text()
	files := msg.Files()
	if len(files) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nAttached files:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%s, role=%s): %s\n", f.Name, f.MimeType, f.Role, f.URI)
	}
	return b.String()
}

func replyContent(reply *a2a.AgentReply) string {
	if len(reply.FileParts) == 0 {
		return reply.Text
	}
	var b strings.Builder
	b.WriteString(reply.Text)
	b.WriteString("\n\nProduced files:\n")
	for _, f := range reply.FileParts {
		fmt.Fprintf(&b, "- %s (%s, role=%s): %s\n", f.Name, f.MimeType, f.Role, f.URI)
	}
	return b.String()
}

func isRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
