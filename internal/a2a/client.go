package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	agentmodels "github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

const (
	// maxSSEBuffer bounds a single server event.
	maxSSEBuffer = 1 << 20

	// retryBase and retryCap shape the reconnect backoff.
	retryBase = 2 * time.Second
	retryCap  = 45 * time.Second

	// maxStuckApprovals is how many consecutive requires_action states
	// without new tool calls are tolerated before the task fails.
	maxStuckApprovals = 3

	// transcriptWindow is how much conversation context is surfaced to a
	// human operator on escalation.
	transcriptWindow = 20
)

// ArtifactPutter uploads raw bytes and returns an HTTPS URI reachable by
// remote agents. Implemented by the artifact store.
type ArtifactPutter interface {
	Put(ctx context.Context, sessionID, name string, data []byte, mimeType string) (string, error)
}

// RawAttachment carries caller-supplied bytes that must be uploaded before
// dispatch.
type RawAttachment struct {
	Name     string
	MimeType string
	Role     string
	Bytes    []byte
}

// SendOptions tune a single dispatch.
type SendOptions struct {
	Timeout            time.Duration
	CollectArtifacts   bool
	WorkflowText       string
	WorkflowGoal       string
	AvailableWorkflows []WorkflowSummary
	Attachments        []RawAttachment
	// History is the conversation so far, used as escalation context.
	History []TranscriptEntry
	// EscalationTimeout overrides the configured human response window.
	EscalationTimeout time.Duration
}

// AgentReply is the aggregated result of one dispatch.
type AgentReply struct {
	Text       string                   `json:"text"`
	FileParts  []FileRef                `json:"file_parts,omitempty"`
	DataParts  []map[string]interface{} `json:"data_parts,omitempty"`
	ToolsUsed  []string                 `json:"tools_used,omitempty"`
	TokenUsage *TokenUsage              `json:"token_usage,omitempty"`
	TaskID     string                   `json:"task_id"`
}

// Client sends A2A messages to remote agents and translates their event
// streams into bus events.
type Client struct {
	httpClient *http.Client
	cfg        config.TransportConfig
	tasks      *Manager
	bus        bus.EventBus
	store      ArtifactPutter
	logger     *logger.Logger

	// retryBase is overridable in tests.
	retryBase time.Duration
}

// NewClient creates a transport client.
func NewClient(cfg config.TransportConfig, tasks *Manager, b bus.EventBus, store ArtifactPutter, log *logger.Logger) *Client {
	connectTimeout := time.Duration(cfg.ConnectTimeout) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 60 * time.Second
	}
	transport := &http.Transport{
		ResponseHeaderTimeout: connectTimeout,
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		cfg:        cfg,
		tasks:      tasks,
		bus:        b,
		store:      store,
		logger:     log.WithFields(zap.String("component", "a2a_client")),
		retryBase:  retryBase,
	}
}

// Tasks exposes the task manager for resume/cancel surfaces.
func (c *Client) Tasks() *Manager { return c.tasks }

// Send dispatches the message to the agent and blocks until the task
// reaches a terminal state or the human-escalation path resolves.
func (c *Client) Send(ctx context.Context, agent agentmodels.EnabledAgent, msg Message, opts SendOptions) (*AgentReply, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(c.cfg.ReadTimeout) * time.Second
	}
	if opts.EscalationTimeout <= 0 {
		opts.EscalationTimeout = time.Duration(c.cfg.EscalationTimeout) * time.Second
	}

	sessionID := bus.SessionOf(msg.ContextID)
	for _, att := range opts.Attachments {
		uri, err := c.store.Put(ctx, sessionID, att.Name, att.Bytes, att.MimeType)
		if err != nil {
			return nil, Wrap(KindStore, err, "uploading attachment %q", att.Name)
		}
		msg.Parts = append(msg.Parts, FilePart(att.Name, uri, att.MimeType, att.Role))
	}

	task, err := c.tasks.Begin(ctx, msg.ContextID, agent.Descriptor.Name)
	if err != nil {
		return nil, err
	}

	reply, err := c.run(ctx, agent, msg, opts, task, 0)
	if err != nil {
		// Terminal state was set by the failing path; make sure a task that
		// slipped through is not left dangling.
		if t, ok := c.tasks.Get(task.ID); ok && !t.State.Terminal() {
			_ = c.tasks.Transition(ctx, task.ID, TaskFailed, err.Error())
		}
		return nil, err
	}
	return reply, nil
}

// Cancel aborts an in-flight task: best-effort abort call to the remote
// agent, then the canceled transition.
func (c *Client) Cancel(ctx context.Context, agentURL, taskID string) error {
	body, _ := json.Marshal(map[string]string{"taskId": taskID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(agentURL, "/")+"/tasks/cancel", bytes.NewReader(body))
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		if resp, postErr := c.httpClient.Do(req); postErr == nil {
			_ = resp.Body.Close()
		}
	}
	return c.tasks.Transition(ctx, taskID, TaskCanceled, "")
}

// Wake pings the agent's health endpoint with the short wake-up timeout.
func (c *Client) Wake(ctx context.Context, agentURL string) error {
	timeout := time.Duration(c.cfg.WakeupTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(agentURL, "/")+"/health", nil)
	if err != nil {
		return Wrap(KindValidation, err, "building health request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Wrap(KindAgentUnreachable, err, "health ping %s", agentURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return E(KindAgentUnreachable, "health ping %s returned %d", agentURL, resp.StatusCode)
	}
	return nil
}

// run performs the dispatch once started; resumeDepth guards the
// escalation re-entry.
func (c *Client) run(ctx context.Context, agent agentmodels.EnabledAgent, msg Message, opts SendOptions, task *Task, resumeDepth int) (*AgentReply, error) {
	workflowText := opts.WorkflowText
	if opts.WorkflowGoal != "" {
		workflowText = strings.TrimSpace(workflowText + "\n\nGoal: " + opts.WorkflowGoal)
	}
	body, err := BuildEnvelope(msg, workflowText, opts.AvailableWorkflows)
	if err != nil {
		return nil, err
	}

	c.publish(ctx, events.TypeOutgoingAgentMessage, msg.ContextID, map[string]interface{}{
		"agent":   agent.Descriptor.Name,
		"task_id": task.ID,
		"text":    msg.Text(),
	})

	resp, err := c.post(ctx, agent.ChosenURL, "/message/send", body)
	if err != nil {
		_ = c.tasks.Transition(ctx, task.ID, TaskFailed, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.tasks.Transition(ctx, task.ID, TaskRunning, ""); err != nil {
		return nil, err
	}

	reply, escalated, err := c.consume(ctx, agent, msg.ContextID, task, resp.Body, opts)
	if err != nil {
		_ = c.tasks.Transition(ctx, task.ID, TaskFailed, err.Error())
		return nil, err
	}
	reply.TaskID = task.ID

	if escalated {
		return c.escalate(ctx, agent, msg, opts, task, reply, resumeDepth)
	}

	if err := c.tasks.Transition(ctx, task.ID, TaskCompleted, ""); err != nil {
		return nil, err
	}
	c.publish(ctx, events.TypeMessageComplete, msg.ContextID, map[string]interface{}{
		"task_id": task.ID,
		"text":    reply.Text,
	})
	return reply, nil
}

// post sends the envelope with bounded exponential backoff on connect
// failures and server errors.
func (c *Client) post(ctx context.Context, baseURL, path string, body []byte) (*http.Response, error) {
	url := strings.TrimRight(baseURL, "/") + path

	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	delay := c.retryBase
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, Wrap(KindTimeout, ctx.Err(), "dispatch to %s", url)
			}
			delay *= 2
			if delay > retryCap {
				delay = retryCap
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, Wrap(KindValidation, err, "building request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, Wrap(KindTimeout, ctx.Err(), "dispatch to %s", url)
			}
			lastErr = err
			c.logger.Warn("agent connect failed",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("agent returned %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, E(KindProtocol, "agent %s rejected dispatch with %d", url, resp.StatusCode)
		}
		return resp, nil
	}
	return nil, Wrap(KindAgentUnreachable, lastErr, "agent %s unreachable after %d retries", url, maxRetries)
}

// sseRead is one blocking read off the event stream.
type sseRead struct {
	raw []byte
	err error
}

// consume reads the SSE stream and aggregates the reply. Returns
// escalated=true when the agent asked for a human. Reads happen on a
// separate goroutine so a connection stalling mid-event hits the read
// timeout, not just the overall turn budget.
func (c *Client) consume(ctx context.Context, agent agentmodels.EnabledAgent, contextID string, task *Task, stream io.Reader, opts SendOptions) (*AgentReply, bool, error) {
	reader := sse.NewEventStreamReader(stream, maxSSEBuffer)
	reply := &AgentReply{}

	var builder strings.Builder
	var finalText string
	stuck := 0
	var lastToolCallIDs string

	deadline := time.Now().Add(opts.Timeout)
	idleTimeout := time.Duration(c.cfg.ReadTimeout) * time.Second
	if idleTimeout <= 0 || idleTimeout > opts.Timeout {
		idleTimeout = opts.Timeout
	}

	reads := make(chan sseRead)
	done := make(chan struct{})
	defer close(done)
	go func() {
		// The caller closes the response body on return, which fails the
		// pending ReadEvent and lets this goroutine exit.
		for {
			raw, err := reader.ReadEvent()
			select {
			case reads <- sseRead{raw: raw, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		if time.Now().After(deadline) {
			return nil, false, E(KindTimeout, "agent %s stream exceeded %s", agent.Descriptor.Name, opts.Timeout)
		}

		var read sseRead
		select {
		case read = <-reads:
		case <-idle.C:
			return nil, false, E(KindTimeout, "agent %s stream stalled for %s", agent.Descriptor.Name, idleTimeout)
		case <-ctx.Done():
			return nil, false, Wrap(KindTimeout, ctx.Err(), "agent %s stream", agent.Descriptor.Name)
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(idleTimeout)

		raw, err := read.raw, read.err
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, Wrap(KindAgentUnreachable, err, "reading agent %s stream", agent.Descriptor.Name)
		}

		payload := sseData(raw)
		if len(payload) == 0 {
			continue
		}

		event, err := DecodeEvent(payload)
		if err != nil {
			return nil, false, err
		}

		switch event.EventType {
		case remoteEventChunk:
			text := textOf(event.Parts)
			builder.WriteString(text)
			c.publish(ctx, events.TypeMessageChunk, contextID, map[string]interface{}{
				"task_id": task.ID,
				"text":    text,
			})

		case remoteEventMessage:
			c.publish(ctx, events.TypeMessage, contextID, map[string]interface{}{
				"task_id": task.ID,
				"text":    textOf(event.Parts),
			})
			c.collectParts(ctx, contextID, task, event.Parts, reply, opts)

		case remoteEventComplete, remoteEventFinal:
			if text := textOf(event.Parts); text != "" {
				finalText = text
			}
			c.collectParts(ctx, contextID, task, event.Parts, reply, opts)
			if event.Usage != nil {
				reply.TokenUsage = event.Usage
			}

		case remoteEventArtifact:
			c.collectParts(ctx, contextID, task, event.Parts, reply, opts)

		case remoteEventToolUse:
			for _, tc := range event.ToolCalls {
				reply.ToolsUsed = append(reply.ToolsUsed, tc.Name)
			}
			c.publish(ctx, events.TypeRemoteAgentActivity, contextID, map[string]interface{}{
				"task_id":  task.ID,
				"agent":    agent.Descriptor.Name,
				"activity": "tool_use",
			})

		case remoteEventRequiresAction:
			ids := toolCallIDs(event.ToolCalls)
			if ids == lastToolCallIDs || len(event.ToolCalls) == 0 {
				stuck++
				if stuck >= maxStuckApprovals {
					return nil, false, E(KindProtocol, "agent %s stuck in requires_action", agent.Descriptor.Name)
				}
			} else {
				stuck = 0
			}
			lastToolCallIDs = ids

			if err := c.approveTools(ctx, agent, task.ID, event.ToolCalls); err != nil {
				return nil, false, err
			}
			for _, tc := range event.ToolCalls {
				reply.ToolsUsed = append(reply.ToolsUsed, tc.Name)
			}

		case remoteEventStatus:
			c.publish(ctx, events.TypeRemoteAgentActivity, contextID, map[string]interface{}{
				"task_id": task.ID,
				"agent":   agent.Descriptor.Name,
				"status":  event.Data,
			})

		case remoteEventError:
			detail := ""
			if event.Data != nil {
				detail, _ = event.Data["error"].(string)
			}
			return nil, false, E(KindProtocol, "agent %s reported error: %s", agent.Descriptor.Name, detail)

		default:
			// Unknown sub-events pass through for observability.
			c.publish(ctx, events.TypeRemoteAgentActivity, contextID, map[string]interface{}{
				"task_id":  task.ID,
				"agent":    agent.Descriptor.Name,
				"activity": event.EventType,
			})
		}
	}

	if finalText == "" {
		finalText = builder.String()
	}
	reply.Text = finalText

	if strings.TrimSpace(finalText) == EscalationSentinel {
		return reply, true, nil
	}
	return reply, false, nil
}

// escalate parks the task in input_required with the conversation
// transcript attached, waits for a human response, and resumes the agent
// with it.
func (c *Client) escalate(ctx context.Context, agent agentmodels.EnabledAgent, msg Message, opts SendOptions, task *Task, reply *AgentReply, resumeDepth int) (*AgentReply, error) {
	if resumeDepth >= 2 {
		_ = c.tasks.Transition(ctx, task.ID, TaskFailed, "repeated human escalation")
		return nil, E(KindProtocol, "agent %s escalated repeatedly", agent.Descriptor.Name)
	}

	transcript := append([]TranscriptEntry{}, opts.History...)
	transcript = append(transcript, TranscriptEntry{Speaker: "user", Text: msg.Text()})
	if len(transcript) > transcriptWindow {
		transcript = transcript[len(transcript)-transcriptWindow:]
	}
	c.tasks.SetTranscript(task.ID, transcript)

	if err := c.tasks.Transition(ctx, task.ID, TaskInputRequired, ""); err != nil {
		return nil, err
	}
	c.publish(ctx, events.TypeTaskUpdated, msg.ContextID, map[string]interface{}{
		"task_id":    task.ID,
		"state":      string(TaskInputRequired),
		"transcript": transcript,
	})

	resp, err := c.tasks.AwaitResume(ctx, task.ID, opts.EscalationTimeout)
	if err != nil {
		_ = c.tasks.Transition(ctx, task.ID, TaskFailed, err.Error())
		return nil, err
	}

	if err := c.tasks.Transition(ctx, task.ID, TaskRunning, ""); err != nil {
		return nil, err
	}

	followup := NewUserMessage(msg.ContextID, append(append([]Part{}, msg.Parts...),
		TextPart("\n[human operator] "+resp.Text))...)
	opts.History = append(opts.History, TranscriptEntry{Speaker: "human", Text: resp.Text})

	body, err := BuildEnvelope(followup, opts.WorkflowText, opts.AvailableWorkflows)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.post(ctx, agent.ChosenURL, "/message/send", body)
	if err != nil {
		_ = c.tasks.Transition(ctx, task.ID, TaskFailed, err.Error())
		return nil, err
	}
	defer httpResp.Body.Close()

	next, escalated, err := c.consume(ctx, agent, msg.ContextID, task, httpResp.Body, opts)
	if err != nil {
		_ = c.tasks.Transition(ctx, task.ID, TaskFailed, err.Error())
		return nil, err
	}
	next.TaskID = task.ID
	next.ToolsUsed = append(reply.ToolsUsed, next.ToolsUsed...)
	next.FileParts = append(reply.FileParts, next.FileParts...)
	next.DataParts = append(reply.DataParts, next.DataParts...)

	if escalated {
		return c.escalate(ctx, agent, followup, opts, task, next, resumeDepth+1)
	}

	if err := c.tasks.Transition(ctx, task.ID, TaskCompleted, ""); err != nil {
		return nil, err
	}
	c.publish(ctx, events.TypeMessageComplete, msg.ContextID, map[string]interface{}{
		"task_id": task.ID,
		"text":    next.Text,
	})
	return next, nil
}

// approveTools answers a requires_action state according to the agent's
// approval policy.
func (c *Client) approveTools(ctx context.Context, agent agentmodels.EnabledAgent, taskID string, calls []ToolCall) error {
	approved := agent.Descriptor.Approval() == agentmodels.ToolApprovalAuto

	type approval struct {
		ToolCallID string `json:"toolCallId"`
		Approved   bool   `json:"approved"`
	}
	approvals := make([]approval, 0, len(calls))
	for _, tc := range calls {
		approvals = append(approvals, approval{ToolCallID: tc.ID, Approved: approved})
	}
	body, err := json.Marshal(map[string]interface{}{
		"taskId":    taskID,
		"approvals": approvals,
	})
	if err != nil {
		return Wrap(KindProtocol, err, "encoding approvals")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(agent.ChosenURL, "/")+"/tool-approval", bytes.NewReader(body))
	if err != nil {
		return Wrap(KindValidation, err, "building approval request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Wrap(KindAgentUnreachable, err, "approving tools for %s", agent.Descriptor.Name)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return E(KindProtocol, "agent %s rejected tool approval with %d", agent.Descriptor.Name, resp.StatusCode)
	}

	c.logger.Debug("approved tool calls",
		zap.String("agent", agent.Descriptor.Name),
		zap.Int("count", len(calls)),
		zap.Bool("approved", approved))
	return nil
}

// collectParts routes file and data parts from an event into the reply and
// onto the bus.
func (c *Client) collectParts(ctx context.Context, contextID string, task *Task, parts []Part, reply *AgentReply, opts SendOptions) {
	for _, p := range parts {
		switch p.Kind {
		case PartFile:
			if p.File == nil {
				continue
			}
			reply.FileParts = append(reply.FileParts, *p.File)
			c.tasks.AddArtifacts(task.ID, *p.File)
			c.publish(ctx, events.TypeFileUploaded, contextID, map[string]interface{}{
				"task_id":   task.ID,
				"name":      p.File.Name,
				"uri":       p.File.URI,
				"mime_type": p.File.MimeType,
				"role":      p.File.Role,
			})
		case PartData:
			reply.DataParts = append(reply.DataParts, p.Data)
		}
	}
}

func (c *Client) publish(ctx context.Context, eventType, contextID string, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, bus.NewEvent(eventType, contextID, data)); err != nil {
		c.logger.Warn("failed to publish transport event", zap.Error(err))
	}
}

func textOf(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func toolCallIDs(calls []ToolCall) string {
	ids := make([]string, 0, len(calls))
	for _, tc := range calls {
		ids = append(ids, tc.ID)
	}
	return strings.Join(ids, ",")
}
