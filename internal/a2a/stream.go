package a2a

import (
	"bytes"
	"encoding/json"
)

// EscalationSentinel is the exact reply text that signals a remote agent
// wants a human in the loop. Retained on the wire for compatibility; the
// internal representation is the input_required task state.
const EscalationSentinel = "HUMAN_ESCALATION_REQUIRED"

// Remote agent event types recognized on the inbound stream. The remote
// vocabulary mirrors the bus vocabulary plus the approval handshake.
const (
	remoteEventChunk          = "message_chunk"
	remoteEventMessage        = "message"
	remoteEventComplete       = "message_complete"
	remoteEventFinal          = "final_response"
	remoteEventStatus         = "task_updated"
	remoteEventArtifact       = "artifact"
	remoteEventToolUse        = "tool_use"
	remoteEventRequiresAction = "requires_action"
	remoteEventError          = "error"
)

// ToolCall is one tool invocation surfaced for approval.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// TokenUsage is the optional usage accounting reported by an agent.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AgentEvent is one normalized inbound stream event.
type AgentEvent struct {
	EventType string
	TaskID    string
	Parts     []Part
	ToolCalls []ToolCall
	Usage     *TokenUsage
	Data      map[string]interface{}
}

// wireEvent tolerates the shapes current agents emit: parts at the top
// level or nested under data, eventType also spelled type.
type wireEvent struct {
	EventType string                 `json:"eventType"`
	Type      string                 `json:"type"`
	TaskID    string                 `json:"taskId"`
	Parts     []json.RawMessage      `json:"parts"`
	ToolCalls []ToolCall             `json:"toolCalls"`
	Usage     *TokenUsage            `json:"usage"`
	Data      map[string]interface{} `json:"data"`
}

// DecodeEvent parses one inbound stream event and normalizes its parts.
func DecodeEvent(raw []byte) (*AgentEvent, error) {
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return nil, E(KindProtocol, "malformed agent event: %v", err)
	}

	eventType := we.EventType
	if eventType == "" {
		eventType = we.Type
	}
	if eventType == "" {
		return nil, E(KindProtocol, "agent event missing eventType")
	}

	rawParts := we.Parts
	if len(rawParts) == 0 && we.Data != nil {
		if nested, ok := we.Data["parts"].([]interface{}); ok {
			for _, n := range nested {
				b, err := json.Marshal(n)
				if err != nil {
					return nil, E(KindProtocol, "malformed nested part: %v", err)
				}
				rawParts = append(rawParts, b)
			}
		}
	}

	parts, err := NormalizeParts(rawParts)
	if err != nil {
		return nil, err
	}

	return &AgentEvent{
		EventType: eventType,
		TaskID:    we.TaskID,
		Parts:     parts,
		ToolCalls: we.ToolCalls,
		Usage:     we.Usage,
		Data:      we.Data,
	}, nil
}

// sseData extracts the concatenated data payload from a raw SSE event
// block as returned by the stream reader.
func sseData(raw []byte) []byte {
	var data [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(line, []byte("data:")) {
			payload := bytes.TrimPrefix(line, []byte("data:"))
			payload = bytes.TrimPrefix(payload, []byte(" "))
			data = append(data, payload)
		}
	}
	return bytes.Join(data, []byte("\n"))
}
