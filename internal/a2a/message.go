package a2a

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Role of a message within a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one conversation entry, ordered parts included.
type Message struct {
	MessageID string `json:"message_id"`
	ContextID string `json:"context_id"`
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
}

// NewUserMessage builds a user message with a fresh id.
func NewUserMessage(contextID string, parts ...Part) Message {
	return Message{
		MessageID: uuid.New().String(),
		ContextID: contextID,
		Role:      RoleUser,
		Parts:     parts,
	}
}

// Text returns the concatenated text of all text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// Files returns all file parts.
func (m Message) Files() []FileRef {
	var out []FileRef
	for _, p := range m.Parts {
		if p.Kind == PartFile && p.File != nil {
			out = append(out, *p.File)
		}
	}
	return out
}

// WorkflowSummary is the shape advertised to remote agents and to the host
// LLM when workflow routing is active.
type WorkflowSummary struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Goal     string   `json:"goal"`
	Workflow string   `json:"workflow"`
	Agents   []string `json:"agents"`
}

// envelope is the outbound message/send body.
type envelope struct {
	Params envelopeParams `json:"params"`
}

type envelopeParams struct {
	MessageID              string            `json:"messageId"`
	ContextID              string            `json:"contextId"`
	Role                   Role              `json:"role"`
	Parts                  []json.RawMessage `json:"parts"`
	AgentMode              bool              `json:"agentMode"`
	EnableInterAgentMemory bool              `json:"enableInterAgentMemory"`
	Workflow               string            `json:"workflow,omitempty"`
	AvailableWorkflows     []WorkflowSummary `json:"available_workflows,omitempty"`
}

// BuildEnvelope encodes the outbound message/send payload. Parts are
// emitted in the nested root.kind wire shape.
func BuildEnvelope(msg Message, workflowText string, available []WorkflowSummary) ([]byte, error) {
	for _, p := range msg.Parts {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	wireParts, err := MarshalWire(msg.Parts)
	if err != nil {
		return nil, Wrap(KindProtocol, err, "encoding parts")
	}
	env := envelope{Params: envelopeParams{
		MessageID:              msg.MessageID,
		ContextID:              msg.ContextID,
		Role:                   msg.Role,
		Parts:                  wireParts,
		AgentMode:              true,
		EnableInterAgentMemory: true,
		Workflow:               workflowText,
		AvailableWorkflows:     available,
	}}
	return json.Marshal(env)
}
