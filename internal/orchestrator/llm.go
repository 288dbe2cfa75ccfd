// Package orchestrator drives the host LLM loop: one conversation turn
// that may fan out to many remote agent calls before producing a final
// answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrRateLimited marks upstream 429 responses so the loop can back off.
var ErrRateLimited = errors.New("llm rate limited")

// ToolSpec advertises one callable tool to the LLM.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolInvocation is one tool call emitted by the LLM.
type ToolInvocation struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult feeds a tool outcome back into the conversation.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ChatMessage is one turn of the LLM conversation.
type ChatMessage struct {
	Role        string // "user" or "assistant"
	Text        string
	ToolCalls   []ToolInvocation // assistant turns
	ToolResults []ToolResult     // user turns carrying tool outcomes
}

// Usage is the token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is one LLM response: final text, tool calls, or both.
type Completion struct {
	Text       string
	ToolCalls  []ToolInvocation
	StopReason string
	Usage      Usage
}

// LLM is the host model abstraction. Implementations must wrap upstream
// rate limiting as ErrRateLimited.
type LLM interface {
	Complete(ctx context.Context, system string, messages []ChatMessage, tools []ToolSpec) (*Completion, error)
}
