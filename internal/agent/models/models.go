// Package models defines remote agent descriptors shared across the host.
package models

import "time"

// Skill describes one capability advertised by a remote agent.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AgentURLs holds the per-environment endpoints of a remote agent.
type AgentURLs struct {
	Dev        string `json:"dev,omitempty"`
	Production string `json:"production,omitempty"`
}

// ToolApprovalPolicy controls how the transport answers tool-call approval
// requests surfaced by the agent's upstream LLM.
type ToolApprovalPolicy string

const (
	// ToolApprovalAuto approves every surfaced tool call.
	ToolApprovalAuto ToolApprovalPolicy = "auto"
	// ToolApprovalDeny rejects every surfaced tool call.
	ToolApprovalDeny ToolApprovalPolicy = "deny"
)

// AgentDescriptor is the global registration record for a remote agent.
// Names are unique across the registry.
type AgentDescriptor struct {
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	URLs         AgentURLs          `json:"urls"`
	Skills       []Skill            `json:"skills,omitempty"`
	InputModes   []string           `json:"input_modes,omitempty"`
	OutputModes  []string           `json:"output_modes,omitempty"`
	Streaming    bool               `json:"streaming"`
	ToolApproval ToolApprovalPolicy `json:"tool_approval,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// URL returns the endpoint for the requested environment, falling back to
// whichever is set.
func (d *AgentDescriptor) URL(production bool) string {
	if production && d.URLs.Production != "" {
		return d.URLs.Production
	}
	if d.URLs.Dev != "" {
		return d.URLs.Dev
	}
	return d.URLs.Production
}

// Approval returns the effective tool approval policy.
func (d *AgentDescriptor) Approval() ToolApprovalPolicy {
	if d.ToolApproval == "" {
		return ToolApprovalAuto
	}
	return d.ToolApproval
}

// EnabledAgent binds a descriptor to the URL chosen when a session enabled
// it. Instances are owned by exactly one session.
type EnabledAgent struct {
	Descriptor AgentDescriptor `json:"descriptor"`
	ChosenURL  string          `json:"chosen_url"`
	EnabledAt  time.Time       `json:"enabled_at"`
}
