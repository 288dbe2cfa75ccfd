// Package models defines saved workflows and their compiled execution
// plans.
package models

import (
	"fmt"
	"strings"
	"time"
)

// EvaluateAgent is the reserved agent name whose steps resolve conditional
// branches. Conditional edges may originate only from these steps.
const EvaluateAgent = "EVALUATE"

// Edge conditions.
const (
	ConditionNone  = ""
	ConditionTrue  = "true"
	ConditionFalse = "false"
)

// Step is one node of the workflow graph.
type Step struct {
	ID          string `json:"id"`
	Order       int    `json:"order"`
	AgentName   string `json:"agent_name"`
	Description string `json:"description"`
}

// Edge connects two steps. Condition is empty for unconditional edges and
// "true"/"false" for branches out of an EVALUATE step.
type Edge struct {
	FromStepID string `json:"from_step_id"`
	ToStepID   string `json:"to_step_id"`
	Condition  string `json:"condition,omitempty"`
}

// Workflow is the persistent user-authored graph.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Goal      string    `json:"goal,omitempty"`
	Category  string    `json:"category,omitempty"`
	OwnerID   string    `json:"owner_id"`
	Steps     []Step    `json:"steps"`
	Edges     []Edge    `json:"edges"`
	TimeoutS  int       `json:"timeout_s,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentNames returns the distinct non-EVALUATE agents the workflow needs,
// in step order.
func (w *Workflow) AgentNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range w.Steps {
		if s.AgentName == EvaluateAgent || seen[s.AgentName] {
			continue
		}
		seen[s.AgentName] = true
		out = append(out, s.AgentName)
	}
	return out
}

// BranchRef marks a plan entry as a conditional branch target.
type BranchRef struct {
	PredicateLabel string `json:"predicate_label"`
	Branch         string `json:"branch"` // "true" or "false"
}

// PlanEntry is one line of the compiled plan. Parallel siblings share an
// integer with sub-letters ("2a", "2b").
type PlanEntry struct {
	Label       string     `json:"label"`
	StepID      string     `json:"step_id"`
	AgentName   string     `json:"agent_name"`
	Description string     `json:"description"`
	BranchOf    *BranchRef `json:"branch_of,omitempty"`
}

// ExecutionPlan is the compiler output: ordered entries, the step→label
// map, and the steps dropped as unreachable.
type ExecutionPlan struct {
	Entries []PlanEntry       `json:"entries"`
	Labels  map[string]string `json:"labels"`
	Dropped []string          `json:"dropped,omitempty"`
}

// Text renders the canonical workflow prompt handed to the orchestrator
// LLM. Branch targets nest under their EVALUATE parent.
func (p *ExecutionPlan) Text() string {
	var b strings.Builder
	for _, e := range p.Entries {
		if e.BranchOf != nil {
			fmt.Fprintf(&b, "   IF-%s → %s. [%s] %s\n",
				strings.ToUpper(e.BranchOf.Branch), e.Label, e.AgentName, e.Description)
			continue
		}
		fmt.Fprintf(&b, "%s. [%s] %s\n", e.Label, e.AgentName, e.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ActiveWorkflow is the per-session pointer to the workflow(s) a user has
// armed for routing.
type ActiveWorkflow struct {
	SessionID   string    `json:"session_id"`
	WorkflowIDs []string  `json:"workflow_ids"`
	UpdatedAt   time.Time `json:"updated_at"`
}
