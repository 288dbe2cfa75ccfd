// Package compiler turns a workflow step/edge graph into the linear,
// labeled execution plan handed to the orchestrator.
package compiler

import (
	"fmt"
	"sort"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/workflow/models"
)

// Compile builds the execution plan. It is a pure function of the graph:
// identical input yields an identical plan.
//
// Numbering: BFS from the roots. A node with more than one unconditional
// out-edge makes its children parallel siblings sharing one integer with
// sub-letters by enqueue order. Conditional branch targets are excluded
// from the main numbering and nest under their EVALUATE parent with the
// next available number. Unreachable steps are dropped and reported.
func Compile(steps []models.Step, edges []models.Edge) (*models.ExecutionPlan, error) {
	if len(steps) == 0 {
		return nil, a2a.E(a2a.KindValidation, "workflow has no steps")
	}

	sorted := make([]models.Step, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	byID := make(map[string]models.Step, len(sorted))
	for _, s := range sorted {
		if s.ID == "" {
			return nil, a2a.E(a2a.KindValidation, "step with empty id")
		}
		if _, dup := byID[s.ID]; dup {
			return nil, a2a.E(a2a.KindValidation, "duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
	}

	outgoing := make(map[string][]models.Edge)
	incoming := make(map[string]int)
	branchTarget := make(map[string]bool)
	for _, e := range edges {
		from, ok := byID[e.FromStepID]
		if !ok {
			return nil, a2a.E(a2a.KindValidation, "edge from unknown step %q", e.FromStepID)
		}
		if _, ok := byID[e.ToStepID]; !ok {
			return nil, a2a.E(a2a.KindValidation, "edge to unknown step %q", e.ToStepID)
		}
		switch e.Condition {
		case models.ConditionNone:
		case models.ConditionTrue, models.ConditionFalse:
			if from.AgentName != models.EvaluateAgent {
				return nil, a2a.E(a2a.KindValidation,
					"conditional edge from non-%s step %q", models.EvaluateAgent, e.FromStepID)
			}
			branchTarget[e.ToStepID] = true
		default:
			return nil, a2a.E(a2a.KindValidation, "unknown edge condition %q", e.Condition)
		}
		outgoing[e.FromStepID] = append(outgoing[e.FromStepID], e)
		incoming[e.ToStepID]++
	}

	if err := rejectCycles(sorted, incoming, outgoing); err != nil {
		return nil, err
	}

	plan := &models.ExecutionPlan{Labels: make(map[string]string)}
	nextInt := 1
	var queue []string

	label := func(id, lbl string, branch *models.BranchRef) {
		s := byID[id]
		plan.Labels[id] = lbl
		plan.Entries = append(plan.Entries, models.PlanEntry{
			Label:       lbl,
			StepID:      id,
			AgentName:   s.AgentName,
			Description: s.Description,
			BranchOf:    branch,
		})
		queue = append(queue, id)
	}

	for _, s := range sorted {
		if incoming[s.ID] == 0 {
			label(s.ID, fmt.Sprintf("%d", nextInt), nil)
			nextInt++
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		s := byID[id]

		var unconditional []string
		for _, e := range outgoing[id] {
			if e.Condition != models.ConditionNone {
				continue
			}
			if _, done := plan.Labels[e.ToStepID]; done || branchTarget[e.ToStepID] {
				continue
			}
			unconditional = append(unconditional, e.ToStepID)
		}

		if len(unconditional) > 1 {
			n := nextInt
			nextInt++
			for i, child := range unconditional {
				label(child, fmt.Sprintf("%d%c", n, 'a'+i), nil)
			}
		} else if len(unconditional) == 1 {
			label(unconditional[0], fmt.Sprintf("%d", nextInt), nil)
			nextInt++
		}

		if s.AgentName != models.EvaluateAgent {
			continue
		}
		for _, cond := range []string{models.ConditionTrue, models.ConditionFalse} {
			for _, e := range outgoing[id] {
				if e.Condition != cond {
					continue
				}
				if _, done := plan.Labels[e.ToStepID]; done {
					continue
				}
				label(e.ToStepID, fmt.Sprintf("%d", nextInt), &models.BranchRef{
					PredicateLabel: plan.Labels[id],
					Branch:         cond,
				})
				nextInt++
			}
		}
	}

	for _, s := range sorted {
		if _, ok := plan.Labels[s.ID]; !ok {
			plan.Dropped = append(plan.Dropped, s.ID)
		}
	}
	return plan, nil
}

// rejectCycles checks the subgraph reachable from the roots. Stranded
// components are not the plan's problem; they get dropped instead. A graph
// with edges but no roots is all cycle.
func rejectCycles(steps []models.Step, incoming map[string]int, outgoing map[string][]models.Edge) error {
	var roots []string
	for _, s := range steps {
		if incoming[s.ID] == 0 {
			roots = append(roots, s.ID)
		}
	}
	if len(roots) == 0 {
		return a2a.E(a2a.KindValidation, "workflow graph contains a cycle")
	}

	reachable := make(map[string]bool)
	stack := append([]string{}, roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		for _, e := range outgoing[id] {
			stack = append(stack, e.ToStepID)
		}
	}

	// Kahn over the reachable subgraph.
	degree := make(map[string]int, len(reachable))
	for id := range reachable {
		degree[id] = 0
	}
	for id := range reachable {
		for _, e := range outgoing[id] {
			if reachable[e.ToStepID] {
				degree[e.ToStepID]++
			}
		}
	}
	queue := append([]string{}, roots...)
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, e := range outgoing[id] {
			if !reachable[e.ToStepID] {
				continue
			}
			degree[e.ToStepID]--
			if degree[e.ToStepID] == 0 {
				queue = append(queue, e.ToStepID)
			}
		}
	}
	if processed != len(reachable) {
		return a2a.E(a2a.KindValidation, "workflow graph contains a cycle")
	}
	return nil
}
