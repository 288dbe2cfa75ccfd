package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/workflow/models"
)

func step(id string, order int, agent, desc string) models.Step {
	return models.Step{ID: id, Order: order, AgentName: agent, Description: desc}
}

func edge(from, to, cond string) models.Edge {
	return models.Edge{FromStepID: from, ToStepID: to, Condition: cond}
}

func TestCompileSequential(t *testing.T) {
	steps := []models.Step{
		step("s1", 1, "research", "gather sources"),
		step("s2", 2, "writer", "draft the report"),
		step("s3", 3, "mailer", "send the report"),
	}
	edges := []models.Edge{
		edge("s1", "s2", ""),
		edge("s2", "s3", ""),
	}

	plan, err := Compile(steps, edges)
	require.NoError(t, err)

	assert.Equal(t,
		"1. [research] gather sources\n"+
			"2. [writer] draft the report\n"+
			"3. [mailer] send the report",
		plan.Text())
	assert.Equal(t, map[string]string{"s1": "1", "s2": "2", "s3": "3"}, plan.Labels)
	assert.Empty(t, plan.Dropped)
}

func TestCompileNoEdges(t *testing.T) {
	steps := []models.Step{
		step("s2", 2, "writer", "draft"),
		step("s1", 1, "research", "gather"),
	}
	plan, err := Compile(steps, nil)
	require.NoError(t, err)

	// Steps order ascending, one per line.
	assert.Equal(t, "1. [research] gather\n2. [writer] draft", plan.Text())
}

func TestCompileParallelSiblings(t *testing.T) {
	steps := []models.Step{
		step("s1", 1, "splitter", "split the work"),
		step("s2", 2, "writer", "draft part one"),
		step("s3", 3, "writer", "draft part two"),
		step("s4", 4, "merger", "merge drafts"),
	}
	edges := []models.Edge{
		edge("s1", "s2", ""),
		edge("s1", "s3", ""),
		edge("s2", "s4", ""),
		edge("s3", "s4", ""),
	}

	plan, err := Compile(steps, edges)
	require.NoError(t, err)

	assert.Equal(t, "2a", plan.Labels["s2"])
	assert.Equal(t, "2b", plan.Labels["s3"])
	assert.Equal(t, "3", plan.Labels["s4"])
	assert.Equal(t,
		"1. [splitter] split the work\n"+
			"2a. [writer] draft part one\n"+
			"2b. [writer] draft part two\n"+
			"3. [merger] merge drafts",
		plan.Text())
}

func TestCompileEvaluateBranches(t *testing.T) {
	steps := []models.Step{
		step("s1", 1, "research", "gather"),
		step("ev", 2, models.EvaluateAgent, "is the data fresh?"),
		step("s2", 3, "writer", "summarize fresh data"),
		step("s3", 4, "crawler", "re-crawl sources"),
		step("s4", 5, "mailer", "send result"),
	}
	edges := []models.Edge{
		edge("s1", "ev", ""),
		edge("ev", "s2", models.ConditionTrue),
		edge("ev", "s3", models.ConditionFalse),
		edge("s2", "s4", ""),
		edge("s3", "s4", ""),
	}

	plan, err := Compile(steps, edges)
	require.NoError(t, err)

	assert.Equal(t,
		"1. [research] gather\n"+
			"2. [EVALUATE] is the data fresh?\n"+
			"   IF-TRUE → 3. [writer] summarize fresh data\n"+
			"   IF-FALSE → 4. [crawler] re-crawl sources\n"+
			"5. [mailer] send result",
		plan.Text())

	var trueEntry, falseEntry *models.PlanEntry
	for i := range plan.Entries {
		e := &plan.Entries[i]
		if e.BranchOf == nil {
			continue
		}
		switch e.BranchOf.Branch {
		case models.ConditionTrue:
			trueEntry = e
		case models.ConditionFalse:
			falseEntry = e
		}
	}
	require.NotNil(t, trueEntry)
	require.NotNil(t, falseEntry)
	assert.Equal(t, "2", trueEntry.BranchOf.PredicateLabel)
	assert.Equal(t, "2", falseEntry.BranchOf.PredicateLabel)
}

func TestCompileRejectsConditionalFromNonEvaluate(t *testing.T) {
	steps := []models.Step{
		step("s1", 1, "writer", "draft"),
		step("s2", 2, "mailer", "send"),
	}
	edges := []models.Edge{edge("s1", "s2", models.ConditionTrue)}

	_, err := Compile(steps, edges)
	require.Error(t, err)
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))
}

func TestCompileRejectsCycle(t *testing.T) {
	steps := []models.Step{
		step("s1", 1, "a", "one"),
		step("s2", 2, "b", "two"),
		step("s3", 3, "c", "three"),
	}
	edges := []models.Edge{
		edge("s1", "s2", ""),
		edge("s2", "s3", ""),
		edge("s3", "s1", ""),
	}
	_, err := Compile(steps, edges)
	require.Error(t, err)
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))
}

func TestCompileDropsUnreachable(t *testing.T) {
	steps := []models.Step{
		step("s1", 1, "a", "one"),
		step("s2", 2, "b", "two"),
		step("lost", 3, "c", "never wired in"),
		step("gone", 4, "d", "also stranded"),
	}
	// The stranded pair cycles between themselves, so neither has a root
	// path; both are omitted from the plan and reported.
	edges := []models.Edge{
		edge("s1", "s2", ""),
		edge("lost", "gone", ""),
		edge("gone", "lost", ""),
	}
	plan, err := Compile(steps, edges)
	require.NoError(t, err)
	assert.Equal(t, "1. [a] one\n2. [b] two", plan.Text())
	assert.ElementsMatch(t, []string{"lost", "gone"}, plan.Dropped)
}

func TestCompileDeterministic(t *testing.T) {
	steps := []models.Step{
		step("s1", 1, "splitter", "split"),
		step("s2", 2, "w", "p1"),
		step("s3", 3, "w", "p2"),
		step("ev", 4, models.EvaluateAgent, "check"),
		step("s5", 5, "m", "merge"),
	}
	edges := []models.Edge{
		edge("s1", "s2", ""),
		edge("s1", "s3", ""),
		edge("s2", "ev", ""),
		edge("ev", "s5", models.ConditionTrue),
	}

	first, err := Compile(steps, edges)
	require.NoError(t, err)
	second, err := Compile(steps, edges)
	require.NoError(t, err)
	assert.Equal(t, first.Entries, second.Entries)
	assert.Equal(t, first.Labels, second.Labels)
	assert.Equal(t, first.Text(), second.Text())
}

func TestCompileUnknownEdgeEndpoint(t *testing.T) {
	steps := []models.Step{step("s1", 1, "a", "one")}
	_, err := Compile(steps, []models.Edge{edge("s1", "ghost", "")})
	require.Error(t, err)
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))
}
