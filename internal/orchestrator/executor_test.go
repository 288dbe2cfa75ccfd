package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	wfmodels "github.com/agentmesh/agentmesh/internal/workflow/models"
)

func sequentialPlan() *wfmodels.ExecutionPlan {
	return &wfmodels.ExecutionPlan{
		Entries: []wfmodels.PlanEntry{
			{Label: "1", StepID: "s1", AgentName: "researcher", Description: "gather"},
			{Label: "2", StepID: "s2", AgentName: "writer", Description: "draft"},
			{Label: "3", StepID: "s3", AgentName: "reviewer", Description: "review"},
		},
	}
}

func newTestExecutor(t *testing.T, llm LLM, tr Transport, b bus.EventBus) *Executor {
	return NewExecutor(newTestOrchestrator(t, llm, tr, b), b, newTestLogger(t))
}

func TestExecuteSequentialPlan(t *testing.T) {
	llm := &scriptedLLM{script: []*Completion{
		{ToolCalls: []ToolInvocation{dispatchCall("tc1", "researcher", "gather")}},
		{ToolCalls: []ToolInvocation{dispatchCall("tc2", "writer", "draft")}},
		{ToolCalls: []ToolInvocation{dispatchCall("tc3", "reviewer", "review")}},
		{Text: "workflow done"},
	}}
	tr := &fakeTransport{}
	b := bus.NewMemoryEventBus(newTestLogger(t))
	defer b.Close()
	sub, err := b.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ex := newTestExecutor(t, llm, tr, b)
	res, err := ex.Execute(context.Background(), ExecuteRequest{
		ContextID:     "s1::c1",
		Plan:          sequentialPlan(),
		Goal:          "ship a brief",
		Message:       a2a.NewUserMessage("s1::c1", a2a.TextPart("run the workflow")),
		EnabledAgents: enabled("researcher", "writer", "reviewer"),
	})
	require.NoError(t, err)
	assert.Equal(t, "workflow done", res.Text)
	assert.False(t, res.Partial)

	require.Len(t, res.StepResults, 3)
	for i, label := range []string{"1", "2", "3"} {
		assert.Equal(t, label, res.StepResults[i].Label)
		assert.Equal(t, StepCompleted, res.StepResults[i].Status)
	}

	// Step events interleave around each dispatch: started 1, completed 1,
	// started 2, ... then the final response.
	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 7 {
		select {
		case ev := <-sub.C():
			switch ev.Type {
			case events.TypeWorkflowStepStarted:
				got = append(got, "start:"+ev.Data["label"].(string))
			case events.TypeWorkflowStepCompleted:
				got = append(got, "done:"+ev.Data["label"].(string))
			case events.TypeFinalResponse:
				got = append(got, "final")
			}
		case <-deadline:
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{"start:1", "done:1", "start:2", "done:2", "start:3", "done:3", "final"}, got)
}

func TestExecuteRejectsMissingAgents(t *testing.T) {
	ex := newTestExecutor(t, &scriptedLLM{}, &fakeTransport{}, nil)
	_, err := ex.Execute(context.Background(), ExecuteRequest{
		ContextID:     "s1::c1",
		Plan:          sequentialPlan(),
		Message:       a2a.NewUserMessage("s1::c1", a2a.TextPart("go")),
		EnabledAgents: enabled("researcher"),
	})
	require.Error(t, err)
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))
	assert.Contains(t, err.Error(), "writer")
	assert.Contains(t, err.Error(), "reviewer")
}

func TestExecutePartialSuccessOnParallelBranch(t *testing.T) {
	plan := &wfmodels.ExecutionPlan{
		Entries: []wfmodels.PlanEntry{
			{Label: "1", StepID: "s1", AgentName: "researcher", Description: "gather"},
			{Label: "2a", StepID: "s2", AgentName: "painter", Description: "illustrate"},
			{Label: "2b", StepID: "s3", AgentName: "writer", Description: "draft"},
		},
	}
	llm := &scriptedLLM{script: []*Completion{
		{ToolCalls: []ToolInvocation{dispatchCall("tc1", "researcher", "gather")}},
		{ToolCalls: []ToolInvocation{
			dispatchCall("tc2", "painter", "illustrate"),
			dispatchCall("tc3", "writer", "draft"),
		}},
		{Text: "mostly done"},
	}}
	tr := &fakeTransport{errs: map[string]error{
		"painter": a2a.E(a2a.KindTimeout, "painter timed out"),
	}}

	ex := newTestExecutor(t, llm, tr, nil)
	res, err := ex.Execute(context.Background(), ExecuteRequest{
		ContextID:     "s1::c1",
		Plan:          plan,
		Message:       a2a.NewUserMessage("s1::c1", a2a.TextPart("go")),
		EnabledAgents: enabled("researcher", "painter", "writer"),
	})
	require.NoError(t, err)
	assert.True(t, res.Partial)

	byLabel := map[string]StepResult{}
	for _, sr := range res.StepResults {
		byLabel[sr.Label] = sr
	}
	assert.Equal(t, StepCompleted, byLabel["1"].Status)
	assert.Equal(t, StepFailed, byLabel["2a"].Status)
	assert.Contains(t, byLabel["2a"].Error, "timed out")
	// The sibling branch kept going.
	assert.Equal(t, StepCompleted, byLabel["2b"].Status)
}

func TestExecuteRecordsSkippedBranch(t *testing.T) {
	plan := &wfmodels.ExecutionPlan{
		Entries: []wfmodels.PlanEntry{
			{Label: "1", StepID: "s1", AgentName: "classifier", Description: "triage"},
			{Label: "2", StepID: "s2", AgentName: wfmodels.EvaluateAgent, Description: "is it urgent?"},
			{Label: "3", StepID: "s3", AgentName: "pager", Description: "page on-call",
				BranchOf: &wfmodels.BranchRef{PredicateLabel: "2", Branch: "true"}},
			{Label: "4", StepID: "s4", AgentName: "archiver", Description: "file it",
				BranchOf: &wfmodels.BranchRef{PredicateLabel: "2", Branch: "false"}},
		},
	}
	// The model resolves the predicate and takes only the false branch.
	llm := &scriptedLLM{script: []*Completion{
		{ToolCalls: []ToolInvocation{dispatchCall("tc1", "classifier", "triage")}},
		{ToolCalls: []ToolInvocation{dispatchCall("tc2", "archiver", "file it")}},
		{Text: "archived"},
	}}

	ex := newTestExecutor(t, llm, &fakeTransport{}, nil)
	res, err := ex.Execute(context.Background(), ExecuteRequest{
		ContextID:     "s1::c1",
		Plan:          plan,
		Message:       a2a.NewUserMessage("s1::c1", a2a.TextPart("handle this ticket")),
		EnabledAgents: enabled("classifier", "pager", "archiver"),
	})
	require.NoError(t, err)
	assert.False(t, res.Partial)

	byLabel := map[string]StepResult{}
	for _, sr := range res.StepResults {
		byLabel[sr.Label] = sr
	}
	assert.Equal(t, StepCompleted, byLabel["1"].Status)
	// The predicate counts as resolved because one branch ran.
	assert.Equal(t, StepCompleted, byLabel["2"].Status)
	assert.Equal(t, StepSkipped, byLabel["3"].Status)
	assert.Equal(t, StepCompleted, byLabel["4"].Status)
}

func TestExecuteEmptyPlan(t *testing.T) {
	ex := newTestExecutor(t, &scriptedLLM{}, &fakeTransport{}, nil)
	_, err := ex.Execute(context.Background(), ExecuteRequest{
		ContextID: "s1::c1",
		Plan:      &wfmodels.ExecutionPlan{},
		Message:   a2a.NewUserMessage("s1::c1", a2a.TextPart("go")),
	})
	require.Error(t, err)
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))
}

func TestExecutePinsPlanTextOnDispatches(t *testing.T) {
	llm := &scriptedLLM{script: []*Completion{
		{ToolCalls: []ToolInvocation{dispatchCall("tc1", "researcher", "gather")}},
		{Text: "done"},
	}}
	tr := &fakeTransport{}
	ex := newTestExecutor(t, llm, tr, nil)

	plan := sequentialPlan()
	_, err := ex.Execute(context.Background(), ExecuteRequest{
		ContextID:     "s1::c1",
		Plan:          plan,
		Goal:          "ship it",
		Message:       a2a.NewUserMessage("s1::c1", a2a.TextPart("go")),
		EnabledAgents: enabled("researcher", "writer", "reviewer"),
	})
	require.NoError(t, err)

	calls := tr.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, plan.Text(), calls[0].Opts.WorkflowText)
	assert.Equal(t, "ship it", calls[0].Opts.WorkflowGoal)
	assert.Contains(t, llm.systems[0], "1. [researcher] gather")
}
