package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/workflow/models"
	"github.com/agentmesh/agentmesh/internal/workflow/repository"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newTestService(t *testing.T, b bus.EventBus) *Service {
	return NewService(
		repository.NewMemoryWorkflowRepository(),
		repository.NewMemoryActiveWorkflowRepository(),
		b,
		newTestLogger(t),
	)
}

func sequential(owner string) *models.Workflow {
	return &models.Workflow{
		Name:    "report pipeline",
		Goal:    "research and mail a report",
		OwnerID: owner,
		Steps: []models.Step{
			{ID: "s1", Order: 1, AgentName: "research", Description: "gather"},
			{ID: "s2", Order: 2, AgentName: "writer", Description: "draft"},
		},
		Edges: []models.Edge{{FromStepID: "s1", ToStepID: "s2"}},
	}
}

func TestCreateValidatesGraph(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, sequential("u1"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	bad := sequential("u1")
	bad.Edges = []models.Edge{{FromStepID: "s1", ToStepID: "s2", Condition: models.ConditionTrue}}
	_, err = svc.Create(ctx, bad)
	require.Error(t, err)
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))

	unnamed := sequential("u1")
	unnamed.Name = ""
	_, err = svc.Create(ctx, unnamed)
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))
}

func TestUpdateEnforcesOwnership(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, sequential("u1"))
	require.NoError(t, err)

	update := sequential("u1")
	update.ID = created.ID
	update.Name = "renamed"
	_, err = svc.Update(ctx, "u2", update)
	require.Error(t, err)
	assert.Equal(t, a2a.KindAuth, a2a.KindOf(err))

	updated, err := svc.Update(ctx, "u1", update)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
}

func TestDeleteIdempotent(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, sequential("u1"))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "u1", created.ID))
	require.NoError(t, svc.Delete(ctx, "u1", created.ID))
	require.NoError(t, svc.Delete(ctx, "u1", "never-existed"))
}

func TestListScoping(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, sequential("u1"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, sequential("u2"))
	require.NoError(t, err)

	mine, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSummaries(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, sequential("u1"))
	require.NoError(t, err)

	summaries, err := svc.Summaries(ctx, []string{created.ID, "unknown"})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, created.ID, summaries[0].ID)
	assert.Equal(t, "1. [research] gather\n2. [writer] draft", summaries[0].Workflow)
	assert.Equal(t, []string{"research", "writer"}, summaries[0].Agents)
}

func TestActiveWorkflowBroadcast(t *testing.T) {
	b := bus.NewMemoryEventBus(newTestLogger(t))
	defer b.Close()
	sub, err := b.Subscribe("sess-1")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	svc := newTestService(t, b)
	ctx := context.Background()

	created, err := svc.Create(ctx, sequential("u1"))
	require.NoError(t, err)

	_, err = svc.SetActive(ctx, "sess-1", []string{created.ID})
	require.NoError(t, err)

	select {
	case ev := <-sub.C():
		assert.Equal(t, events.TypeActiveWorkflowChanged, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no active workflow event")
	}

	require.NoError(t, svc.ClearActive(ctx, "sess-1"))
	select {
	case ev := <-sub.C():
		assert.Equal(t, events.TypeActiveWorkflowsList, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no clear event")
	}

	aw, err := svc.GetActive(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, aw.WorkflowIDs)

	_, err = svc.SetActive(ctx, "sess-1", []string{"ghost"})
	assert.Equal(t, a2a.KindNotFound, a2a.KindOf(err))
}
