package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/agent/repository"
	"github.com/agentmesh/agentmesh/internal/common/logger"
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

func descriptor(name string) models.AgentDescriptor {
	return models.AgentDescriptor{
		Name:        name,
		Description: "test agent",
		URLs:        models.AgentURLs{Dev: "http://localhost:9000", Production: "https://" + name + ".example.com"},
		Streaming:   true,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry(repository.NewMemoryRepository(), newTestLogger(t))
	ctx := context.Background()

	created, err := r.Register(ctx, descriptor("painter"))
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	got, ok := r.Get("painter")
	require.True(t, ok)
	assert.Equal(t, "painter", got.Name)

	_, ok = r.Get("unknown")
	assert.False(t, ok)
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	r := NewRegistry(repository.NewMemoryRepository(), newTestLogger(t))
	ctx := context.Background()

	_, err := r.Register(ctx, descriptor("painter"))
	require.NoError(t, err)
	_, err = r.Register(ctx, descriptor("painter"))
	require.Error(t, err)
	assert.Equal(t, a2a.KindConflict, a2a.KindOf(err))
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(nil, newTestLogger(t))
	ctx := context.Background()

	_, err := r.Register(ctx, models.AgentDescriptor{URLs: models.AgentURLs{Dev: "http://x"}})
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))

	_, err = r.Register(ctx, models.AgentDescriptor{Name: "no-urls"})
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))

	d := descriptor("bad-policy")
	d.ToolApproval = "maybe"
	_, err = r.Register(ctx, d)
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))
}

func TestUpdateRequiresExisting(t *testing.T) {
	r := NewRegistry(repository.NewMemoryRepository(), newTestLogger(t))
	ctx := context.Background()

	_, err := r.Update(ctx, descriptor("ghost"))
	assert.Equal(t, a2a.KindNotFound, a2a.KindOf(err))

	created, err := r.Register(ctx, descriptor("painter"))
	require.NoError(t, err)

	d := descriptor("painter")
	d.Description = "updated"
	updated, err := r.Update(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "updated", updated.Description)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
}

func TestUpsertAndListSorted(t *testing.T) {
	r := NewRegistry(repository.NewMemoryRepository(), newTestLogger(t))
	ctx := context.Background()

	for _, name := range []string{"writer", "painter", "mailer"} {
		_, err := r.Upsert(ctx, descriptor(name))
		require.NoError(t, err)
	}
	d := descriptor("painter")
	d.Description = "v2"
	_, err := r.Upsert(ctx, d)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"mailer", "painter", "writer"},
		[]string{list[0].Name, list[1].Name, list[2].Name})
	assert.Equal(t, "v2", list[1].Description)
}

func TestDeleteIdempotentAndLoad(t *testing.T) {
	repo := repository.NewMemoryRepository()
	r := NewRegistry(repo, newTestLogger(t))
	ctx := context.Background()

	_, err := r.Register(ctx, descriptor("painter"))
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "painter"))
	require.NoError(t, r.Delete(ctx, "painter"))

	_, err = r.Register(ctx, descriptor("writer"))
	require.NoError(t, err)

	// A fresh registry over the same repository sees the surviving agent.
	fresh := NewRegistry(repo, newTestLogger(t))
	require.NoError(t, fresh.Load(ctx))
	_, ok := fresh.Get("writer")
	assert.True(t, ok)
	_, ok = fresh.Get("painter")
	assert.False(t, ok)
}
