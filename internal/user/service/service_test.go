package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/user/repository"
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

func newTestService(t *testing.T) *Service {
	cfg := config.AuthConfig{JWTSecret: "test-secret", TokenDuration: 3600}
	return NewService(repository.NewMemoryUserRepository(), cfg, newTestLogger(t))
}

func TestRegisterValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Register(ctx, "not-an-email", "longenough", "n", "")
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))

	_, err = s.Register(ctx, "a@b.test", "short", "n", "")
	assert.Equal(t, a2a.KindValidation, a2a.KindOf(err))

	u, err := s.Register(ctx, "A@B.Test", "longenough", "Ada", "")
	require.NoError(t, err)
	assert.Equal(t, "a@b.test", u.Email) // normalized
	assert.Equal(t, "user", u.Role)
	assert.NotEqual(t, "longenough", u.PasswordHash)

	_, err = s.Register(ctx, "a@b.test", "longenough", "Ada", "")
	assert.Equal(t, a2a.KindConflict, a2a.KindOf(err))
}

func TestLoginRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	registered, err := s.Register(ctx, "a@b.test", "longenough", "Ada", "admin")
	require.NoError(t, err)

	token, u, err := s.Login(ctx, "a@b.test", "longenough")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, u.ID)
	require.NotEmpty(t, token)

	claims, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, claims.Subject)
	assert.Equal(t, "a@b.test", claims.Email)
	assert.Equal(t, "admin", claims.Role)
	assert.True(t, claims.ExpiresAt.After(time.Now()))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Register(ctx, "a@b.test", "longenough", "Ada", "")
	require.NoError(t, err)

	_, _, err = s.Login(ctx, "a@b.test", "wrongpassword")
	assert.Equal(t, a2a.KindAuth, a2a.KindOf(err))

	// Unknown accounts fail identically to wrong passwords.
	_, _, err = s.Login(ctx, "nobody@b.test", "longenough")
	assert.Equal(t, a2a.KindAuth, a2a.KindOf(err))
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Register(ctx, "a@b.test", "longenough", "Ada", "")
	require.NoError(t, err)
	token, _, err := s.Login(ctx, "a@b.test", "longenough")
	require.NoError(t, err)

	_, err = s.Validate(token + "x")
	assert.Equal(t, a2a.KindAuth, a2a.KindOf(err))

	other := NewService(repository.NewMemoryUserRepository(),
		config.AuthConfig{JWTSecret: "different-secret"}, newTestLogger(t))
	_, err = other.Validate(token)
	assert.Equal(t, a2a.KindAuth, a2a.KindOf(err))
}
