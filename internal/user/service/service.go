// Package service handles account registration and bearer-token auth.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/user/models"
	"github.com/agentmesh/agentmesh/internal/user/repository"
)

const (
	minPasswordLen       = 8
	defaultTokenDuration = 24 * time.Hour
)

// Claims is the JWT payload issued on login.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Service registers users and issues HS256 bearer tokens.
type Service struct {
	users  repository.UserRepository
	cfg    config.AuthConfig
	logger *logger.Logger
}

// NewService creates the auth service.
func NewService(users repository.UserRepository, cfg config.AuthConfig, log *logger.Logger) *Service {
	return &Service{
		users:  users,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "auth_service")),
	}
}

// Register creates an account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, email, password, name, role string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, a2a.E(a2a.KindValidation, "a valid email is required")
	}
	if len(password) < minPasswordLen {
		return nil, a2a.E(a2a.KindValidation, "password must be at least %d characters", minPasswordLen)
	}
	if role == "" {
		role = "user"
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	u := &models.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", zap.String("user_id", u.ID), zap.String("email", email))
	return u, nil
}

// Login verifies credentials and returns a signed bearer token.
func (s *Service) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.users.GetByEmail(ctx, email)
	if a2a.IsKind(err, a2a.KindNotFound) {
		return "", nil, a2a.E(a2a.KindAuth, "invalid credentials")
	}
	if err != nil {
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, a2a.E(a2a.KindAuth, "invalid credentials")
	}

	duration := s.cfg.TokenDurationTime()
	if duration <= 0 {
		duration = defaultTokenDuration
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: u.Email,
		Role:  u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		},
	})
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", nil, err
	}
	return signed, u, nil
}

// Validate parses a bearer token and returns its claims.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, a2a.E(a2a.KindAuth, "unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, a2a.Wrap(a2a.KindAuth, err, "invalid token")
	}
	return claims, nil
}

// ValidateSubject parses a bearer token and returns its subject user id.
func (s *Service) ValidateSubject(tokenString string) (string, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
