// Package session tracks per-session state: which remote agents a session
// has enabled, and when the session was created. Sessions never share
// state; a mutation in one session is invisible to every other.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	agentmodels "github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Session holds one user's workspace scope.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu sync.Mutex
	// enabled is copy-on-write: Snapshot hands out the current map and
	// writers replace it wholesale, so readers never observe a partial
	// mutation.
	enabled map[string]agentmodels.EnabledAgent
}

// Registry owns all sessions, keyed by session id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *logger.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   log.WithFields(zap.String("component", "session_registry")),
	}
}

// Get returns the session, creating it on first use.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.sessions[sessionID]; ok {
		return s
	}
	s = &Session{
		ID:        sessionID,
		CreatedAt: time.Now().UTC(),
		enabled:   make(map[string]agentmodels.EnabledAgent),
	}
	r.sessions[sessionID] = s
	r.logger.Debug("session created", zap.String("session_id", sessionID))
	return s
}

// Peek returns the session without creating it.
func (r *Registry) Peek(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Remove drops the session and all its enabled-agent state.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Enable adds or replaces an enabled agent for this session. The chosen URL
// defaults to the descriptor's dev endpoint.
func (s *Session) Enable(desc agentmodels.AgentDescriptor, chosenURL string) {
	if chosenURL == "" {
		chosenURL = desc.URL(false)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]agentmodels.EnabledAgent, len(s.enabled)+1)
	for k, v := range s.enabled {
		next[k] = v
	}
	next[desc.Name] = agentmodels.EnabledAgent{
		Descriptor: desc,
		ChosenURL:  chosenURL,
		EnabledAt:  time.Now().UTC(),
	}
	s.enabled = next
}

// Disable removes an enabled agent. Unknown names are a no-op.
func (s *Session) Disable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.enabled[name]; !ok {
		return
	}
	next := make(map[string]agentmodels.EnabledAgent, len(s.enabled)-1)
	for k, v := range s.enabled {
		if k != name {
			next[k] = v
		}
	}
	s.enabled = next
}

// Snapshot returns a consistent view of the enabled set. The returned map
// must not be mutated by callers; it is the live copy-on-write map.
func (s *Session) Snapshot() map[string]agentmodels.EnabledAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Enabled looks up one enabled agent by name.
func (s *Session) Enabled(name string) (agentmodels.EnabledAgent, bool) {
	snap := s.Snapshot()
	ea, ok := snap[name]
	return ea, ok
}
