// Package artifact stores file parts exchanged with remote agents and
// serves them back through signed URLs.
package artifact

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Artifact status values. Analyzed is set by the document ingestion
// collaborator once a file has been indexed.
const (
	StatusUploaded = "uploaded"
	StatusAnalyzed = "analyzed"
)

// Legacy path prefixes still searched on delete so pre-migration objects
// can be cleaned up.
var legacyPrefixes = []string{"image-generator", "email-attachments"}

// Backend is the blob storage abstraction. Paths are forward-slash
// relative keys, e.g. uploads/{session}/{artifact}/{name}.
type Backend interface {
	Write(ctx context.Context, path string, data []byte, mimeType string) error
	Read(ctx context.Context, path string) ([]byte, error)
	// RemovePrefix deletes every object under the prefix; missing prefixes
	// are not an error.
	RemovePrefix(ctx context.Context, prefix string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// statBackend is implemented by backends that can report object metadata
// without reading the bytes. Used when rebuilding the index on startup.
type statBackend interface {
	Stat(ctx context.Context, path string) (size int64, modified time.Time, err error)
}

// PurgeHook removes derived records (vector store entries) for an
// artifact. Best effort; failures are logged, not surfaced.
type PurgeHook func(ctx context.Context, sessionID, artifactID string) error

// Info describes one stored artifact.
type Info struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	URI       string    `json:"uri"`
	MimeType  string    `json:"mime_type,omitempty"`
	Size      int64     `json:"size"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Store implements Put/Get/Delete/List over a Backend with a local
// filesystem fallback and HMAC-signed URLs for locally served objects.
type Store struct {
	cfg      config.BlobConfig
	backend  Backend
	fallback Backend
	logger   *logger.Logger

	mu    sync.Mutex
	index map[string]map[string]*Info // session id -> artifact id -> info
	purge PurgeHook
}

// NewStore builds a store. backend may equal fallback when no remote
// credentials are configured.
func NewStore(cfg config.BlobConfig, backend, fallback Backend, log *logger.Logger) *Store {
	if backend == nil {
		backend = fallback
	}
	s := &Store{
		cfg:      cfg,
		backend:  backend,
		fallback: fallback,
		logger:   log.WithFields(zap.String("component", "artifact_store")),
		index:    make(map[string]map[string]*Info),
	}
	s.rehydrate(context.Background())
	return s
}

// rehydrate rebuilds the session index from objects already persisted on
// the backends, so listings survive a restart.
func (s *Store) rehydrate(ctx context.Context) {
	paths, err := s.backend.List(ctx, "uploads")
	if err != nil {
		s.logger.Warn("failed to list backend for index rebuild", zap.Error(err))
	}
	if s.backend != s.fallback {
		more, err := s.fallback.List(ctx, "uploads")
		if err != nil {
			s.logger.Warn("failed to list fallback for index rebuild", zap.Error(err))
		}
		paths = append(paths, more...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for _, p := range paths {
		parts := strings.Split(p, "/")
		if len(parts) < 4 || parts[0] != "uploads" {
			continue
		}
		sessionID, artifactID := parts[1], parts[2]
		name := strings.Join(parts[3:], "/")
		if s.index[sessionID] == nil {
			s.index[sessionID] = make(map[string]*Info)
		}
		if _, ok := s.index[sessionID][artifactID]; ok {
			continue
		}
		info := &Info{
			ID:        artifactID,
			SessionID: sessionID,
			Name:      name,
			URI:       s.signURL(p),
			MimeType:  mime.TypeByExtension(path.Ext(name)),
			Status:    StatusUploaded,
			CreatedAt: time.Now().UTC(),
		}
		if sb, ok := s.backend.(statBackend); ok {
			if size, modified, err := sb.Stat(ctx, p); err == nil {
				info.Size = size
				info.CreatedAt = modified.UTC()
			}
		}
		s.index[sessionID][artifactID] = info
		restored++
	}
	if restored > 0 {
		s.logger.Info("rebuilt artifact index", zap.Int("artifacts", restored))
	}
}

// SetPurgeHook registers the vector-store cleanup callback invoked on
// Delete.
func (s *Store) SetPurgeHook(h PurgeHook) {
	s.mu.Lock()
	s.purge = h
	s.mu.Unlock()
}

func objectPath(sessionID, artifactID, name string) string {
	return fmt.Sprintf("uploads/%s/%s/%s", sessionID, artifactID, name)
}

// Put uploads bytes under the session and returns a URI reachable by
// remote agents for at least the signed-URL lifetime. A backend failure
// degrades to the local fallback with a warning.
func (s *Store) Put(ctx context.Context, sessionID, name string, data []byte, mimeType string) (string, error) {
	if sessionID == "" || name == "" {
		return "", a2a.E(a2a.KindValidation, "artifact put requires session and name")
	}

	artifactID := uuid.New().String()
	path := objectPath(sessionID, artifactID, name)

	backend := s.backend
	local := backend == s.fallback
	if !s.cfg.ForceRemote && !local && s.cfg.SizeThreshold > 0 && int64(len(data)) < s.cfg.SizeThreshold {
		// Small payloads stay local; agents fetch them through the host.
		backend = s.fallback
		local = true
	}

	if err := backend.Write(ctx, path, data, mimeType); err != nil {
		if local {
			return "", a2a.Wrap(a2a.KindStore, err, "storing artifact %s", path)
		}
		s.logger.Warn("blob backend write failed, falling back to local store",
			zap.String("path", path),
			zap.Error(err))
		if err := s.fallback.Write(ctx, path, data, mimeType); err != nil {
			return "", a2a.Wrap(a2a.KindStore, err, "storing artifact %s", path)
		}
		local = true
	}

	uri := s.signURL(path)
	info := &Info{
		ID:        artifactID,
		SessionID: sessionID,
		Name:      name,
		URI:       uri,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		Status:    StatusUploaded,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	if s.index[sessionID] == nil {
		s.index[sessionID] = make(map[string]*Info)
	}
	s.index[sessionID][artifactID] = info
	s.mu.Unlock()

	s.logger.Debug("stored artifact",
		zap.String("session_id", sessionID),
		zap.String("artifact_id", artifactID),
		zap.String("name", name),
		zap.Int("size", len(data)),
		zap.Bool("local", local))
	return uri, nil
}

// Get fetches the bytes behind a URI produced by Put. Expired signatures
// on our own URLs are tolerated; the object is read by blob name.
func (s *Store) Get(ctx context.Context, uri string) ([]byte, error) {
	path, err := s.pathOf(uri)
	if err != nil {
		return nil, err
	}
	data, readErr := s.backend.Read(ctx, path)
	if readErr != nil && s.backend != s.fallback {
		data, readErr = s.fallback.Read(ctx, path)
	}
	if readErr != nil {
		return nil, a2a.Wrap(a2a.KindStore, readErr, "reading artifact %s", path)
	}
	return data, nil
}

// Delete removes the artifact and every legacy-path copy of it. Idempotent:
// missing objects are success. Derived vector records are purged best
// effort.
func (s *Store) Delete(ctx context.Context, sessionID, artifactID string) error {
	prefixes := []string{fmt.Sprintf("uploads/%s/%s", sessionID, artifactID)}
	for _, legacy := range legacyPrefixes {
		prefixes = append(prefixes, fmt.Sprintf("%s/%s", legacy, artifactID))
	}

	for _, prefix := range prefixes {
		if err := s.backend.RemovePrefix(ctx, prefix); err != nil {
			return a2a.Wrap(a2a.KindStore, err, "deleting %s", prefix)
		}
		if s.backend != s.fallback {
			if err := s.fallback.RemovePrefix(ctx, prefix); err != nil {
				return a2a.Wrap(a2a.KindStore, err, "deleting %s", prefix)
			}
		}
	}

	s.mu.Lock()
	delete(s.index[sessionID], artifactID)
	purge := s.purge
	s.mu.Unlock()

	if purge != nil {
		if err := purge(ctx, sessionID, artifactID); err != nil {
			s.logger.Warn("vector purge failed",
				zap.String("session_id", sessionID),
				zap.String("artifact_id", artifactID),
				zap.Error(err))
		}
	}
	return nil
}

// List returns the artifacts persisted for a session, newest last.
func (s *Store) List(ctx context.Context, sessionID string) ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.index[sessionID]))
	for _, info := range s.index[sessionID] {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkAnalyzed flags an artifact as indexed by the ingestion pipeline.
func (s *Store) MarkAnalyzed(sessionID, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.index[sessionID][artifactID]
	if !ok {
		return a2a.E(a2a.KindNotFound, "unknown artifact %s/%s", sessionID, artifactID)
	}
	info.Status = StatusAnalyzed
	return nil
}

// signURL produces the externally reachable URL for an object path. With a
// signing secret the URL carries an expiry and an HMAC; without one it is
// the plain public URL (backend ACL is then the caller's responsibility).
func (s *Store) signURL(path string) string {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	raw := base + "/" + path
	if s.cfg.SigningSecret == "" {
		return raw
	}
	exp := time.Now().Add(s.signTTL()).Unix()
	return fmt.Sprintf("%s?exp=%d&sig=%s", raw, exp, s.signature(path, exp))
}

func (s *Store) signTTL() time.Duration {
	if s.cfg.SASDurationMinutes > 0 {
		return time.Duration(s.cfg.SASDurationMinutes) * time.Minute
	}
	return 7 * 24 * time.Hour
}

func (s *Store) signature(path string, exp int64) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.SigningSecret))
	fmt.Fprintf(mac, "%s|%d", path, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignedPath checks the exp/sig query parameters for a served
// object path. Used by the upload-serving HTTP handler.
func (s *Store) VerifySignedPath(path, expStr, sig string) error {
	if s.cfg.SigningSecret == "" {
		return nil
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return a2a.E(a2a.KindAuth, "malformed signature expiry")
	}
	if time.Now().Unix() > exp {
		return a2a.E(a2a.KindAuth, "signed URL expired")
	}
	expect := s.signature(path, exp)
	if !hmac.Equal([]byte(expect), []byte(sig)) {
		return a2a.E(a2a.KindAuth, "signature mismatch")
	}
	return nil
}

// Resign produces a fresh signed URL for an existing object path.
func (s *Store) Resign(path string) string {
	return s.signURL(path)
}

// pathOf maps a URI back to the backend object path. Accepts our own
// public URLs (signed or not) and bare object paths.
func (s *Store) pathOf(uri string) (string, error) {
	if !strings.Contains(uri, "://") {
		return strings.TrimPrefix(uri, "/"), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", a2a.E(a2a.KindValidation, "malformed artifact uri %q", uri)
	}
	path := strings.TrimPrefix(u.Path, "/")
	if path == "" {
		return "", a2a.E(a2a.KindValidation, "artifact uri %q carries no path", uri)
	}
	return path, nil
}
