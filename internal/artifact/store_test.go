package artifact

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/config"
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

func newLocalStore(t *testing.T, cfg config.BlobConfig) *Store {
	t.Helper()
	if cfg.LocalPath == "" {
		cfg.LocalPath = t.TempDir()
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://host.local"
	}
	local, err := NewLocalBackend(cfg.LocalPath)
	require.NoError(t, err)
	return NewStore(cfg, nil, local, newTestLogger(t))
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newLocalStore(t, config.BlobConfig{SigningSecret: "sekret"})
	ctx := context.Background()

	payload := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}
	uri, err := s.Put(ctx, "sess-1", "dragon.png", payload, "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "https://host.local/uploads/sess-1/"))
	assert.Contains(t, uri, "sig=")

	got, err := s.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPutDistinctURIs(t *testing.T) {
	s := newLocalStore(t, config.BlobConfig{})
	ctx := context.Background()

	u1, err := s.Put(ctx, "sess-1", "img.png", []byte("one"), "image/png")
	require.NoError(t, err)
	u2, err := s.Put(ctx, "sess-1", "img.png", []byte("two"), "image/png")
	require.NoError(t, err)
	assert.NotEqual(t, u1, u2)
}

func TestDeleteIdempotent(t *testing.T) {
	s := newLocalStore(t, config.BlobConfig{})
	ctx := context.Background()

	uri, err := s.Put(ctx, "sess-1", "doc.pdf", []byte("pdf"), "application/pdf")
	require.NoError(t, err)

	infos, err := s.List(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	id := infos[0].ID

	var purged []string
	s.SetPurgeHook(func(_ context.Context, sessionID, artifactID string) error {
		purged = append(purged, sessionID+"/"+artifactID)
		return nil
	})

	require.NoError(t, s.Delete(ctx, "sess-1", id))
	// Second delete of a gone artifact still succeeds.
	require.NoError(t, s.Delete(ctx, "sess-1", id))
	assert.Len(t, purged, 2)

	_, err = s.Get(ctx, uri)
	require.Error(t, err)

	infos, err = s.List(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestDeleteSweepsLegacyPaths(t *testing.T) {
	dir := t.TempDir()
	s := newLocalStore(t, config.BlobConfig{LocalPath: dir})
	ctx := context.Background()

	local, err := NewLocalBackend(dir)
	require.NoError(t, err)
	require.NoError(t, local.Write(ctx, "image-generator/art-1/old.png", []byte("x"), "image/png"))
	require.NoError(t, local.Write(ctx, "email-attachments/art-1/old.eml", []byte("y"), "message/rfc822"))

	require.NoError(t, s.Delete(ctx, "sess-1", "art-1"))

	for _, path := range []string{"image-generator/art-1/old.png", "email-attachments/art-1/old.eml"} {
		_, err := local.Read(ctx, path)
		assert.Error(t, err, path)
	}
}

func TestPurgeHookFailureIsSwallowed(t *testing.T) {
	s := newLocalStore(t, config.BlobConfig{})
	s.SetPurgeHook(func(context.Context, string, string) error {
		return errors.New("vector store down")
	})
	require.NoError(t, s.Delete(context.Background(), "sess-1", "nope"))
}

type failingBackend struct{}

func (failingBackend) Write(context.Context, string, []byte, string) error {
	return errors.New("remote unavailable")
}
func (failingBackend) Read(context.Context, string) ([]byte, error) {
	return nil, errors.New("remote unavailable")
}
func (failingBackend) RemovePrefix(context.Context, string) error { return nil }
func (failingBackend) List(context.Context, string) ([]string, error) {
	return nil, errors.New("remote unavailable")
}

func TestPutFallsBackToLocal(t *testing.T) {
	local, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	s := NewStore(config.BlobConfig{
		PublicBaseURL: "https://host.local",
		ForceRemote:   true,
	}, failingBackend{}, local, newTestLogger(t))
	ctx := context.Background()

	uri, err := s.Put(ctx, "sess-1", "big.bin", []byte("data"), "application/octet-stream")
	require.NoError(t, err)

	got, err := s.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}

func TestSignedURLVerification(t *testing.T) {
	s := newLocalStore(t, config.BlobConfig{SigningSecret: "sekret", SASDurationMinutes: 1})
	ctx := context.Background()

	uri, err := s.Put(ctx, "sess-1", "a.txt", []byte("hi"), "text/plain")
	require.NoError(t, err)

	u, err := url.Parse(uri)
	require.NoError(t, err)
	path := strings.TrimPrefix(u.Path, "/")
	exp := u.Query().Get("exp")
	sig := u.Query().Get("sig")

	require.NoError(t, s.VerifySignedPath(path, exp, sig))
	assert.Error(t, s.VerifySignedPath(path, exp, "deadbeef"))
	assert.Error(t, s.VerifySignedPath(path, "12345", sig))

	// A fresh signature from Resign still verifies.
	resigned, err := url.Parse(s.Resign(path))
	require.NoError(t, err)
	require.NoError(t, s.VerifySignedPath(path,
		resigned.Query().Get("exp"), resigned.Query().Get("sig")))
}

func TestMarkAnalyzed(t *testing.T) {
	s := newLocalStore(t, config.BlobConfig{})
	ctx := context.Background()

	_, err := s.Put(ctx, "sess-1", "report.pdf", []byte("pdf"), "application/pdf")
	require.NoError(t, err)

	infos, err := s.List(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, StatusUploaded, infos[0].Status)

	require.NoError(t, s.MarkAnalyzed("sess-1", infos[0].ID))
	infos, err = s.List(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAnalyzed, infos[0].Status)

	assert.Error(t, s.MarkAnalyzed("sess-1", "missing"))
}

func TestIndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.BlobConfig{
		LocalPath:     dir,
		PublicBaseURL: "https://host.local",
		SigningSecret: "sekret",
	}
	first := newLocalStore(t, cfg)
	ctx := context.Background()

	_, err := first.Put(ctx, "sess-1", "notes.txt", []byte("hello"), "text/plain")
	require.NoError(t, err)
	_, err = first.Put(ctx, "sess-1", "chart.png", []byte{0x89, 'P', 'N', 'G'}, "image/png")
	require.NoError(t, err)
	_, err = first.Put(ctx, "sess-2", "other.txt", []byte("x"), "text/plain")
	require.NoError(t, err)

	// A fresh store over the same directory sees the persisted objects.
	second := newLocalStore(t, cfg)
	infos, err := second.List(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byName := map[string]Info{}
	for _, info := range infos {
		byName[info.Name] = info
	}
	notes, ok := byName["notes.txt"]
	require.True(t, ok)
	assert.Equal(t, int64(5), notes.Size)
	assert.Equal(t, StatusUploaded, notes.Status)
	assert.Contains(t, notes.URI, "sig=")

	got, err := second.Get(ctx, notes.URI)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, second.MarkAnalyzed("sess-1", notes.ID))

	others, err := second.List(ctx, "sess-2")
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestListOrderedByCreation(t *testing.T) {
	s := newLocalStore(t, config.BlobConfig{})
	ctx := context.Background()

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := s.Put(ctx, "sess-1", name, []byte(name), "text/plain")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	infos, err := s.List(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "a.txt", infos[0].Name)
	assert.Equal(t, "c.txt", infos[2].Name)
}
