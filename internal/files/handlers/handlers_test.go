package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/artifact"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
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

type fakeTranscriber struct {
	transcript string
	calls      int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _ string) (string, error) {
	f.calls++
	return f.transcript, nil
}

type fakeIngester struct {
	sessions []string
	fileIDs  []string
}

func (f *fakeIngester) Ingest(_ context.Context, sessionID, artifactID, _ string) error {
	f.sessions = append(f.sessions, sessionID)
	f.fileIDs = append(f.fileIDs, artifactID)
	return nil
}

type fakePurger struct {
	users []string
}

func (f *fakePurger) Clear(_ context.Context, userID string) error {
	f.users = append(f.users, userID)
	return nil
}

type testEnv struct {
	router      *gin.Engine
	store       *artifact.Store
	bus         bus.EventBus
	transcriber *fakeTranscriber
	ingester    *fakeIngester
	purger      *fakePurger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := newTestLogger(t)

	local, err := artifact.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	store := artifact.NewStore(config.BlobConfig{
		PublicBaseURL: "https://host.local",
		SigningSecret: "sekret",
	}, nil, local, log)

	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)

	env := &testEnv{
		store:       store,
		bus:         b,
		transcriber: &fakeTranscriber{transcript: "hello world"},
		ingester:    &fakeIngester{},
		purger:      &fakePurger{},
	}
	h := NewHandler(store, b, env.transcriber, env.ingester, env.purger, log)
	env.router = gin.New()
	h.RegisterRoutes(env.router, env.router.Group("/api"))
	return env
}

func multipartBody(t *testing.T, field, filename, mimeType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="` + field + `"; filename="` + filename + `"`}
	header["Content-Type"] = []string{mimeType}
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func doUpload(t *testing.T, env *testEnv, path, field, filename, sessionID string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, field, filename, "application/pdf", data)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestUploadRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	w := doUpload(t, env, "/upload", "file", "doc.pdf", "", []byte("content"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadStoresAndAnnounces(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.bus.Subscribe("sess-1")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	w := doUpload(t, env, "/upload", "file", "report.pdf", "sess-1", []byte("pdf bytes"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.NotEmpty(t, body["file_id"])
	assert.Equal(t, "report.pdf", body["name"])
	assert.Contains(t, body["uri"], "https://host.local/uploads/sess-1/")

	infos, err := env.store.List(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, body["file_id"], infos[0].ID)

	select {
	case ev := <-sub.C():
		assert.Equal(t, events.TypeFileUploaded, ev.Type)
		assert.Equal(t, "report.pdf", ev.Data["name"])
	case <-time.After(time.Second):
		t.Fatal("no file_uploaded event published")
	}
}

func TestUploadVoiceReturnsTranscript(t *testing.T) {
	env := newTestEnv(t)
	w := doUpload(t, env, "/upload-voice", "audio", "memo.wav", "sess-1", []byte("RIFFdata"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "hello world", body["transcript"])
	assert.Contains(t, body["uri"], "/uploads/sess-1/")
	assert.Equal(t, 1, env.transcriber.calls)
}

func TestListAndDelete(t *testing.T) {
	env := newTestEnv(t)
	w := doUpload(t, env, "/upload", "file", "a.txt", "sess-1", []byte("aaa"))
	require.Equal(t, http.StatusOK, w.Code)
	fileID := decode(t, w)["file_id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set("X-Session-ID", "sess-1")
	list := httptest.NewRecorder()
	env.router.ServeHTTP(list, req)
	require.Equal(t, http.StatusOK, list.Code)
	assert.EqualValues(t, 1, decode(t, list)["count"])

	del := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/api/files/"+fileID, nil)
		req.Header.Set("X-Session-ID", "sess-1")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		return w
	}
	assert.Equal(t, http.StatusOK, del().Code)
	// Deleting again is still success.
	assert.Equal(t, http.StatusOK, del().Code)

	infos, err := env.store.List(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestProcessMarksAnalyzed(t *testing.T) {
	env := newTestEnv(t)
	w := doUpload(t, env, "/upload", "file", "doc.pdf", "sess-1", []byte("pdf"))
	require.Equal(t, http.StatusOK, w.Code)
	fileID := decode(t, w)["file_id"].(string)

	payload, _ := json.Marshal(map[string]string{"file_id": fileID})
	req := httptest.NewRequest(http.MethodPost, "/api/files/process", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", "sess-1")
	proc := httptest.NewRecorder()
	env.router.ServeHTTP(proc, req)
	require.Equal(t, http.StatusOK, proc.Code, proc.Body.String())

	assert.Equal(t, []string{"sess-1"}, env.ingester.sessions)
	assert.Equal(t, []string{fileID}, env.ingester.fileIDs)
	infos, err := env.store.List(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, artifact.StatusAnalyzed, infos[0].Status)
}

func TestProcessUnknownFile(t *testing.T) {
	env := newTestEnv(t)
	payload, _ := json.Marshal(map[string]string{"file_id": "nope"})
	req := httptest.NewRequest(http.MethodPost, "/api/files/process", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", "sess-1")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClearMemory(t *testing.T) {
	env := newTestEnv(t)
	payload, _ := json.Marshal(map[string]string{"user_id": "user-7"})
	req := httptest.NewRequest(http.MethodPost, "/clear-memory", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"user-7"}, env.purger.users)
}

func TestServeSignedObject(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte("served bytes")
	uri, err := env.store.Put(context.Background(), "sess-1", "note.txt", payload, "text/plain")
	require.NoError(t, err)

	parsed, err := url.Parse(uri)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, parsed.Path+"?"+parsed.RawQuery, nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, payload, w.Body.Bytes())
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))

	// A tampered signature is rejected.
	q := parsed.Query()
	q.Set("sig", "deadbeef")
	bad := httptest.NewRequest(http.MethodGet, parsed.Path+"?"+q.Encode(), nil)
	badW := httptest.NewRecorder()
	env.router.ServeHTTP(badW, bad)
	assert.Equal(t, http.StatusUnauthorized, badW.Code)
}
