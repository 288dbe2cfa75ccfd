// Package handlers exposes the file upload and management endpoints
// backed by the artifact store.
package handlers

import (
	"context"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/artifact"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// maxUploadBytes bounds a single multipart upload.
const maxUploadBytes = 50 << 20

// Transcriber converts an uploaded audio payload to text. Voice uploads
// work without one; the transcript is then empty.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Ingester indexes a stored document so agents can retrieve it later.
type Ingester interface {
	Ingest(ctx context.Context, sessionID, artifactID, uri string) error
}

// MemoryPurger drops the vector-store contents accumulated for a user.
type MemoryPurger interface {
	Clear(ctx context.Context, userID string) error
}

// Handler contains the HTTP handlers for file operations.
type Handler struct {
	store       *artifact.Store
	bus         bus.EventBus
	transcriber Transcriber
	ingester    Ingester
	purger      MemoryPurger
	logger      *logger.Logger
}

// NewHandler creates the handler. transcriber, ingester and purger may be
// nil; the matching endpoints then degrade to store-only behavior.
func NewHandler(store *artifact.Store, b bus.EventBus, transcriber Transcriber, ingester Ingester, purger MemoryPurger, log *logger.Logger) *Handler {
	return &Handler{
		store:       store,
		bus:         b,
		transcriber: transcriber,
		ingester:    ingester,
		purger:      purger,
		logger:      log.WithFields(zap.String("component", "files-api")),
	}
}

// RegisterRoutes attaches the upload endpoints to the root router and the
// file-management endpoints to the /api group.
func (h *Handler) RegisterRoutes(root *gin.Engine, api *gin.RouterGroup) {
	root.POST("/upload", h.Upload)
	root.POST("/upload-voice", h.UploadVoice)
	root.POST("/clear-memory", h.ClearMemory)
	root.GET("/uploads/*path", h.Serve)

	api.GET("/files", h.List)
	api.DELETE("/files/:id", h.Delete)
	api.POST("/files/process", h.Process)
}

func respondError(c *gin.Context, err error) {
	c.JSON(a2a.HTTPStatus(err), gin.H{"error": err.Error()})
}

func sessionFrom(c *gin.Context) (string, error) {
	sessionID := c.GetHeader("X-Session-ID")
	if sessionID == "" {
		return "", a2a.E(a2a.KindValidation, "X-Session-ID header is required")
	}
	return sessionID, nil
}

func (h *Handler) readUpload(c *gin.Context, field string) (name, mimeType string, data []byte, err error) {
	file, header, err := c.Request.FormFile(field)
	if err != nil {
		return "", "", nil, a2a.Wrap(a2a.KindValidation, err, "multipart field %q is required", field)
	}
	defer file.Close()

	if header.Size > maxUploadBytes {
		return "", "", nil, a2a.E(a2a.KindValidation, "file exceeds the %d byte upload limit", maxUploadBytes)
	}
	data, err = io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return "", "", nil, a2a.Wrap(a2a.KindStore, err, "reading upload")
	}
	if len(data) > maxUploadBytes {
		return "", "", nil, a2a.E(a2a.KindValidation, "file exceeds the %d byte upload limit", maxUploadBytes)
	}

	name = filepath.Base(header.Filename)
	if name == "" || name == "." || name == "/" {
		return "", "", nil, a2a.E(a2a.KindValidation, "upload carries no file name")
	}
	mimeType = header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return name, mimeType, data, nil
}

// artifactIDOf extracts the artifact id from a URI produced by the store,
// whose path is uploads/{session}/{artifact}/{name}.
func artifactIDOf(uri string) string {
	trimmed := uri
	if i := strings.Index(trimmed, "?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if p == "uploads" && i+2 < len(parts) {
			return parts[i+2]
		}
	}
	return ""
}

// Upload stores a multipart file for the session and announces it on the
// event bus.
// POST /upload
func (h *Handler) Upload(c *gin.Context) {
	sessionID, err := sessionFrom(c)
	if err != nil {
		respondError(c, err)
		return
	}
	name, mimeType, data, err := h.readUpload(c, "file")
	if err != nil {
		respondError(c, err)
		return
	}

	uri, err := h.store.Put(c.Request.Context(), sessionID, name, data, mimeType)
	if err != nil {
		respondError(c, err)
		return
	}
	fileID := artifactIDOf(uri)

	if h.bus != nil {
		_ = h.bus.Publish(c.Request.Context(), bus.NewEvent(events.TypeFileUploaded, sessionID, map[string]interface{}{
			"file_id":   fileID,
			"name":      name,
			"uri":       uri,
			"mime_type": mimeType,
			"size":      len(data),
		}))
	}
	h.logger.Info("file uploaded",
		zap.String("session_id", sessionID),
		zap.String("file_id", fileID),
		zap.String("name", name),
		zap.Int("size", len(data)))

	c.JSON(http.StatusOK, gin.H{
		"file_id":   fileID,
		"name":      name,
		"uri":       uri,
		"mime_type": mimeType,
		"size":      len(data),
	})
}

// UploadVoice stores an audio payload and returns its transcript alongside
// the artifact URI.
// POST /upload-voice
func (h *Handler) UploadVoice(c *gin.Context) {
	sessionID, err := sessionFrom(c)
	if err != nil {
		respondError(c, err)
		return
	}
	name, mimeType, data, err := h.readUpload(c, "audio")
	if err != nil {
		// Some clients post the recording under "file".
		name, mimeType, data, err = h.readUpload(c, "file")
		if err != nil {
			respondError(c, err)
			return
		}
	}

	uri, err := h.store.Put(c.Request.Context(), sessionID, name, data, mimeType)
	if err != nil {
		respondError(c, err)
		return
	}

	transcript := ""
	if h.transcriber != nil {
		transcript, err = h.transcriber.Transcribe(c.Request.Context(), data, mimeType)
		if err != nil {
			respondError(c, a2a.Wrap(a2a.KindProtocol, err, "transcribing %s", name))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"transcript": transcript, "uri": uri})
}

// List returns the artifacts stored for the session.
// GET /api/files
func (h *Handler) List(c *gin.Context) {
	sessionID, err := sessionFrom(c)
	if err != nil {
		respondError(c, err)
		return
	}
	infos, err := h.store.List(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": infos, "count": len(infos)})
}

// Delete removes a stored artifact and its derived records. Deleting an
// already-deleted file succeeds.
// DELETE /api/files/:id
func (h *Handler) Delete(c *gin.Context) {
	sessionID, err := sessionFrom(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.store.Delete(c.Request.Context(), sessionID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Process marks a stored document analyzed and hands it to the ingestion
// pipeline.
// POST /api/files/process
func (h *Handler) Process(c *gin.Context) {
	sessionID, err := sessionFrom(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var body struct {
		FileID string `json:"file_id" binding:"required"`
		URI    string `json:"uri"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, a2a.Wrap(a2a.KindValidation, err, "invalid request body"))
		return
	}

	if h.ingester != nil {
		if err := h.ingester.Ingest(c.Request.Context(), sessionID, body.FileID, body.URI); err != nil {
			respondError(c, a2a.Wrap(a2a.KindStore, err, "ingesting file %s", body.FileID))
			return
		}
	}
	if err := h.store.MarkAnalyzed(sessionID, body.FileID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "file_id": body.FileID, "status": artifact.StatusAnalyzed})
}

// ClearMemory drops the vector-store contents accumulated for a user.
// POST /clear-memory
func (h *Handler) ClearMemory(c *gin.Context) {
	var body struct {
		UserID string `json:"user_id"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.UserID == "" {
		body.UserID = c.GetHeader("X-Session-ID")
	}
	if body.UserID == "" {
		respondError(c, a2a.E(a2a.KindValidation, "user_id or X-Session-ID is required"))
		return
	}

	if h.purger != nil {
		if err := h.purger.Clear(c.Request.Context(), body.UserID); err != nil {
			respondError(c, a2a.Wrap(a2a.KindStore, err, "clearing memory for %s", body.UserID))
			return
		}
	}
	h.logger.Info("memory cleared", zap.String("user_id", body.UserID))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Serve streams a locally stored object. URLs carry exp/sig query
// parameters when signing is enabled.
// GET /uploads/*path
func (h *Handler) Serve(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	if rel == "" || strings.Contains(rel, "..") {
		respondError(c, a2a.E(a2a.KindValidation, "malformed object path"))
		return
	}
	objectPath := "uploads/" + rel

	if err := h.store.VerifySignedPath(objectPath, c.Query("exp"), c.Query("sig")); err != nil {
		respondError(c, err)
		return
	}
	data, err := h.store.Get(c.Request.Context(), objectPath)
	if err != nil {
		respondError(c, err)
		return
	}

	mimeType := mime.TypeByExtension(filepath.Ext(rel))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	c.Data(http.StatusOK, mimeType, data)
}
