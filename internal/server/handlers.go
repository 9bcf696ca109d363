package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/chunkup/chunkup-api/internal/upload"
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service       *upload.Service
	validator     *validator.Validate
	logger        *slog.Logger
	maxChunkBytes int64
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithMaxChunkBytes caps the accepted chunk body size. Defaults to 16MB.
func WithMaxChunkBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		h.maxChunkBytes = n
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *upload.Service, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:       service,
		validator:     validator.New(),
		logger:        logger,
		maxChunkBytes: 16 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// StartUpload handles POST /upload/start requests.
func (h *Handlers) StartUpload(w http.ResponseWriter, r *http.Request) {
	var req StartUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	sess, err := h.service.Start(r.Context(), req.Filename, req.TotalSize, req.TotalChunks)
	if err != nil {
		if errors.Is(err, upload.ErrInvalidUploadSpec) {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_UPLOAD_SPEC")
			return
		}
		h.logger.Error("failed to start upload",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to start upload", "UPLOAD_START_FAILED")
		return
	}

	writeJSON(w, http.StatusCreated, StartUploadResponse{
		UploadID:    sess.ID,
		TotalChunks: sess.TotalChunks,
		ExpiresAt:   sess.ExpiresAt,
	})
}

// UploadChunk handles POST /upload/{uploadId}/chunk/{chunkNumber} requests.
// The request body is the raw chunk bytes.
func (h *Handlers) UploadChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	chunkNumber, err := strconv.Atoi(r.PathValue("chunkNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk number must be an integer", "INVALID_CHUNK_NUMBER")
		return
	}

	if r.ContentLength > h.maxChunkBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "chunk body too large", "CHUNK_TOO_LARGE")
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxChunkBytes)
	defer func() { _ = body.Close() }()

	var data io.Reader = body
	size := r.ContentLength
	if size < 0 {
		// Chunked transfer encoding: buffer to learn the size.
		buf, err := io.ReadAll(body)
		if err != nil {
			h.writeBodyError(w, err)
			return
		}
		data = bytes.NewReader(buf)
		size = int64(len(buf))
	}

	receipt, err := h.service.PutChunk(r.Context(), uploadID, chunkNumber, data, size)
	if err != nil {
		h.writeChunkError(w, uploadID, chunkNumber, err)
		return
	}

	writeJSON(w, http.StatusOK, ChunkResponse{
		UploadedChunks: receipt.UploadedChunks,
		Completed:      receipt.Completed,
		Filepath:       receipt.ArtifactPath,
	})
}

// GetStatus handles GET /upload/{uploadId}/status requests.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")

	sess, err := h.service.Status(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, upload.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "upload session not found", "SESSION_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get upload status",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get upload status", "STATUS_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse(sess))
}

// ResumeUpload handles POST /upload/{uploadId}/resume requests.
func (h *Handlers) ResumeUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")

	var req ResumeUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	sess, missing, err := h.service.Resume(r.Context(), uploadID, req.Key, req.TotalSize, req.PartSize)
	if err != nil {
		if errors.Is(err, upload.ErrInvalidUploadSpec) {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_UPLOAD_SPEC")
			return
		}
		h.logger.Error("failed to resume upload",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to resume upload", "RESUME_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, ResumeUploadResponse{
		Session:      statusResponse(sess),
		MissingParts: missing,
	})
}

// CancelUpload handles DELETE /upload/{uploadId} requests. Cancelling an
// unknown session still reports success (idempotent delete).
func (h *Handlers) CancelUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")

	if err := h.service.Cancel(r.Context(), uploadID); err != nil {
		h.logger.Error("failed to cancel upload",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel upload", "CANCEL_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, CancelUploadResponse{Success: true})
}

// writeChunkError maps a PutChunk failure to the right status and code.
// Assembly failures are surfaced distinctly so clients retry completion
// instead of restarting the whole upload.
func (h *Handlers) writeChunkError(w http.ResponseWriter, uploadID string, chunkNumber int, err error) {
	var assemblyErr *upload.AssemblyError
	var writeErr *upload.ChunkWriteError

	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "upload session not found", "SESSION_NOT_FOUND")
	case errors.Is(err, upload.ErrInvalidChunkIndex):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_CHUNK_INDEX")
	case errors.Is(err, upload.ErrEmptyChunk):
		writeError(w, http.StatusBadRequest, "chunk body is empty", "EMPTY_CHUNK")
	case errors.As(err, &assemblyErr):
		h.logger.Error("assembly failed",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "assembly failed, retry completion", "ASSEMBLY_FAILED")
	case errors.As(err, &writeErr):
		h.logger.Error("chunk write failed",
			slog.String("upload_id", uploadID),
			slog.Int("chunk", chunkNumber),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "chunk write failed, retry this chunk", "CHUNK_WRITE_FAILED")
	default:
		h.logger.Error("chunk upload failed",
			slog.String("upload_id", uploadID),
			slog.Int("chunk", chunkNumber),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "chunk upload failed", "CHUNK_UPLOAD_FAILED")
	}
}

func (h *Handlers) writeBodyError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "chunk body too large", "CHUNK_TOO_LARGE")
		return
	}
	writeError(w, http.StatusBadRequest, "failed to read chunk body", "INVALID_BODY")
}

func statusResponse(sess *upload.Session) StatusResponse {
	return StatusResponse{
		UploadID:       sess.ID,
		Filename:       sess.Filename,
		TotalSize:      sess.TotalSize,
		TotalChunks:    sess.TotalChunks,
		UploadedChunks: sess.UploadedChunks,
		MissingChunks:  sess.MissingChunks(),
		Progress:       sess.Progress(),
		CreatedAt:      sess.CreatedAt,
		ExpiresAt:      sess.ExpiresAt,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
