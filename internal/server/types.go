// Package server provides the HTTP surface for the chunked upload API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// StartUploadRequest is the HTTP request body for starting an upload session.
type StartUploadRequest struct {
	// Filename is the client-supplied original name of the artifact.
	Filename string `json:"filename" validate:"required,max=512"`
	// TotalSize is the declared byte length of the final artifact.
	TotalSize int64 `json:"total_size" validate:"required,min=1"`
	// TotalChunks is the number of chunks the client will send.
	TotalChunks int `json:"total_chunks" validate:"required,min=1"`
}

// StartUploadResponse is the HTTP response after starting a session.
type StartUploadResponse struct {
	// UploadID identifies the session for all subsequent calls.
	UploadID string `json:"upload_id"`
	// TotalChunks echoes the fixed chunk count for the session.
	TotalChunks int `json:"total_chunks"`
	// ExpiresAt is when the session becomes invalid.
	ExpiresAt time.Time `json:"expires_at"`
}

// ChunkResponse is the HTTP response after accepting a chunk.
type ChunkResponse struct {
	// UploadedChunks is the sorted set of persisted chunk indices.
	UploadedChunks []int `json:"uploaded_chunks"`
	// Completed is true once all chunks arrived and assembly succeeded.
	Completed bool `json:"completed"`
	// Filepath is the assembled artifact's path or URL (only when completed).
	Filepath string `json:"filepath,omitempty"`
}

// StatusResponse is the HTTP response for a session status query.
type StatusResponse struct {
	UploadID       string `json:"upload_id"`
	Filename       string `json:"filename"`
	TotalSize      int64  `json:"total_size"`
	TotalChunks    int    `json:"total_chunks"`
	UploadedChunks []int  `json:"uploaded_chunks"`
	MissingChunks  []int  `json:"missing_chunks"`
	// Progress is the percentage of chunks uploaded (0-100).
	Progress  int       `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ResumeUploadRequest is the HTTP request body for rebuilding a session
// whose registry entry was lost.
type ResumeUploadRequest struct {
	// Key is the destination object key of the interrupted upload.
	Key string `json:"key" validate:"required"`
	// TotalSize is the declared byte length of the final artifact.
	TotalSize int64 `json:"total_size" validate:"required,min=1"`
	// PartSize optionally overrides the derived part size.
	PartSize int64 `json:"part_size,omitempty" validate:"omitempty,min=1"`
}

// ResumeUploadResponse is the HTTP response after rebuilding a session.
type ResumeUploadResponse struct {
	Session StatusResponse `json:"session"`
	// MissingParts lists the chunk indices the client still has to send.
	MissingParts []int `json:"missing_parts"`
}

// CancelUploadResponse is the HTTP response for a session cancellation.
type CancelUploadResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
