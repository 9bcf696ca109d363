// Package chunkstore provides durable storage for upload chunk buffers
// and the assembly of chunks into final artifacts. It defines the Store
// interface (port) and implementations for local disk and S3 multipart
// uploads.
package chunkstore

import (
	"context"
	"io"
)

// Upload carries the store-relevant attributes of one chunked upload.
// Ref is the handle returned by Begin: a directory path for the disk
// store, the remote multipart upload ID for S3.
type Upload struct {
	ID          string
	Key         string
	Filename    string
	TotalChunks int
	Ref         string
}

// Store defines the interface for chunk buffer persistence and assembly.
// The upload service is the only component that reads or writes chunk
// data; implementations own their storage layout exclusively.
type Store interface {
	// Begin allocates per-upload storage and returns the store's handle
	// for it. Called once at session start.
	Begin(ctx context.Context, up Upload) (ref string, err error)

	// WriteChunk persists the bytes for chunk n (1-based). Writing an
	// index that already exists replaces the previous bytes.
	WriteChunk(ctx context.Context, up Upload, n int, data io.Reader, size int64) error

	// ListChunks returns the sorted chunk indices currently persisted.
	// This listing is authoritative when rebuilding a lost session.
	ListChunks(ctx context.Context, up Upload) ([]int, error)

	// Assemble concatenates all chunks in ascending index order into a
	// freshly named final artifact and returns its path or URL. Chunk
	// buffers are removed only after the artifact is durably written;
	// on failure they are left in place so assembly can be retried.
	Assemble(ctx context.Context, up Upload) (artifact string, err error)

	// Discard removes all chunk buffers for the upload. Discarding an
	// upload with no stored chunks is a no-op.
	Discard(ctx context.Context, up Upload) error
}
