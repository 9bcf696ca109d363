package upload

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when the referenced upload session is
// unknown, expired, or already completed and removed.
var ErrSessionNotFound = errors.New("upload session not found")

// ErrInvalidChunkIndex is returned when a chunk number falls outside
// [1, TotalChunks]. The chunk is rejected before any storage write.
var ErrInvalidChunkIndex = errors.New("chunk index out of range")

// ErrEmptyChunk is returned when a chunk upload carries no bytes.
var ErrEmptyChunk = errors.New("chunk data is empty")

// ChunkWriteError reports that a single chunk failed to persist. The
// session's uploaded set is left unchanged, so retrying the same chunk
// index is the correct recovery path.
type ChunkWriteError struct {
	UploadID string
	Chunk    int
	Err      error
}

func (e *ChunkWriteError) Error() string {
	return fmt.Sprintf("write chunk %d of upload %s: %v", e.Chunk, e.UploadID, e.Err)
}

func (e *ChunkWriteError) Unwrap() error { return e.Err }

// AssemblyError reports an I/O failure while concatenating chunks into
// the final artifact. The session and its chunk buffers are preserved,
// so the caller may retry completion without re-uploading anything.
type AssemblyError struct {
	UploadID string
	Err      error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble upload %s: %v", e.UploadID, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }
