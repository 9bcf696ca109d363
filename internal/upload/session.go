// Package upload provides the Session aggregate for chunked, resumable
// uploads, the SessionStore port for session persistence, and the
// UploadService that coordinates chunk bookkeeping and assembly.
package upload

import (
	"sort"
	"time"

	"github.com/chunkup/chunkup-api/internal/upload/id"
)

// DefaultTTL is how long a session stays valid after creation
// unless configured otherwise.
const DefaultTTL = 24 * time.Hour

// Session tracks one in-progress chunked upload. Chunks are identified
// by 1-based indices and may arrive in any order; the assembled artifact
// is always the concatenation in ascending index order.
//
// Session values are passed by pointer but mutated only by the
// UploadService under a per-session lock; stores clone on read and write.
type Session struct {
	// ID is the opaque unique identifier for this upload.
	ID string
	// Filename is the client-supplied original name, used only for
	// extension and content-type inference on the final artifact.
	Filename string
	// Key is the destination object key for remote chunk stores.
	// Empty when the disk store derives its own layout from ID.
	Key string
	// TotalSize is the declared byte length of the final artifact.
	TotalSize int64
	// TotalChunks is fixed at session start; uploaded indices must
	// fall in [1, TotalChunks].
	TotalChunks int
	// UploadedChunks holds the successfully persisted chunk indices,
	// kept sorted ascending. Duplicates are never stored.
	UploadedChunks []int
	// StoreRef is the chunk store's handle for this upload: a directory
	// path for the disk store, the remote upload ID for S3 multipart.
	StoreRef string
	// CreatedAt is when the session was started.
	CreatedAt time.Time
	// ExpiresAt is when the session becomes invalid.
	ExpiresAt time.Time

	// assembling guards against two goroutines both running assembly
	// after an assembly failure left the session complete but intact.
	assembling bool
}

// NewSession creates a fresh session with a generated ID, an empty
// uploaded set, and expiry at now + ttl.
func NewSession(filename string, totalSize int64, totalChunks int, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             id.NewUploadID(),
		Filename:       filename,
		TotalSize:      totalSize,
		TotalChunks:    totalChunks,
		UploadedChunks: make([]int, 0, totalChunks),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

// HasChunk reports whether chunk n has already been persisted.
func (s *Session) HasChunk(n int) bool {
	i := sort.SearchInts(s.UploadedChunks, n)
	return i < len(s.UploadedChunks) && s.UploadedChunks[i] == n
}

// MarkChunk records chunk n as uploaded, keeping UploadedChunks sorted.
// Returns false if the index was already present (idempotent re-upload).
func (s *Session) MarkChunk(n int) bool {
	i := sort.SearchInts(s.UploadedChunks, n)
	if i < len(s.UploadedChunks) && s.UploadedChunks[i] == n {
		return false
	}
	s.UploadedChunks = append(s.UploadedChunks, 0)
	copy(s.UploadedChunks[i+1:], s.UploadedChunks[i:])
	s.UploadedChunks[i] = n
	return true
}

// IsComplete reports whether every chunk index has been uploaded.
func (s *Session) IsComplete() bool {
	return len(s.UploadedChunks) == s.TotalChunks
}

// MissingChunks returns the sorted indices in [1, TotalChunks] that have
// not been uploaded yet.
func (s *Session) MissingChunks() []int {
	missing := make([]int, 0, s.TotalChunks-len(s.UploadedChunks))
	j := 0
	for n := 1; n <= s.TotalChunks; n++ {
		if j < len(s.UploadedChunks) && s.UploadedChunks[j] == n {
			j++
			continue
		}
		missing = append(missing, n)
	}
	return missing
}

// Progress returns the upload completion percentage (0-100).
func (s *Session) Progress() int {
	if s.TotalChunks == 0 {
		return 0
	}
	return len(s.UploadedChunks) * 100 / s.TotalChunks
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Clone creates a deep copy of the session for safe reads.
func (s *Session) Clone() *Session {
	chunks := make([]int, len(s.UploadedChunks))
	copy(chunks, s.UploadedChunks)

	return &Session{
		ID:             s.ID,
		Filename:       s.Filename,
		Key:            s.Key,
		TotalSize:      s.TotalSize,
		TotalChunks:    s.TotalChunks,
		UploadedChunks: chunks,
		StoreRef:       s.StoreRef,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		assembling:     s.assembling,
	}
}
