package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/chunkup/chunkup-api/internal/chunkstore"
)

// ErrInvalidUploadSpec is returned when a session is started with a
// non-positive total size or chunk count.
var ErrInvalidUploadSpec = errors.New("total size and chunk count must be positive")

// Receipt is the result of accepting one chunk.
type Receipt struct {
	// UploadedChunks is the sorted set of persisted chunk indices.
	UploadedChunks []int
	// Completed is true when this chunk was the last one and assembly
	// succeeded.
	Completed bool
	// ArtifactPath is the assembled artifact's path or URL. Set only
	// when Completed is true.
	ArtifactPath string
}

// Service coordinates chunked uploads: it owns session bookkeeping,
// delegates byte persistence to a chunkstore.Store, and guarantees that
// assembly runs exactly once per session.
//
// Bookkeeping for a given session is serialized by a per-session lock;
// chunk byte I/O runs outside the lock so different indices of the same
// upload can be written concurrently.
type Service struct {
	sessions SessionStore
	chunks   chunkstore.Store
	logger   *slog.Logger

	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets the session lifetime. Defaults to DefaultTTL (24h).
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.ttl = ttl
	}
}

// WithSweepInterval sets how often the expiry sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) {
		s.sweepInterval = d
	}
}

// WithClock overrides the time source. Used by tests to force expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an upload service backed by the given session and
// chunk stores.
func NewService(sessions SessionStore, chunks chunkstore.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		sessions:      sessions,
		chunks:        chunks,
		logger:        logger,
		ttl:           DefaultTTL,
		sweepInterval: 10 * time.Minute,
		now:           time.Now,
		locks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockFor returns the bookkeeping lock for an upload, creating it on
// first use. Lock entries are dropped when the session is destroyed; a
// goroutine holding a dropped lock re-checks session existence after
// acquiring it, so stale locks are harmless.
func (s *Service) lockFor(uploadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[uploadID]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[uploadID] = lk
	}
	return lk
}

func (s *Service) dropLock(uploadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, uploadID)
}

func storeUpload(sess *Session) chunkstore.Upload {
	return chunkstore.Upload{
		ID:          sess.ID,
		Key:         sess.Key,
		Filename:    sess.Filename,
		TotalChunks: sess.TotalChunks,
		Ref:         sess.StoreRef,
	}
}

// liveSession fetches a session, treating expired sessions as not found.
// Expired state is cleaned up by the sweeper, not here.
func (s *Service) liveSession(ctx context.Context, uploadID string) (*Session, error) {
	sess, err := s.sessions.FindByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Start allocates a fresh session for an artifact of totalSize bytes
// split into totalChunks pieces. No artifact bytes are touched yet.
func (s *Service) Start(ctx context.Context, filename string, totalSize int64, totalChunks int) (*Session, error) {
	if totalSize <= 0 || totalChunks < 1 {
		return nil, ErrInvalidUploadSpec
	}

	sess := NewSession(filename, totalSize, totalChunks, s.ttl)
	sess.CreatedAt = s.now().UTC()
	sess.ExpiresAt = sess.CreatedAt.Add(s.ttl)
	sess.Key = fmt.Sprintf("uploads/%s/%s", sess.ID, filename)

	ref, err := s.chunks.Begin(ctx, storeUpload(sess))
	if err != nil {
		return nil, fmt.Errorf("begin upload %s: %w", sess.ID, err)
	}
	sess.StoreRef = ref

	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", sess.ID, err)
	}

	s.logger.Info("upload session started",
		slog.String("upload_id", sess.ID),
		slog.String("filename", filename),
		slog.Int64("total_size", totalSize),
		slog.Int("total_chunks", totalChunks),
	)
	return sess, nil
}

// PutChunk persists one chunk and records it against the session.
// Re-uploading an index replaces the stored bytes without double
// counting. When the last distinct index arrives, assembly runs and the
// returned receipt carries the artifact path.
//
// A failed assembly leaves the session and its chunks intact; retrying
// any chunk index re-triggers assembly.
func (s *Service) PutChunk(ctx context.Context, uploadID string, chunkNumber int, data io.Reader, size int64) (*Receipt, error) {
	if size <= 0 {
		return nil, ErrEmptyChunk
	}

	lk := s.lockFor(uploadID)

	lk.Lock()
	sess, err := s.liveSession(ctx, uploadID)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	if chunkNumber < 1 || chunkNumber > sess.TotalChunks {
		lk.Unlock()
		return nil, fmt.Errorf("chunk %d of %d: %w", chunkNumber, sess.TotalChunks, ErrInvalidChunkIndex)
	}
	up := storeUpload(sess)
	lk.Unlock()

	// Byte I/O happens outside the lock so other indices of this upload
	// can land concurrently.
	if werr := s.chunks.WriteChunk(ctx, up, chunkNumber, data, size); werr != nil {
		// Cancellation wins any race with an in-flight write: if the
		// session is gone the storage failure is reported as not found.
		if _, ferr := s.liveSession(ctx, uploadID); ferr != nil {
			return nil, ferr
		}
		return nil, &ChunkWriteError{UploadID: uploadID, Chunk: chunkNumber, Err: werr}
	}

	lk.Lock()
	sess, err = s.liveSession(ctx, uploadID)
	if err != nil {
		lk.Unlock()
		// The session was cancelled while the bytes were in flight.
		// Drop the orphaned chunk so no zombie state survives.
		if derr := s.chunks.Discard(ctx, up); derr != nil {
			s.logger.Warn("discard orphaned chunk after cancel",
				slog.String("upload_id", uploadID),
				slog.String("error", derr.Error()),
			)
		}
		return nil, err
	}

	if added := sess.MarkChunk(chunkNumber); !added && !sess.IsComplete() {
		// Idempotent retry of an already-recorded index: bytes were
		// replaced, the set is unchanged, no completion re-check needed.
		lk.Unlock()
		return &Receipt{UploadedChunks: sess.UploadedChunks}, nil
	}

	if err := s.sessions.Save(ctx, sess); err != nil {
		lk.Unlock()
		return nil, fmt.Errorf("save session %s: %w", uploadID, err)
	}

	if !sess.IsComplete() {
		lk.Unlock()
		return &Receipt{UploadedChunks: sess.UploadedChunks}, nil
	}

	// All chunks present. Exactly one caller may run assembly; a
	// concurrent retry while assembly is in flight just reports progress.
	if sess.assembling {
		lk.Unlock()
		return &Receipt{UploadedChunks: sess.UploadedChunks}, nil
	}
	sess.assembling = true
	if err := s.sessions.Save(ctx, sess); err != nil {
		lk.Unlock()
		return nil, fmt.Errorf("save session %s: %w", uploadID, err)
	}
	lk.Unlock()

	return s.assemble(ctx, lk, sess)
}

// assemble runs the slow concatenation I/O outside the bookkeeping
// lock, then destroys the session on success or re-arms it on failure.
func (s *Service) assemble(ctx context.Context, lk *sync.Mutex, sess *Session) (*Receipt, error) {
	artifact, err := s.chunks.Assemble(ctx, storeUpload(sess))

	lk.Lock()
	defer lk.Unlock()

	if err != nil {
		// Keep the session and its chunks so completion can be retried.
		if cur, ferr := s.sessions.FindByID(ctx, sess.ID); ferr == nil {
			cur.assembling = false
			if serr := s.sessions.Save(ctx, cur); serr != nil {
				s.logger.Error("re-arm session after assembly failure",
					slog.String("upload_id", sess.ID),
					slog.String("error", serr.Error()),
				)
			}
		}
		return nil, &AssemblyError{UploadID: sess.ID, Err: err}
	}

	if derr := s.sessions.Delete(ctx, sess.ID); derr != nil && !errors.Is(derr, ErrSessionNotFound) {
		s.logger.Error("delete session after assembly",
			slog.String("upload_id", sess.ID),
			slog.String("error", derr.Error()),
		)
	}
	s.dropLock(sess.ID)

	s.logger.Info("upload assembled",
		slog.String("upload_id", sess.ID),
		slog.String("artifact", artifact),
		slog.Int("total_chunks", sess.TotalChunks),
	)
	return &Receipt{
		UploadedChunks: sess.UploadedChunks,
		Completed:      true,
		ArtifactPath:   artifact,
	}, nil
}

// Status returns the session descriptor for resume decisions. Completed
// sessions have been destroyed, so querying them reports not found.
func (s *Service) Status(ctx context.Context, uploadID string) (*Session, error) {
	return s.liveSession(ctx, uploadID)
}

// Cancel destroys the session and all its chunk buffers. Cancelling an
// unknown or already-cancelled upload is a no-op.
func (s *Service) Cancel(ctx context.Context, uploadID string) error {
	lk := s.lockFor(uploadID)
	lk.Lock()
	defer lk.Unlock()

	sess, err := s.sessions.FindByID(ctx, uploadID)
	if errors.Is(err, ErrSessionNotFound) {
		s.dropLock(uploadID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find session %s: %w", uploadID, err)
	}

	if err := s.chunks.Discard(ctx, storeUpload(sess)); err != nil {
		return fmt.Errorf("discard chunks for %s: %w", uploadID, err)
	}
	if err := s.sessions.Delete(ctx, uploadID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("delete session %s: %w", uploadID, err)
	}
	s.dropLock(uploadID)

	s.logger.Info("upload cancelled", slog.String("upload_id", uploadID))
	return nil
}

// Resume returns the session and its missing chunk indices. When the
// session registry no longer has the upload (process restart with a
// volatile store), the session is rebuilt from the chunk store's
// authoritative listing: partSize defaults to the provider-constrained
// derivation and totalChunks to ceil(totalSize/partSize). For remote
// multipart stores the uploadID must then be the remote upload ID.
func (s *Service) Resume(ctx context.Context, uploadID, key string, totalSize, partSize int64) (*Session, []int, error) {
	lk := s.lockFor(uploadID)
	lk.Lock()
	defer lk.Unlock()

	sess, err := s.liveSession(ctx, uploadID)
	if err == nil {
		return sess, sess.MissingChunks(), nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, nil, err
	}

	if totalSize <= 0 {
		return nil, nil, ErrInvalidUploadSpec
	}
	if partSize <= 0 {
		partSize = DerivePartSize(totalSize)
	}
	totalChunks := PartCount(totalSize, partSize)
	if totalChunks < 1 {
		return nil, nil, ErrInvalidUploadSpec
	}

	now := s.now().UTC()
	sess = &Session{
		ID:          uploadID,
		Filename:    path.Base(key),
		Key:         key,
		TotalSize:   totalSize,
		TotalChunks: totalChunks,
		StoreRef:    uploadID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	uploaded, err := s.chunks.ListChunks(ctx, storeUpload(sess))
	if err != nil {
		return nil, nil, fmt.Errorf("list chunks for %s: %w", uploadID, err)
	}
	for _, n := range uploaded {
		if n >= 1 && n <= totalChunks {
			sess.MarkChunk(n)
		}
	}

	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("save rebuilt session %s: %w", uploadID, err)
	}

	s.logger.Info("upload session rebuilt",
		slog.String("upload_id", uploadID),
		slog.String("key", key),
		slog.Int("total_chunks", totalChunks),
		slog.Int("uploaded_chunks", len(sess.UploadedChunks)),
	)
	return sess, sess.MissingChunks(), nil
}

// CleanupExpired removes every session past its expiry, treating each
// exactly like Cancel. Returns the number of sessions removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	all, err := s.sessions.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	removed := 0
	for _, sess := range all {
		if !sess.Expired(s.now()) {
			continue
		}

		lk := s.lockFor(sess.ID)
		lk.Lock()
		// Re-check under the lock; a racing PutChunk may be mid-flight.
		cur, err := s.sessions.FindByID(ctx, sess.ID)
		if err != nil || !cur.Expired(s.now()) {
			lk.Unlock()
			continue
		}
		if err := s.chunks.Discard(ctx, storeUpload(cur)); err != nil {
			s.logger.Warn("discard chunks for expired session",
				slog.String("upload_id", sess.ID),
				slog.String("error", err.Error()),
			)
			lk.Unlock()
			continue
		}
		if err := s.sessions.Delete(ctx, sess.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			s.logger.Warn("delete expired session",
				slog.String("upload_id", sess.ID),
				slog.String("error", err.Error()),
			)
			lk.Unlock()
			continue
		}
		s.dropLock(sess.ID)
		lk.Unlock()
		removed++
	}

	if removed > 0 {
		s.logger.Info("expired upload sessions removed", slog.Int("count", removed))
	}
	return removed, nil
}

// Sweep runs CleanupExpired on the configured interval until the
// context is cancelled. Intended to run as a background goroutine.
func (s *Service) Sweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupExpired(ctx); err != nil {
				s.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
