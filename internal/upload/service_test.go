package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chunkup/chunkup-api/internal/chunkstore"
)

// mockChunkStore implements chunkstore.Store for failure injection.
type mockChunkStore struct {
	mock.Mock
}

func (m *mockChunkStore) Begin(ctx context.Context, up chunkstore.Upload) (string, error) {
	args := m.Called(ctx, up)
	return args.String(0), args.Error(1)
}

func (m *mockChunkStore) WriteChunk(ctx context.Context, up chunkstore.Upload, n int, data io.Reader, size int64) error {
	args := m.Called(ctx, up, n, data, size)
	return args.Error(0)
}

func (m *mockChunkStore) ListChunks(ctx context.Context, up chunkstore.Upload) ([]int, error) {
	args := m.Called(ctx, up)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int), args.Error(1)
}

func (m *mockChunkStore) Assemble(ctx context.Context, up chunkstore.Upload) (string, error) {
	args := m.Called(ctx, up)
	return args.String(0), args.Error(1)
}

func (m *mockChunkStore) Discard(ctx context.Context, up chunkstore.Upload) error {
	args := m.Called(ctx, up)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newDiskService(t *testing.T, opts ...Option) (*Service, *chunkstore.DiskStore, *MemorySessionStore) {
	t.Helper()
	disk, err := chunkstore.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	sessions := NewMemorySessionStore()
	svc := NewService(sessions, disk, testLogger(), opts...)
	return svc, disk, sessions
}

func putString(t *testing.T, svc *Service, uploadID string, n int, data string) (*Receipt, error) {
	t.Helper()
	return svc.PutChunk(context.Background(), uploadID, n, strings.NewReader(data), int64(len(data)))
}

func TestService_Start(t *testing.T) {
	svc, _, _ := newDiskService(t)

	sess, err := svc.Start(context.Background(), "video.mp4", 15_000_000, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, 3, sess.TotalChunks)
	assert.NotEmpty(t, sess.StoreRef)
	assert.True(t, sess.ExpiresAt.After(sess.CreatedAt))
}

func TestService_Start_InvalidSpec(t *testing.T) {
	svc, _, _ := newDiskService(t)
	ctx := context.Background()

	_, err := svc.Start(ctx, "f", 0, 3)
	assert.ErrorIs(t, err, ErrInvalidUploadSpec)

	_, err = svc.Start(ctx, "f", 100, 0)
	assert.ErrorIs(t, err, ErrInvalidUploadSpec)
}

func TestService_PutChunk_OutOfOrderCompletion(t *testing.T) {
	svc, _, _ := newDiskService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "parts.bin", 25, 5)
	require.NoError(t, err)

	var last *Receipt
	for i, n := range []int{3, 1, 5, 2, 4} {
		receipt, err := putString(t, svc, sess.ID, n, fmt.Sprintf("data%d", n))
		require.NoError(t, err)
		if i < 4 {
			assert.False(t, receipt.Completed, "completed before all chunks arrived")
		}
		last = receipt
	}

	require.True(t, last.Completed)
	require.NotEmpty(t, last.ArtifactPath)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, last.UploadedChunks)

	content, err := os.ReadFile(last.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "data1data2data3data4data5", string(content))

	// Completed sessions disappear once assembled.
	_, err = svc.Status(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestService_PutChunk_IdempotentReupload(t *testing.T) {
	svc, _, _ := newDiskService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "f", 100, 3)
	require.NoError(t, err)

	first, err := putString(t, svc, sess.ID, 2, "chunk two")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, first.UploadedChunks)

	second, err := putString(t, svc, sess.ID, 2, "chunk two")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, second.UploadedChunks)
	assert.False(t, second.Completed)
}

func TestService_PutChunk_InvalidIndex(t *testing.T) {
	svc, _, _ := newDiskService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "f", 100, 3)
	require.NoError(t, err)

	_, err = putString(t, svc, sess.ID, 0, "data")
	assert.ErrorIs(t, err, ErrInvalidChunkIndex)

	_, err = putString(t, svc, sess.ID, 4, "data")
	assert.ErrorIs(t, err, ErrInvalidChunkIndex)

	status, err := svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, status.UploadedChunks)
}

func TestService_PutChunk_UnknownSession(t *testing.T) {
	svc, _, _ := newDiskService(t)

	_, err := putString(t, svc, "upl-missing", 1, "data")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestService_PutChunk_EmptyChunk(t *testing.T) {
	svc, _, _ := newDiskService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "f", 100, 3)
	require.NoError(t, err)

	_, err = svc.PutChunk(ctx, sess.ID, 1, bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, ErrEmptyChunk)
}

func TestService_EndToEnd(t *testing.T) {
	svc, _, _ := newDiskService(t)
	ctx := context.Background()

	chunk := strings.Repeat("x", 5_000_000)
	sess, err := svc.Start(ctx, "video.mp4", 15_000_000, 3)
	require.NoError(t, err)

	_, err = putString(t, svc, sess.ID, 2, chunk)
	require.NoError(t, err)
	_, err = putString(t, svc, sess.ID, 1, chunk)
	require.NoError(t, err)

	status, err := svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, status.UploadedChunks)
	assert.Equal(t, []int{3}, status.MissingChunks())
	assert.Equal(t, 66, status.Progress())

	receipt, err := putString(t, svc, sess.ID, 3, chunk)
	require.NoError(t, err)
	require.True(t, receipt.Completed)
	require.NotEmpty(t, receipt.ArtifactPath)

	info, err := os.Stat(receipt.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, int64(15_000_000), info.Size())

	_, err = svc.Status(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestService_Cancel(t *testing.T) {
	svc, disk, _ := newDiskService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "f", 100, 3)
	require.NoError(t, err)
	_, err = putString(t, svc, sess.ID, 1, "data")
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, sess.ID))

	_, err = svc.Status(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = putString(t, svc, sess.ID, 2, "data")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Chunk buffers are gone.
	_, err = os.Stat(filepath.Join(disk.Root(), "chunks", sess.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestService_Cancel_Idempotent(t *testing.T) {
	svc, _, _ := newDiskService(t)
	ctx := context.Background()

	assert.NoError(t, svc.Cancel(ctx, "upl-missing"))

	sess, err := svc.Start(ctx, "f", 100, 3)
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, sess.ID))
	assert.NoError(t, svc.Cancel(ctx, sess.ID))
}

func TestService_CancelRace_NoZombieSession(t *testing.T) {
	svc, disk, _ := newDiskService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "f", 1000, 100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for n := 1; n <= 20; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := putString(t, svc, sess.ID, n, "data")
			if err != nil && !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("chunk %d: want nil or ErrSessionNotFound, got %v", n, err)
			}
		}(n)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Cancel(ctx, sess.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}()
	wg.Wait()

	// Cancellation wins: the record is gone and any chunk written after
	// the cancel was discarded with it.
	_, err = svc.Status(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = putString(t, svc, sess.ID, 1, "data")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = os.Stat(filepath.Join(disk.Root(), "chunks", sess.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestService_ConcurrentLastChunk_SingleAssembly(t *testing.T) {
	svc, _, _ := newDiskService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "f", 10, 2)
	require.NoError(t, err)
	_, err = putString(t, svc, sess.ID, 1, "first")
	require.NoError(t, err)

	results := make(chan *Receipt, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			receipt, err := putString(t, svc, sess.ID, 2, "second")
			if err != nil && !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if receipt != nil {
				results <- receipt
			}
		}()
	}
	wg.Wait()
	close(results)

	completed := 0
	var artifact string
	for receipt := range results {
		if receipt.Completed {
			completed++
			artifact = receipt.ArtifactPath
		}
	}
	require.Equal(t, 1, completed, "exactly one caller must observe completion")

	content, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Equal(t, "firstsecond", string(content))
}

func TestService_CleanupExpired(t *testing.T) {
	current := time.Now()
	svc, disk, _ := newDiskService(t, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	expired, err := svc.Start(ctx, "old", 100, 3)
	require.NoError(t, err)
	_, err = putString(t, svc, expired.ID, 1, "data")
	require.NoError(t, err)

	// Jump past the default TTL; a session started now stays live.
	current = current.Add(25 * time.Hour)
	live, err := svc.Start(ctx, "new", 100, 3)
	require.NoError(t, err)

	removed, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = putString(t, svc, expired.ID, 2, "data")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = os.Stat(filepath.Join(disk.Root(), "chunks", expired.ID))
	assert.True(t, os.IsNotExist(err))

	_, err = svc.Status(ctx, live.ID)
	assert.NoError(t, err)
}

func TestService_AssemblyFailure_PreservesSession(t *testing.T) {
	store := &mockChunkStore{}
	sessions := NewMemorySessionStore()
	svc := NewService(sessions, store, testLogger())
	ctx := context.Background()

	store.On("Begin", mock.Anything, mock.Anything).Return("ref-1", nil)
	store.On("WriteChunk", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store.On("Assemble", mock.Anything, mock.Anything).Return("", errors.New("disk full")).Once()
	store.On("Assemble", mock.Anything, mock.Anything).Return("/data/assembled/final.bin", nil).Once()

	sess, err := svc.Start(ctx, "f", 10, 2)
	require.NoError(t, err)
	_, err = putString(t, svc, sess.ID, 1, "first")
	require.NoError(t, err)

	_, err = putString(t, svc, sess.ID, 2, "second")
	var assemblyErr *AssemblyError
	require.ErrorAs(t, err, &assemblyErr)
	assert.Equal(t, sess.ID, assemblyErr.UploadID)

	// Session and chunks survive the failure for a completion retry.
	status, err := svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, status.UploadedChunks)

	// Retrying any chunk re-triggers assembly.
	receipt, err := putString(t, svc, sess.ID, 2, "second")
	require.NoError(t, err)
	assert.True(t, receipt.Completed)
	assert.Equal(t, "/data/assembled/final.bin", receipt.ArtifactPath)

	_, err = svc.Status(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	store.AssertExpectations(t)
}

func TestService_ChunkWriteFailure_LeavesSetUnchanged(t *testing.T) {
	store := &mockChunkStore{}
	sessions := NewMemorySessionStore()
	svc := NewService(sessions, store, testLogger())
	ctx := context.Background()

	store.On("Begin", mock.Anything, mock.Anything).Return("ref-1", nil)
	store.On("WriteChunk", mock.Anything, mock.Anything, 1, mock.Anything, mock.Anything).
		Return(errors.New("connection reset")).Once()
	store.On("WriteChunk", mock.Anything, mock.Anything, 1, mock.Anything, mock.Anything).
		Return(nil).Once()

	sess, err := svc.Start(ctx, "f", 10, 2)
	require.NoError(t, err)

	_, err = putString(t, svc, sess.ID, 1, "data")
	var writeErr *ChunkWriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, 1, writeErr.Chunk)

	status, err := svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, status.UploadedChunks, "failed chunk must not be recorded")

	// Client retry of the same index is the recovery path.
	receipt, err := putString(t, svc, sess.ID, 1, "data")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, receipt.UploadedChunks)
	store.AssertExpectations(t)
}

func TestService_Resume_LiveSession(t *testing.T) {
	svc, _, _ := newDiskService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "f", 400, 4)
	require.NoError(t, err)
	_, err = putString(t, svc, sess.ID, 1, "data")
	require.NoError(t, err)
	_, err = putString(t, svc, sess.ID, 3, "data")
	require.NoError(t, err)

	resumed, missing, err := svc.Resume(ctx, sess.ID, sess.Key, 400, 100)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, resumed.ID)
	assert.Equal(t, []int{2, 4}, missing)
}

func TestService_Resume_RebuildsLostSession(t *testing.T) {
	disk, err := chunkstore.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first := NewService(NewMemorySessionStore(), disk, testLogger())
	sess, err := first.Start(ctx, "backup.tar", 400, 4)
	require.NoError(t, err)
	_, err = first.PutChunk(ctx, sess.ID, 1, strings.NewReader("aaa"), 3)
	require.NoError(t, err)
	_, err = first.PutChunk(ctx, sess.ID, 3, strings.NewReader("ccc"), 3)
	require.NoError(t, err)

	// Simulate a restart: fresh registry, same chunk store.
	second := NewService(NewMemorySessionStore(), disk, testLogger())
	rebuilt, missing, err := second.Resume(ctx, sess.ID, sess.Key, 400, 100)
	require.NoError(t, err)
	assert.Equal(t, 4, rebuilt.TotalChunks)
	assert.Equal(t, []int{1, 3}, rebuilt.UploadedChunks)
	assert.Equal(t, []int{2, 4}, missing)

	// The rebuilt session accepts the remaining chunks.
	status, err := second.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, status.MissingChunks())
}

func TestService_Resume_DerivesPartSize(t *testing.T) {
	store := &mockChunkStore{}
	svc := NewService(NewMemorySessionStore(), store, testLogger())

	store.On("ListChunks", mock.Anything, mock.Anything).Return([]int{}, nil)

	rebuilt, missing, err := svc.Resume(context.Background(), "remote-upload-id", "uploads/backup.tar", 60_000_000_000, 0)
	require.NoError(t, err)
	assert.Equal(t, 10000, rebuilt.TotalChunks)
	assert.Len(t, missing, 10000)
}
