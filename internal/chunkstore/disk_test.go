package chunkstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiskStore(t *testing.T) *DiskStore {
	t.Helper()
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func testUpload(totalChunks int) Upload {
	return Upload{
		ID:          "upl-test",
		Filename:    "artifact.bin",
		TotalChunks: totalChunks,
	}
}

func writeChunk(t *testing.T, store *DiskStore, up Upload, n int, data string) {
	t.Helper()
	err := store.WriteChunk(context.Background(), up, n, strings.NewReader(data), int64(len(data)))
	require.NoError(t, err)
}

func TestDiskStore_Begin_CreatesDirectory(t *testing.T) {
	store := newTestDiskStore(t)
	up := testUpload(3)

	ref, err := store.Begin(context.Background(), up)
	require.NoError(t, err)

	info, err := os.Stat(ref)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDiskStore_WriteAndListChunks(t *testing.T) {
	store := newTestDiskStore(t)
	ctx := context.Background()
	up := testUpload(5)

	_, err := store.Begin(ctx, up)
	require.NoError(t, err)

	for _, n := range []int{4, 1, 3} {
		writeChunk(t, store, up, n, "data")
	}

	indices, err := store.ListChunks(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4}, indices)
}

func TestDiskStore_WriteChunk_Replaces(t *testing.T) {
	store := newTestDiskStore(t)
	ctx := context.Background()
	up := testUpload(2)

	_, err := store.Begin(ctx, up)
	require.NoError(t, err)

	writeChunk(t, store, up, 1, "old bytes")
	writeChunk(t, store, up, 1, "new")

	indices, err := store.ListChunks(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, indices)

	content, err := os.ReadFile(filepath.Join(store.Root(), "chunks", up.ID, "chunk_000001"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(content))
}

func TestDiskStore_ListChunks_NoDirectory(t *testing.T) {
	store := newTestDiskStore(t)

	indices, err := store.ListChunks(context.Background(), testUpload(3))
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func TestDiskStore_Assemble_ConcatenatesInOrder(t *testing.T) {
	store := newTestDiskStore(t)
	ctx := context.Background()
	up := testUpload(3)

	_, err := store.Begin(ctx, up)
	require.NoError(t, err)

	// Arrival order differs from index order on purpose.
	writeChunk(t, store, up, 2, "BBB")
	writeChunk(t, store, up, 3, "CCC")
	writeChunk(t, store, up, 1, "AAA")

	artifact, err := store.Assemble(ctx, up)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(artifact, "_artifact.bin"))

	content, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Equal(t, "AAABBBCCC", string(content))

	// Chunk buffers are gone after a successful assembly.
	_, err = os.Stat(filepath.Join(store.Root(), "chunks", up.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestDiskStore_Assemble_MissingChunkFails(t *testing.T) {
	store := newTestDiskStore(t)
	ctx := context.Background()
	up := testUpload(3)

	_, err := store.Begin(ctx, up)
	require.NoError(t, err)
	writeChunk(t, store, up, 1, "AAA")
	writeChunk(t, store, up, 3, "CCC")

	_, err = store.Assemble(ctx, up)
	require.Error(t, err)

	// Failure leaves the chunk buffers in place for a retry.
	indices, err := store.ListChunks(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, indices)

	// No partial artifact is left behind.
	entries, err := os.ReadDir(filepath.Join(store.Root(), "assembled"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiskStore_Assemble_FreshNamePerUpload(t *testing.T) {
	store := newTestDiskStore(t)
	ctx := context.Background()

	names := make(map[string]bool)
	for _, uid := range []string{"upl-a", "upl-b"} {
		up := Upload{ID: uid, Filename: "same.bin", TotalChunks: 1}
		_, err := store.Begin(ctx, up)
		require.NoError(t, err)
		writeChunk(t, store, up, 1, "data")

		artifact, err := store.Assemble(ctx, up)
		require.NoError(t, err)
		names[artifact] = true
	}
	assert.Len(t, names, 2, "artifacts must get fresh unique names")
}

func TestDiskStore_Discard(t *testing.T) {
	store := newTestDiskStore(t)
	ctx := context.Background()
	up := testUpload(2)

	_, err := store.Begin(ctx, up)
	require.NoError(t, err)
	writeChunk(t, store, up, 1, "data")

	require.NoError(t, store.Discard(ctx, up))
	_, err = os.Stat(filepath.Join(store.Root(), "chunks", up.ID))
	assert.True(t, os.IsNotExist(err))

	// Discarding again is a no-op.
	assert.NoError(t, store.Discard(ctx, up))
}
