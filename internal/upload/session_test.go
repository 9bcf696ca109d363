package upload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession(t *testing.T) {
	sess := NewSession("video.mp4", 15_000_000, 3, time.Hour)

	require.NotEmpty(t, sess.ID)
	assert.Equal(t, "video.mp4", sess.Filename)
	assert.Equal(t, int64(15_000_000), sess.TotalSize)
	assert.Equal(t, 3, sess.TotalChunks)
	assert.Empty(t, sess.UploadedChunks)
	assert.Equal(t, sess.CreatedAt.Add(time.Hour), sess.ExpiresAt)
}

func TestSession_MarkChunk_KeepsSorted(t *testing.T) {
	sess := NewSession("f", 100, 5, time.Hour)

	for _, n := range []int{3, 1, 5, 2, 4} {
		assert.True(t, sess.MarkChunk(n))
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, sess.UploadedChunks)
	assert.True(t, sess.IsComplete())
}

func TestSession_MarkChunk_Idempotent(t *testing.T) {
	sess := NewSession("f", 100, 5, time.Hour)

	assert.True(t, sess.MarkChunk(2))
	assert.False(t, sess.MarkChunk(2))
	assert.Equal(t, []int{2}, sess.UploadedChunks)
	assert.False(t, sess.IsComplete())
}

func TestSession_MissingChunks(t *testing.T) {
	sess := NewSession("f", 100, 4, time.Hour)
	sess.MarkChunk(1)
	sess.MarkChunk(3)

	assert.Equal(t, []int{2, 4}, sess.MissingChunks())
}

func TestSession_MissingChunks_NoneUploaded(t *testing.T) {
	sess := NewSession("f", 100, 3, time.Hour)
	assert.Equal(t, []int{1, 2, 3}, sess.MissingChunks())
}

func TestSession_Progress(t *testing.T) {
	sess := NewSession("f", 100, 4, time.Hour)
	assert.Equal(t, 0, sess.Progress())

	sess.MarkChunk(1)
	assert.Equal(t, 25, sess.Progress())

	sess.MarkChunk(2)
	sess.MarkChunk(3)
	sess.MarkChunk(4)
	assert.Equal(t, 100, sess.Progress())
}

func TestSession_Expired(t *testing.T) {
	sess := NewSession("f", 100, 1, time.Hour)

	assert.False(t, sess.Expired(sess.CreatedAt.Add(30*time.Minute)))
	assert.True(t, sess.Expired(sess.CreatedAt.Add(2*time.Hour)))
}

func TestSession_Clone_Independent(t *testing.T) {
	sess := NewSession("f", 100, 3, time.Hour)
	sess.MarkChunk(1)

	clone := sess.Clone()
	clone.MarkChunk(2)

	assert.Equal(t, []int{1}, sess.UploadedChunks)
	assert.Equal(t, []int{1, 2}, clone.UploadedChunks)
}
