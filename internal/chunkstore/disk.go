package chunkstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/chunkup/chunkup-api/internal/upload/id"
)

// Compile-time check that DiskStore implements Store.
var _ Store = (*DiskStore)(nil)

// DiskStore implements Store on the local filesystem. Each upload gets
// its own directory of chunk files under <root>/chunks/<uploadID>;
// assembled artifacts land under <root>/assembled.
type DiskStore struct {
	root string
}

// NewDiskStore creates a DiskStore rooted at the given directory.
// If root is empty, a directory under os.TempDir() is used.
// The chunk and artifact directories are created if they don't exist.
func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "chunkup")
	}

	for _, dir := range []string{filepath.Join(root, "chunks"), filepath.Join(root, "assembled")} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	return &DiskStore{root: root}, nil
}

// Root returns the data directory path.
func (s *DiskStore) Root() string {
	return s.root
}

// uploadDir derives the chunk directory from the upload ID, so a lost
// session can be rebuilt from the directory listing alone.
func (s *DiskStore) uploadDir(up Upload) string {
	return filepath.Join(s.root, "chunks", up.ID)
}

func chunkFile(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%06d", n))
}

// Begin creates the upload's chunk directory.
func (s *DiskStore) Begin(ctx context.Context, up Upload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	dir := s.uploadDir(up)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}
	return dir, nil
}

// WriteChunk streams the chunk bytes to a temp file, then renames it
// into place. The rename makes re-uploads of the same index an atomic
// replace rather than a partial overwrite.
func (s *DiskStore) WriteChunk(ctx context.Context, up Upload, n int, data io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	dir := s.uploadDir(up)
	f, err := os.CreateTemp(dir, fmt.Sprintf("chunk_%06d_*", n))
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}

	tmpName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write chunk file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close chunk file: %w", err)
	}

	if err := os.Rename(tmpName, chunkFile(dir, n)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("place chunk file: %w", err)
	}
	return nil
}

// ListChunks scans the upload directory for chunk files and returns
// their sorted indices. A missing directory means no chunks.
func (s *DiskStore) ListChunks(ctx context.Context, up Upload) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	entries, err := os.ReadDir(s.uploadDir(up))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	var indices []int
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "chunk_%06d", &n); err != nil {
			continue // temp files from in-flight writes
		}
		if e.Name() != fmt.Sprintf("chunk_%06d", n) {
			continue
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices, nil
}

// Assemble stream-concatenates chunks 1..TotalChunks into a freshly
// named artifact. The artifact is written to a temp file and renamed so
// a failed assembly never leaves a partial file under assembled/.
// Chunk buffers are removed only after the rename succeeds.
func (s *DiskStore) Assemble(ctx context.Context, up Upload) (string, error) {
	dir := s.uploadDir(up)
	assembledDir := filepath.Join(s.root, "assembled")

	out, err := os.CreateTemp(assembledDir, ".assembling_*")
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}
	tmpName := out.Name()

	cleanup := func() {
		_ = out.Close()
		_ = os.Remove(tmpName)
	}

	for n := 1; n <= up.TotalChunks; n++ {
		if err := ctx.Err(); err != nil {
			cleanup()
			return "", fmt.Errorf("context cancelled: %w", err)
		}

		in, err := os.Open(chunkFile(dir, n)) // #nosec G304 - path is store-owned
		if err != nil {
			cleanup()
			return "", fmt.Errorf("open chunk %d: %w", n, err)
		}
		_, err = io.Copy(out, in)
		_ = in.Close()
		if err != nil {
			cleanup()
			return "", fmt.Errorf("append chunk %d: %w", n, err)
		}
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close artifact file: %w", err)
	}

	artifact := filepath.Join(assembledDir, id.NewArtifactName(up.Filename))
	if err := os.Rename(tmpName, artifact); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("place artifact file: %w", err)
	}

	// Artifact is durable; the chunk buffers are no longer needed.
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("remove chunk directory: %w", err)
	}
	return artifact, nil
}

// Discard removes the upload's chunk directory. Missing directories are
// treated as already discarded.
func (s *DiskStore) Discard(ctx context.Context, up Upload) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	if err := os.RemoveAll(s.uploadDir(up)); err != nil {
		return fmt.Errorf("remove chunk directory: %w", err)
	}
	return nil
}
