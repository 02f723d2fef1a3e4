package snapshot

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrBlobNotFound indicates a blob key has no stored data.
var ErrBlobNotFound = errors.New("snapshot: blob not found")

// BlobStore is the durable storage boundary for snapshot and envelope blobs.
// The core only needs put/get by key; the concrete backend is a deployment
// concern behind this interface.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// FilesystemBlobStore stores blobs as files under a root directory.
type FilesystemBlobStore struct {
	root string
}

// NewFilesystemBlobStore constructs a filesystem-backed blob store.
func NewFilesystemBlobStore(root string) (*FilesystemBlobStore, error) {
	if root == "" {
		return nil, errors.New("snapshot: blob root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FilesystemBlobStore{root: root}, nil
}

func (store *FilesystemBlobStore) path(key string) string {
	return filepath.Join(store.root, filepath.FromSlash(key))
}

// Put writes the blob atomically via a temp file rename.
func (store *FilesystemBlobStore) Put(_ context.Context, key string, data []byte) error {
	target := store.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	temp, err := os.CreateTemp(filepath.Dir(target), ".blob-*")
	if err != nil {
		return err
	}
	tempName := temp.Name()
	if _, err := temp.Write(data); err != nil {
		temp.Close()
		os.Remove(tempName)
		return err
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempName)
		return err
	}
	return os.Rename(tempName, target)
}

// Get reads a blob, reporting ErrBlobNotFound for missing keys.
func (store *FilesystemBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(store.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
