package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FSBlobStore writes uploads under StoragePath/blobs and returns URLs rooted
// at BaseURL. Serve the directory with http.FileServer to make them fetchable.
type FSBlobStore struct {
	StoragePath string
	BaseURL     string

	// MaxSize caps the bytes read from an upload. Zero means no limit.
	MaxSize int64
}

func NewFSBlobStore(storagePath, baseURL string) *FSBlobStore {
	return &FSBlobStore{StoragePath: storagePath, BaseURL: strings.TrimSuffix(baseURL, "/")}
}

// Dir is the directory holding the blobs
func (s *FSBlobStore) Dir() string {
	return filepath.Join(s.StoragePath, "blobs")
}

func (s *FSBlobStore) Put(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	if s.MaxSize > 0 {
		body = io.LimitReader(body, s.MaxSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if s.MaxSize > 0 && int64(len(data)) > s.MaxSize {
		return "", fmt.Errorf("upload exceeds %d bytes", s.MaxSize)
	}

	target := filepath.Join(s.Dir(), filepath.FromSlash(clean))
	if err := writeAtomicFile(target, data); err != nil {
		return "", err
	}
	if err := os.Chmod(target, 0644); err != nil {
		return "", err
	}
	return s.BaseURL + clean, nil
}
