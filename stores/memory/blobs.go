package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Blob is a stored upload
type Blob struct {
	ContentType string
	Data        []byte
}

// BlobStore keeps uploads in a map and serves them under BaseURL
type BlobStore struct {
	BaseURL string

	mu    sync.Mutex
	blobs map[string]Blob
}

func NewBlobStore(baseURL string) *BlobStore {
	return &BlobStore{BaseURL: baseURL, blobs: map[string]Blob{}}
}

func (s *BlobStore) Put(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobs == nil {
		s.blobs = map[string]Blob{}
	}
	s.blobs[key] = Blob{ContentType: contentType, Data: buf.Bytes()}
	return s.BaseURL + "/" + key, nil
}

// Get returns the blob stored under key
func (s *BlobStore) Get(key string) (Blob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	return b, ok
}
