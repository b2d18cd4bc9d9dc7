// Package memory contains an in-memory archive used in tests and when no
// bucket is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Blob is one stored payload.
type Blob struct {
	ContentType string
	Data        []byte
}

// BlobStore keeps archived payloads in a map.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// New returns an empty memory blob store.
func New() *BlobStore {
	return &BlobStore{blobs: make(map[string]Blob)}
}

/// Put stores the payload and returns a mem:// URI.
func (s *BlobStore) Put(_ context.Context, path string, contentType string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[path] = Blob{ContentType: contentType, Data: stored}
	return "mem://" + path, nil
}

// Get returns a stored payload.
func (s *BlobStore) Get(path string) (Blob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	return b, ok
}

// Len reports how many payloads are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
