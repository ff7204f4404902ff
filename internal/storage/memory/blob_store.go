package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

const uriScheme = "memory://"

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject persists a copy of data and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return uriScheme + path, nil
}

// GetObject returns a copy of the stored content for uri.
func (s *BlobStore) GetObject(_ context.Context, uri string) ([]byte, error) {
	path, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return nil, fmt.Errorf("unsupported uri %q", uri)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", uri)
	}
	return append([]byte(nil), data...), nil
}
