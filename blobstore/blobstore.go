// Package blobstore provides the content-addressed CAR stores the anchoring
// pipeline writes Merkle and witness files to. Keys are CID strings; stores
// never delete on their own.
package blobstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("blobstore: not found")

// Store is a write-once content-addressed blob store.
type Store interface {
	// Put stores value under key. Re-putting the same key is a no-op since
	// keys are content addresses.
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
}

// MemoryStore keeps blobs in a map. It backs tests and single-process runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put stores a copy of value under key.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; ok {
		return nil
	}
	s.blobs[key] = append([]byte(nil), value...)
	return nil
}

// Get returns a copy of the value for key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Len reports how many blobs are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Keys lists the stored keys in no particular order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	return keys
}
