package memdb

import (
	"context"
	"sync"

	"github.com/ceramicnetwork/go-cas/clock"
	"github.com/ceramicnetwork/go-cas/models"
)

// MetadataStore is the in-memory iface.MetadataStore.
type MetadataStore struct {
	mu       sync.Mutex
	byStream map[string]*models.StreamMetadata
	clock    clock.Clock
}

// NewMetadataStore creates an empty metadata store.
func NewMetadataStore(clk clock.Clock) *MetadataStore {
	return &MetadataStore{
		byStream: make(map[string]*models.StreamMetadata),
		clock:    clk,
	}
}

func cloneMetadata(m *models.StreamMetadata) *models.StreamMetadata {
	c := *m
	c.Controllers = append([]string(nil), m.Controllers...)
	c.Tags = append([]string(nil), m.Tags...)
	return &c
}

// CreateOrUpdate upserts the stream's metadata, refreshing used_at.
func (s *MetadataStore) CreateOrUpdate(_ context.Context, metadata *models.StreamMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	stored := cloneMetadata(metadata)
	stored.UsedAt = now
	stored.UpdatedAt = now
	if prev, ok := s.byStream[metadata.StreamID]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	s.byStream[metadata.StreamID] = stored
	return nil
}

// FindByStreamIDs loads metadata for the streams that have any.
func (s *MetadataStore) FindByStreamIDs(_ context.Context, streamIDs []string) (map[string]*models.StreamMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*models.StreamMetadata, len(streamIDs))
	for _, sid := range streamIDs {
		if m, ok := s.byStream[sid]; ok {
			out[sid] = cloneMetadata(m)
		}
	}
	return out, nil
}

// TouchUsedAt records that the streams entered a batch.
func (s *MetadataStore) TouchUsedAt(_ context.Context, streamIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, sid := range streamIDs {
		if m, ok := s.byStream[sid]; ok {
			m.UsedAt = now
		}
	}
	return nil
}
