package memdb

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ceramicnetwork/go-cas/clock"
	"github.com/ceramicnetwork/go-cas/db"
	"github.com/ceramicnetwork/go-cas/models"
)

// AnchorStore is the in-memory iface.AnchorStore, keyed by request id.
type AnchorStore struct {
	mu        sync.Mutex
	byRequest map[uuid.UUID]*models.Anchor
	clock     clock.Clock
}

// NewAnchorStore creates an empty anchor store.
func NewAnchorStore(clk clock.Clock) *AnchorStore {
	return &AnchorStore{
		byRequest: make(map[uuid.UUID]*models.Anchor),
		clock:     clk,
	}
}

func cloneAnchor(a *models.Anchor) *models.Anchor {
	c := *a
	return &c
}

// insert stores anchors, ignoring requests that already have one. The caller
// holds no lock; this is shared with the request store's batch completion.
func (s *AnchorStore) insert(anchors []*models.Anchor, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, a := range anchors {
		if _, ok := s.byRequest[a.RequestID]; ok {
			continue
		}
		stored := cloneAnchor(a)
		if stored.ID == uuid.Nil {
			stored.ID = uuid.New()
		}
		stored.CreatedAt = now
		stored.UpdatedAt = now
		s.byRequest[stored.RequestID] = stored
		count++
	}
	return count
}

// CreateAnchors inserts anchors, skipping requests that already have one, and
// returns how many were stored.
func (s *AnchorStore) CreateAnchors(_ context.Context, anchors []*models.Anchor) (int, error) {
	return s.insert(anchors, s.clock.Now()), nil
}

// FindByRequest returns the anchor for a request, or db.ErrNotFound.
func (s *AnchorStore) FindByRequest(_ context.Context, request *models.Request) (*models.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byRequest[request.ID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return cloneAnchor(a), nil
}

// FindByRequests returns the anchors that exist for any of the requests.
func (s *AnchorStore) FindByRequests(_ context.Context, requests []*models.Request) ([]*models.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Anchor
	for _, id := range models.RequestIDs(requests) {
		if a, ok := s.byRequest[id]; ok {
			out = append(out, cloneAnchor(a))
		}
	}
	return out, nil
}
