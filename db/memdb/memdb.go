// Package memdb implements the anchoring stores in memory. It backs the
// anchor-service tests and the single-process development mode, mirroring the
// Postgres stores' transition semantics.
package memdb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ceramicnetwork/go-cas/clock"
	"github.com/ceramicnetwork/go-cas/db"
	"github.com/ceramicnetwork/go-cas/models"
)

// RequestStore is the in-memory iface.RequestStore.
type RequestStore struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*models.Request
	byCID    map[string]uuid.UUID
	cfg     db.Config
	clock   clock.Clock
	txMutex sync.Mutex

	anchors *AnchorStore
}

// NewRequestStore creates an empty request store. The anchor store is needed
// for the batch-completion transaction.
func NewRequestStore(cfg db.Config, clk clock.Clock, anchors *AnchorStore) *RequestStore {
	return &RequestStore{
		byID:    make(map[uuid.UUID]*models.Request),
		byCID:   make(map[string]uuid.UUID),
		cfg:     cfg,
		clock:   clk,
		anchors: anchors,
	}
}

func cloneRequest(r *models.Request) *models.Request {
	c := *r
	return &c
}

// CreateOrUpdate upserts by cid, returning the stored row.
func (s *RequestStore) CreateOrUpdate(_ context.Context, request *models.Request) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byCID[request.CID]; ok {
		return cloneRequest(s.byID[id]), nil
	}
	now := s.clock.Now()
	stored := cloneRequest(request)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.byID[stored.ID] = stored
	s.byCID[stored.CID] = stored.ID
	return cloneRequest(stored), nil
}

// CreateRequests bulk-inserts, skipping duplicate cids.
func (s *RequestStore) CreateRequests(ctx context.Context, requests []*models.Request) error {
	for _, r := range requests {
		if _, err := s.CreateOrUpdate(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// FindByCID returns the request for a commit cid, or db.ErrNotFound.
func (s *RequestStore) FindByCID(_ context.Context, commitCID string) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCID[commitCID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return cloneRequest(s.byID[id]), nil
}

// FindByIDs loads the given requests, oldest first.
func (s *RequestStore) FindByIDs(_ context.Context, ids []uuid.UUID) ([]*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Request
	for _, id := range ids {
		if r, ok := s.byID[id]; ok {
			out = append(out, cloneRequest(r))
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

// FindByStatus lists requests in the status, oldest first.
func (s *RequestStore) FindByStatus(_ context.Context, status models.RequestStatus) ([]*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Request
	for _, r := range s.byID {
		if r.Status == status {
			out = append(out, cloneRequest(r))
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

// CountByStatus counts requests in the status.
func (s *RequestStore) CountByStatus(_ context.Context, status models.RequestStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.byID {
		if r.Status == status {
			count++
		}
	}
	return count, nil
}

// UpdateRequests applies the non-nil update fields to the requests.
func (s *RequestStore) UpdateRequests(_ context.Context, update models.RequestUpdate, requests []*models.Request) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(update, requests), nil
}

func (s *RequestStore) updateLocked(update models.RequestUpdate, requests []*models.Request) int {
	now := s.clock.Now()
	count := 0
	for _, r := range requests {
		stored, ok := s.byID[r.ID]
		if !ok {
			continue
		}
		if update.Status != nil {
			stored.Status = *update.Status
		}
		if update.Message != nil {
			stored.Message = *update.Message
		}
		if update.Pinned != nil {
			stored.Pinned = *update.Pinned
		}
		stored.UpdatedAt = now
		count++
	}
	return count
}

// MarkPreviousReplaced retires older competing requests on the same stream.
func (s *RequestStore) MarkPreviousReplaced(_ context.Context, request *models.Request) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	count := 0
	for _, r := range s.byID {
		if r.StreamID != request.StreamID || r.ID == request.ID {
			continue
		}
		if !r.CreatedAt.Before(request.CreatedAt) {
			continue
		}
		if r.Status != models.RequestPending && r.Status != models.RequestFailed {
			continue
		}
		r.Status = models.RequestReplaced
		r.UpdatedAt = now
		count++
	}
	return count, nil
}

// eligible reports whether a request can be promoted to READY right now.
func (s *RequestStore) eligible(r *models.Request, now time.Time) bool {
	switch r.Status {
	case models.RequestPending:
		return true
	case models.RequestFailed:
		return !r.CreatedAt.Before(now.Add(-s.cfg.FailureRetryWindow)) &&
			r.Message != models.ConflictResolutionRejection
	case models.RequestProcessing:
		return !r.UpdatedAt.After(now.Add(-s.cfg.ProcessingTimeout))
	default:
		return false
	}
}

// FindAndMarkReady promotes eligible streams, honouring the min-stream gate
// and the max-anchoring-delay override.
func (s *RequestStore) FindAndMarkReady(_ context.Context, maxStreams, minStreams int) ([]*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	type streamInfo struct {
		id           string
		firstCreated time.Time
		forced       bool
	}
	streams := make(map[string]*streamInfo)
	for _, r := range s.byID {
		if !s.eligible(r, now) {
			continue
		}
		info, ok := streams[r.StreamID]
		if !ok {
			info = &streamInfo{id: r.StreamID, firstCreated: r.CreatedAt}
			streams[r.StreamID] = info
		} else if r.CreatedAt.Before(info.firstCreated) {
			info.firstCreated = r.CreatedAt
		}
		if r.Status == models.RequestPending &&
			!r.CreatedAt.After(now.Add(-s.cfg.MaxAnchoringDelay)) {
			info.forced = true
		}
	}

	ordered := make([]*streamInfo, 0, len(streams))
	forcePromotion := false
	for _, info := range streams {
		ordered = append(ordered, info)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].firstCreated.Before(ordered[j].firstCreated)
	})
	if len(ordered) > maxStreams {
		ordered = ordered[:maxStreams]
	}
	for _, info := range ordered {
		if info.forced {
			forcePromotion = true
		}
	}
	if len(ordered) == 0 || (len(ordered) < minStreams && !forcePromotion) {
		return nil, nil
	}

	taken := make(map[string]bool, len(ordered))
	for _, info := range ordered {
		taken[info.id] = true
	}
	var promoted []*models.Request
	for _, r := range s.byID {
		if taken[r.StreamID] && s.eligible(r, now) {
			r.Status = models.RequestReady
			r.UpdatedAt = now
			promoted = append(promoted, cloneRequest(r))
		}
	}
	sortByCreatedAt(promoted)
	return promoted, nil
}

// BatchProcessing takes up to max READY rows into PROCESSING.
func (s *RequestStore) BatchProcessing(_ context.Context, max int) ([]*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var ready []*models.Request
	for _, r := range s.byID {
		if r.Status == models.RequestReady {
			ready = append(ready, r)
		}
	}
	sortByCreatedAt(ready)
	if len(ready) > max {
		ready = ready[:max]
	}
	out := make([]*models.Request, 0, len(ready))
	for _, r := range ready {
		r.Status = models.RequestProcessing
		r.UpdatedAt = now
		out = append(out, cloneRequest(r))
	}
	return out, nil
}

// UpdateExpiringReadyRequests refreshes READY rows stuck past the ready
// timeout.
func (s *RequestStore) UpdateExpiringReadyRequests(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	deadline := now.Add(-s.cfg.ReadyTimeout)
	count := 0
	for _, r := range s.byID {
		if r.Status == models.RequestReady && !r.UpdatedAt.After(deadline) {
			r.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// FindRequestsToGarbageCollect lists pinned terminal rows past the expiry
// whose stream has no newer request.
func (s *RequestStore) FindRequestsToGarbageCollect(_ context.Context) ([]*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry := s.clock.Now().Add(-s.cfg.RequestExpiry)

	freshStreams := make(map[string]bool)
	for _, r := range s.byID {
		if !r.UpdatedAt.Before(expiry) {
			freshStreams[r.StreamID] = true
		}
	}
	var out []*models.Request
	for _, r := range s.byID {
		if (r.Status == models.RequestCompleted || r.Status == models.RequestFailed) &&
			r.Pinned && r.UpdatedAt.Before(expiry) && !freshStreams[r.StreamID] {
			out = append(out, cloneRequest(r))
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

// WithTransactionMutex serialises ops behind an in-process lock, retrying
// like the advisory-lock implementation.
func (s *RequestStore) WithTransactionMutex(ctx context.Context, name string, attempts int, wait time.Duration, op func(ctx context.Context) error) error {
	for attempt := 0; attempt < attempts; attempt++ {
		if s.txMutex.TryLock() {
			defer s.txMutex.Unlock()
			return op(ctx)
		}
		if attempt < attempts-1 {
			if err := s.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	return errors.Wrapf(db.ErrMutexUnavailable, "lock %q after %d attempts", name, attempts)
}

// CompleteBatch inserts anchors (conflict-ignored) and completes the
// requests atomically with respect to other store calls.
func (s *RequestStore) CompleteBatch(_ context.Context, anchors []*models.Anchor, requests []*models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors.insert(anchors, s.clock.Now())
	completed := models.RequestCompleted
	pinned := true
	s.updateLocked(models.RequestUpdate{Status: &completed, Pinned: &pinned}, requests)
	return nil
}

func sortByCreatedAt(requests []*models.Request) {
	sort.SliceStable(requests, func(i, j int) bool {
		if requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].StreamID < requests[j].StreamID
		}
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
}
