package anchor

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/ceramicnetwork/go-cas/db/iface"
	"github.com/ceramicnetwork/go-cas/models"
)

// Groups is the outcome of candidate selection over one batch.
type Groups struct {
	// Accepted candidates become Merkle leaves.
	Accepted []*models.Candidate
	// AlreadyAnchored candidates have an Anchor row from an earlier batch;
	// their requests complete without re-anchoring.
	AlreadyAnchored []*models.Candidate
	// Unprocessed candidates did not fit the batch; their requests keep
	// waiting.
	Unprocessed []*models.Candidate
	// Failed candidates carry requests that can never anchor (bad commit
	// CID); their requests move to FAILED.
	Failed []*models.Candidate
}

// Selector turns a batch of requests into per-stream candidates: one stream,
// one candidate, newest request wins.
type Selector struct {
	anchors  iface.AnchorStore
	metadata iface.MetadataStore
}

// NewSelector builds a selector over the anchor and metadata stores.
func NewSelector(anchors iface.AnchorStore, metadata iface.MetadataStore) *Selector {
	return &Selector{anchors: anchors, metadata: metadata}
}

// newerRequest reports whether a supersedes b as a stream's winner.
func newerRequest(a, b *models.Request) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// Select groups the requests per stream, attaches stream metadata, filters
// candidates already anchored by an earlier batch, and truncates to limit
// (0 = unbounded).
func (s *Selector) Select(ctx context.Context, requests []*models.Request, limit int) (*Groups, error) {
	byStream := make(map[string]*models.Candidate)
	order := make([]string, 0, len(requests))
	groups := &Groups{}

	for _, request := range requests {
		commitCID, err := cid.Parse(request.CID)
		if err != nil {
			groups.Failed = append(groups.Failed, &models.Candidate{
				StreamID: request.StreamID,
				Request:  request,
			})
			continue
		}
		candidate, ok := byStream[request.StreamID]
		if !ok {
			byStream[request.StreamID] = &models.Candidate{
				StreamID: request.StreamID,
				Request:  request,
				CID:      commitCID,
			}
			order = append(order, request.StreamID)
			continue
		}
		if newerRequest(request, candidate.Request) {
			candidate.Replaced = append(candidate.Replaced, candidate.Request)
			candidate.Request = request
			candidate.CID = commitCID
		} else {
			candidate.Replaced = append(candidate.Replaced, request)
		}
	}

	candidates := make([]*models.Candidate, 0, len(order))
	for _, sid := range order {
		candidates = append(candidates, byStream[sid])
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Request, candidates[j].Request
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return candidates[i].StreamID < candidates[j].StreamID
	})

	streamIDs := make([]string, len(candidates))
	for i, c := range candidates {
		streamIDs[i] = c.StreamID
	}
	metadata, err := s.metadata.FindByStreamIDs(ctx, streamIDs)
	if err != nil {
		return nil, errors.Wrap(err, "loading candidate metadata")
	}
	for _, c := range candidates {
		c.Metadata = metadata[c.StreamID]
	}

	winners := make([]*models.Request, len(candidates))
	for i, c := range candidates {
		winners[i] = c.Request
	}
	existing, err := s.anchors.FindByRequests(ctx, winners)
	if err != nil {
		return nil, errors.Wrap(err, "checking for existing anchors")
	}
	anchored := make(map[uuid.UUID]bool, len(existing))
	for _, a := range existing {
		anchored[a.RequestID] = true
	}

	for _, c := range candidates {
		if anchored[c.Request.ID] {
			c.AlreadyAnchored = true
			groups.AlreadyAnchored = append(groups.AlreadyAnchored, c)
			continue
		}
		if limit > 0 && len(groups.Accepted) >= limit {
			groups.Unprocessed = append(groups.Unprocessed, c)
			continue
		}
		groups.Accepted = append(groups.Accepted, c)
	}
	return groups, nil
}
