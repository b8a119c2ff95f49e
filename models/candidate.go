package models

import "github.com/ipfs/go-cid"

// Candidate is the per-stream record a batch actually anchors: one stream,
// one candidate, one Merkle leaf. Candidates are transient and owned by the
// anchor service for the duration of a batch.
type Candidate struct {
	StreamID string
	// Request is the winning request when several target the same stream.
	Request *Request
	// Replaced holds the losing requests for the same stream; they are
	// completed together with the winner.
	Replaced []*Request
	Metadata *StreamMetadata
	CID      cid.Cid
	// AlreadyAnchored is set when an Anchor row exists for the request; the
	// candidate is excluded from the tree but its request still completes.
	AlreadyAnchored bool
}

// AllRequests returns the winner plus any replaced requests.
func (c *Candidate) AllRequests() []*Request {
	out := make([]*Request, 0, 1+len(c.Replaced))
	out = append(out, c.Request)
	out = append(out, c.Replaced...)
	return out
}

// Model returns the stream's model id, or "" when metadata has no model.
func (c *Candidate) Model() string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata.Model
}

// FirstController returns the stream's first controller, or "".
func (c *Candidate) FirstController() string {
	return c.Metadata.FirstController()
}
