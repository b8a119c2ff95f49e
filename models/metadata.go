package models

import "time"

// StreamMetadata carries the genesis-header fields of a stream, loaded from
// the metadata table and consumed by the leaf comparator and the tree
// metadata Bloom filter.
type StreamMetadata struct {
	StreamID    string
	Controllers []string
	Schema      string
	Family      string
	Tags        []string
	Model       string
	UsedAt      time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FirstController returns the first controller DID or the empty string.
func (m *StreamMetadata) FirstController() string {
	if m == nil || len(m.Controllers) == 0 {
		return ""
	}
	return m.Controllers[0]
}
