package models

import (
	"time"

	"github.com/google/uuid"
)

// Anchor is the persisted result of successfully anchoring one request. Rows
// are inserted once per request id and never updated.
type Anchor struct {
	ID        uuid.UUID
	RequestID uuid.UUID
	// CID of the anchor-commit block.
	CID string
	// ProofCID of the anchor-proof block shared by the whole batch.
	ProofCID string
	// Path is the direction sequence from the Merkle root to the leaf,
	// encoded as 0/1 segments joined by '/'.
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
