// Package models holds the persisted and transient record types shared by
// the anchoring pipeline.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of an anchor request, stored as a
// smallint column.
type RequestStatus int16

const (
	RequestPending RequestStatus = iota
	RequestProcessing
	RequestCompleted
	RequestFailed
	RequestReady
	RequestReplaced
)

// String implements fmt.Stringer for log output.
func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "PENDING"
	case RequestProcessing:
		return "PROCESSING"
	case RequestCompleted:
		return "COMPLETED"
	case RequestFailed:
		return "FAILED"
	case RequestReady:
		return "READY"
	case RequestReplaced:
		return "REPLACED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the pipeline will never pick the request up again.
// FAILED is not terminal: it stays retryable inside the failure retry window.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestReplaced
}

// ConflictResolutionRejection is stored in Request.Message when a commit was
// superseded upstream. The readiness query matches this string verbatim, so
// it must never change without a migration.
const ConflictResolutionRejection = "Request has failed. Updated was rejected by conflict resolution."

// Request is one client demand that a commit CID on a stream be anchored.
type Request struct {
	ID        uuid.UUID
	CID       string
	StreamID  string
	Status    RequestStatus
	Message   string
	Pinned    bool
	Origin    string
	Timestamp time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequestUpdate is the set of mutable fields applied by bulk updates. Nil
// pointers leave the column untouched.
type RequestUpdate struct {
	Status  *RequestStatus
	Message *string
	Pinned  *bool
}

// StatusUpdate returns a RequestUpdate that only moves the status.
func StatusUpdate(status RequestStatus) RequestUpdate {
	return RequestUpdate{Status: &status}
}

// RequestIDs projects the id column from a slice of requests.
func RequestIDs(requests []*Request) []uuid.UUID {
	ids := make([]uuid.UUID, len(requests))
	for i, r := range requests {
		ids[i] = r.ID
	}
	return ids
}
