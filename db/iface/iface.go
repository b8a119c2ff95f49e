// Package iface defines the persistence contracts the anchoring pipeline
// consumes. The db package implements them on Postgres; db/memdb provides
// in-memory doubles for tests and single-process deployments.
package iface

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ceramicnetwork/go-cas/models"
)

// RequestStore owns request rows and their status transitions.
type RequestStore interface {
	// CreateOrUpdate upserts by commit CID. On conflict the existing row is
	// returned unchanged; concurrent calls for the same CID are safe.
	CreateOrUpdate(ctx context.Context, request *models.Request) (*models.Request, error)
	// CreateRequests bulk-inserts, ignoring duplicates by CID.
	CreateRequests(ctx context.Context, requests []*models.Request) error
	FindByCID(ctx context.Context, commitCID string) (*models.Request, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Request, error)
	FindByStatus(ctx context.Context, status models.RequestStatus) ([]*models.Request, error)
	CountByStatus(ctx context.Context, status models.RequestStatus) (int, error)
	// UpdateRequests applies the non-nil fields of update to every request,
	// returning the number of rows touched.
	UpdateRequests(ctx context.Context, update models.RequestUpdate, requests []*models.Request) (int, error)
	// MarkPreviousReplaced moves older non-terminal requests on the same
	// stream to REPLACED.
	MarkPreviousReplaced(ctx context.Context, request *models.Request) (int, error)
	// FindAndMarkReady atomically promotes eligible streams' requests from
	// PENDING (and retryable FAILED / timed-out PROCESSING) to READY.
	FindAndMarkReady(ctx context.Context, maxStreams, minStreams int) ([]*models.Request, error)
	// BatchProcessing atomically takes up to max READY rows into PROCESSING.
	BatchProcessing(ctx context.Context, max int) ([]*models.Request, error)
	// UpdateExpiringReadyRequests refreshes READY rows stuck past the ready
	// timeout so they are picked up again.
	UpdateExpiringReadyRequests(ctx context.Context) (int, error)
	// FindRequestsToGarbageCollect lists expired terminal rows whose stream
	// has no newer request.
	FindRequestsToGarbageCollect(ctx context.Context) ([]*models.Request, error)
	// WithTransactionMutex runs op while holding the named advisory lock,
	// retrying acquisition up to attempts times with wait between tries.
	WithTransactionMutex(ctx context.Context, name string, attempts int, wait time.Duration, op func(ctx context.Context) error) error
	// CompleteBatch persists anchors and completes their requests in one
	// transaction, retrying the persist step on serialization conflicts.
	CompleteBatch(ctx context.Context, anchors []*models.Anchor, requests []*models.Request) error
}

// AnchorStore owns anchor rows.
type AnchorStore interface {
	// CreateAnchors bulk-inserts with conflict-ignore on request id and
	// returns the number of rows actually inserted.
	CreateAnchors(ctx context.Context, anchors []*models.Anchor) (int, error)
	FindByRequest(ctx context.Context, request *models.Request) (*models.Anchor, error)
	FindByRequests(ctx context.Context, requests []*models.Request) ([]*models.Anchor, error)
}

// MetadataStore owns per-stream genesis-header metadata.
type MetadataStore interface {
	// CreateOrUpdate upserts metadata for a stream.
	CreateOrUpdate(ctx context.Context, metadata *models.StreamMetadata) error
	FindByStreamIDs(ctx context.Context, streamIDs []string) (map[string]*models.StreamMetadata, error)
	// TouchUsedAt records that the streams entered a batch.
	TouchUsedAt(ctx context.Context, streamIDs []string) error
}
