package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/ceramicnetwork/go-cas/models"
)

const requestColumns = "id, cid, stream_id, status, message, pinned, origin, timestamp, created_at, updated_at"

// RequestStore is the Postgres implementation of iface.RequestStore.
type RequestStore struct {
	client *Client
	cfg    Config
}

// NewRequestStore binds a request repository to the shared client.
func NewRequestStore(client *Client, cfg Config) *RequestStore {
	return &RequestStore{client: client, cfg: cfg}
}

func scanRequest(row interface{ Scan(...interface{}) error }) (*models.Request, error) {
	r := &models.Request{}
	var status int16
	err := row.Scan(&r.ID, &r.CID, &r.StreamID, &status, &r.Message, &r.Pinned,
		&r.Origin, &r.Timestamp, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.RequestStatus(status)
	r.Timestamp = utc(r.Timestamp)
	r.CreatedAt = utc(r.CreatedAt)
	r.UpdatedAt = utc(r.UpdatedAt)
	return r, nil
}

func scanRequests(rows *sql.Rows) ([]*models.Request, error) {
	defer rows.Close()
	var out []*models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning request row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// CreateOrUpdate upserts by cid. On conflict the existing row is returned
// unchanged.
func (s *RequestStore) CreateOrUpdate(ctx context.Context, request *models.Request) (*models.Request, error) {
	now := s.client.now()
	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}
	row := s.client.db.QueryRowContext(ctx, `
		INSERT INTO request (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (cid) DO NOTHING
		RETURNING `+requestColumns,
		request.ID, request.CID, request.StreamID, int16(request.Status), request.Message,
		request.Pinned, request.Origin, request.Timestamp.UTC(), now, now)
	created, err := scanRequest(row)
	if err == nil {
		return created, nil
	}
	if err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "upserting request")
	}
	// Conflict: hand back the existing row.
	return s.FindByCID(ctx, request.CID)
}

// CreateRequests bulk-inserts, skipping duplicate cids.
func (s *RequestStore) CreateRequests(ctx context.Context, requests []*models.Request) error {
	if len(requests) == 0 {
		return nil
	}
	now := s.client.now()
	values := make([]string, 0, len(requests))
	args := make([]interface{}, 0, len(requests)*10)
	for i, r := range requests {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		base := i * 10
		values = append(values, placeholderRow(base, 10))
		args = append(args, r.ID, r.CID, r.StreamID, int16(r.Status), r.Message,
			r.Pinned, r.Origin, r.Timestamp.UTC(), now, now)
	}
	_, err := s.client.db.ExecContext(ctx, `
		INSERT INTO request (`+requestColumns+`)
		VALUES `+strings.Join(values, ", ")+`
		ON CONFLICT (cid) DO NOTHING`, args...)
	return errors.Wrap(err, "bulk inserting requests")
}

// FindByCID returns the request anchoring the commit, or ErrNotFound.
func (s *RequestStore) FindByCID(ctx context.Context, commitCID string) (*models.Request, error) {
	row := s.client.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM request WHERE cid = $1`, commitCID)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "finding request by cid")
	}
	return r, nil
}

// FindByIDs loads the given requests; missing ids are silently absent.
func (s *RequestStore) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Request, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.client.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM request
		WHERE id = ANY($1)
		ORDER BY created_at ASC`, pq.Array(idStrings(ids)))
	if err != nil {
		return nil, errors.Wrap(err, "finding requests by ids")
	}
	return scanRequests(rows)
}

// FindByStatus lists requests in the given status, oldest first.
func (s *RequestStore) FindByStatus(ctx context.Context, status models.RequestStatus) ([]*models.Request, error) {
	rows, err := s.client.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM request
		WHERE status = $1
		ORDER BY created_at ASC`, int16(status))
	if err != nil {
		return nil, errors.Wrap(err, "finding requests by status")
	}
	return scanRequests(rows)
}

// CountByStatus counts requests in the given status.
func (s *RequestStore) CountByStatus(ctx context.Context, status models.RequestStatus) (int, error) {
	var count int
	err := s.client.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request WHERE status = $1`, int16(status)).Scan(&count)
	return count, errors.Wrap(err, "counting requests by status")
}

// UpdateRequests applies the non-nil update fields to the requests.
func (s *RequestStore) UpdateRequests(ctx context.Context, update models.RequestUpdate, requests []*models.Request) (int, error) {
	if len(requests) == 0 {
		return 0, nil
	}
	var count int64
	err := s.client.runInTx(ctx, sql.LevelRepeatableRead, func(tx *sql.Tx) error {
		var err error
		count, err = updateRequestsTx(ctx, tx, s.client.now(), update, requests)
		return err
	})
	return int(count), err
}

func updateRequestsTx(ctx context.Context, tx *sql.Tx, now time.Time, update models.RequestUpdate, requests []*models.Request) (int64, error) {
	set := []string{"updated_at = $1"}
	args := []interface{}{now}
	if update.Status != nil {
		args = append(args, int16(*update.Status))
		set = append(set, "status = $"+strconv.Itoa(len(args)))
	}
	if update.Message != nil {
		args = append(args, *update.Message)
		set = append(set, "message = $"+strconv.Itoa(len(args)))
	}
	if update.Pinned != nil {
		args = append(args, *update.Pinned)
		set = append(set, "pinned = $"+strconv.Itoa(len(args)))
	}
	args = append(args, pq.Array(idStrings(models.RequestIDs(requests))))
	res, err := tx.ExecContext(ctx, `
		UPDATE request SET `+strings.Join(set, ", ")+`
		WHERE id = ANY($`+strconv.Itoa(len(args))+`)`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "bulk updating requests")
	}
	return res.RowsAffected()
}

// MarkPreviousReplaced retires older competing requests on the same stream.
func (s *RequestStore) MarkPreviousReplaced(ctx context.Context, request *models.Request) (int, error) {
	res, err := s.client.db.ExecContext(ctx, `
		UPDATE request
		SET status = $1, updated_at = $2
		WHERE stream_id = $3
		  AND id != $4
		  AND created_at < $5
		  AND status IN ($6, $7)`,
		int16(models.RequestReplaced), s.client.now(), request.StreamID, request.ID,
		request.CreatedAt.UTC(), int16(models.RequestPending), int16(models.RequestFailed))
	if err != nil {
		return 0, errors.Wrap(err, "marking previous requests replaced")
	}
	count, err := res.RowsAffected()
	return int(count), err
}

// FindAndMarkReady promotes eligible streams' requests to READY inside one
// serializable transaction. Eligible streams have a PENDING request, a
// retryable FAILED request, or a timed-out PROCESSING request; promotion only
// happens when at least minStreams qualify or some PENDING request has
// exceeded the max anchoring delay.
func (s *RequestStore) FindAndMarkReady(ctx context.Context, maxStreams, minStreams int) ([]*models.Request, error) {
	var promoted []*models.Request
	err := s.client.runInTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
		promoted = nil
		now := s.client.now()
		retryWindowStart := now.Add(-s.cfg.FailureRetryWindow)
		processingDeadline := now.Add(-s.cfg.ProcessingTimeout)
		anchoringDeadline := now.Add(-s.cfg.MaxAnchoringDelay)

		rows, err := tx.QueryContext(ctx, `
			SELECT stream_id,
			       MIN(created_at) FILTER (WHERE status = $1) AS oldest_pending
			FROM request
			WHERE (status = $1)
			   OR (status = $2 AND created_at >= $4 AND message != $6)
			   OR (status = $3 AND updated_at <= $5)
			GROUP BY stream_id
			ORDER BY MIN(created_at) ASC
			LIMIT $7`,
			int16(models.RequestPending), int16(models.RequestFailed), int16(models.RequestProcessing),
			retryWindowStart, processingDeadline, models.ConflictResolutionRejection, maxStreams)
		if err != nil {
			return errors.Wrap(err, "selecting eligible streams")
		}
		var streamIDs []string
		forcePromotion := false
		for rows.Next() {
			var sid string
			var oldestPending sql.NullTime
			if err := rows.Scan(&sid, &oldestPending); err != nil {
				rows.Close()
				return errors.Wrap(err, "scanning eligible stream")
			}
			streamIDs = append(streamIDs, sid)
			if oldestPending.Valid && !utc(oldestPending.Time).After(anchoringDeadline) {
				forcePromotion = true
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(streamIDs) == 0 || (len(streamIDs) < minStreams && !forcePromotion) {
			return nil
		}

		// Promote every non-terminal request of the taken streams so newer
		// submissions ride along with the ones that made the stream eligible.
		promotedRows, err := tx.QueryContext(ctx, `
			UPDATE request
			SET status = $1, updated_at = $2
			WHERE stream_id = ANY($3)
			  AND ((status = $4)
			    OR (status = $5 AND created_at >= $7 AND message != $9)
			    OR (status = $6 AND updated_at <= $8))
			RETURNING `+requestColumns,
			int16(models.RequestReady), now, pq.Array(streamIDs),
			int16(models.RequestPending), int16(models.RequestFailed), int16(models.RequestProcessing),
			retryWindowStart, processingDeadline, models.ConflictResolutionRejection)
		if err != nil {
			return errors.Wrap(err, "promoting requests to ready")
		}
		promoted, err = scanRequests(promotedRows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// BatchProcessing atomically takes up to max READY rows into PROCESSING,
// skipping rows locked by a competing worker.
func (s *RequestStore) BatchProcessing(ctx context.Context, max int) ([]*models.Request, error) {
	var taken []*models.Request
	err := s.client.runInTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		taken = nil
		rows, err := tx.QueryContext(ctx, `
			UPDATE request
			SET status = $1, updated_at = $2
			WHERE id IN (
				SELECT id FROM request
				WHERE status = $3
				ORDER BY created_at ASC
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+requestColumns,
			int16(models.RequestProcessing), s.client.now(), int16(models.RequestReady), max)
		if err != nil {
			return errors.Wrap(err, "taking ready batch")
		}
		taken, err = scanRequests(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

// UpdateExpiringReadyRequests refreshes READY rows older than the ready
// timeout so the next promotion pass sees them again.
func (s *RequestStore) UpdateExpiringReadyRequests(ctx context.Context) (int, error) {
	now := s.client.now()
	res, err := s.client.db.ExecContext(ctx, `
		UPDATE request SET updated_at = $1
		WHERE status = $2 AND updated_at <= $3`,
		now, int16(models.RequestReady), now.Add(-s.cfg.ReadyTimeout))
	if err != nil {
		return 0, errors.Wrap(err, "refreshing expired ready requests")
	}
	count, err := res.RowsAffected()
	return int(count), err
}

// FindRequestsToGarbageCollect lists pinned terminal rows past the expiry
// whose stream has seen no newer activity.
func (s *RequestStore) FindRequestsToGarbageCollect(ctx context.Context) ([]*models.Request, error) {
	expiry := s.client.now().Add(-s.cfg.RequestExpiry)
	rows, err := s.client.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM request r
		WHERE r.status IN ($1, $2)
		  AND r.pinned
		  AND r.updated_at < $3
		  AND NOT EXISTS (
			SELECT 1 FROM request newer
			WHERE newer.stream_id = r.stream_id AND newer.updated_at >= $3
		  )
		ORDER BY r.updated_at ASC`,
		int16(models.RequestCompleted), int16(models.RequestFailed), expiry)
	if err != nil {
		return nil, errors.Wrap(err, "finding requests to garbage collect")
	}
	return scanRequests(rows)
}

// CompleteBatch inserts the anchors (conflict-ignored) and completes their
// requests in a single repeatable-read transaction.
func (s *RequestStore) CompleteBatch(ctx context.Context, anchors []*models.Anchor, requests []*models.Request) error {
	return s.client.runInTx(ctx, sql.LevelRepeatableRead, func(tx *sql.Tx) error {
		now := s.client.now()
		if err := insertAnchorsTx(ctx, tx, now, anchors); err != nil {
			return err
		}
		completed := models.RequestCompleted
		pinned := true
		_, err := updateRequestsTx(ctx, tx, now, models.RequestUpdate{Status: &completed, Pinned: &pinned}, requests)
		return err
	})
}

// placeholderRow renders "($n, $n+1, ...)" for a bulk VALUES clause.
func placeholderRow(base, width int) string {
	parts := make([]string, width)
	for i := 0; i < width; i++ {
		parts[i] = "$" + strconv.Itoa(base+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
