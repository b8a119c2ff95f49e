package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/ceramicnetwork/go-cas/models"
)

const anchorColumns = "id, request_id, path, cid, proof_cid, created_at, updated_at"

// AnchorStore is the Postgres implementation of iface.AnchorStore.
type AnchorStore struct {
	client *Client
}

// NewAnchorStore binds an anchor repository to the shared client.
func NewAnchorStore(client *Client) *AnchorStore {
	return &AnchorStore{client: client}
}

func scanAnchor(row interface{ Scan(...interface{}) error }) (*models.Anchor, error) {
	a := &models.Anchor{}
	err := row.Scan(&a.ID, &a.RequestID, &a.Path, &a.CID, &a.ProofCID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = utc(a.CreatedAt)
	a.UpdatedAt = utc(a.UpdatedAt)
	return a, nil
}

// CreateAnchors bulk-inserts with conflict-ignore on request id, returning
// the count actually inserted. Safe to replay after a partial failure.
func (s *AnchorStore) CreateAnchors(ctx context.Context, anchors []*models.Anchor) (int, error) {
	if len(anchors) == 0 {
		return 0, nil
	}
	var inserted int64
	err := s.client.runInTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		var err error
		inserted, err = insertAnchorsCountTx(ctx, tx, s.client.now(), anchors)
		return err
	})
	return int(inserted), err
}

func insertAnchorsTx(ctx context.Context, tx *sql.Tx, now time.Time, anchors []*models.Anchor) error {
	_, err := insertAnchorsCountTx(ctx, tx, now, anchors)
	return err
}

func insertAnchorsCountTx(ctx context.Context, tx *sql.Tx, now time.Time, anchors []*models.Anchor) (int64, error) {
	if len(anchors) == 0 {
		return 0, nil
	}
	values := make([]string, 0, len(anchors))
	args := make([]interface{}, 0, len(anchors)*7)
	for i, a := range anchors {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		values = append(values, placeholderRow(i*7, 7))
		args = append(args, a.ID, a.RequestID, a.Path, a.CID, a.ProofCID, now, now)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO anchor (`+anchorColumns+`)
		VALUES `+strings.Join(values, ", ")+`
		ON CONFLICT (request_id) DO NOTHING`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "bulk inserting anchors")
	}
	return res.RowsAffected()
}

// FindByRequest returns the anchor for a request, or ErrNotFound.
func (s *AnchorStore) FindByRequest(ctx context.Context, request *models.Request) (*models.Anchor, error) {
	row := s.client.db.QueryRowContext(ctx,
		`SELECT `+anchorColumns+` FROM anchor WHERE request_id = $1`, request.ID)
	a, err := scanAnchor(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "finding anchor by request")
	}
	return a, nil
}

// FindByRequests returns the anchors that exist for any of the requests.
func (s *AnchorStore) FindByRequests(ctx context.Context, requests []*models.Request) ([]*models.Anchor, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	rows, err := s.client.db.QueryContext(ctx, `
		SELECT `+anchorColumns+` FROM anchor
		WHERE request_id = ANY($1)`, pq.Array(idStrings(models.RequestIDs(requests))))
	if err != nil {
		return nil, errors.Wrap(err, "finding anchors by requests")
	}
	defer rows.Close()
	var out []*models.Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning anchor row")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
