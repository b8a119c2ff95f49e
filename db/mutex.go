package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/ceramicnetwork/go-cas/models"
)

// ErrMutexUnavailable is returned when the advisory lock could not be taken
// within the attempt budget. In DB mode callers skip the tick; in queue mode
// they nack the message.
var ErrMutexUnavailable = errors.New("db: transaction mutex unavailable")

// WithTransactionMutex runs op while holding a named advisory lock, so at
// most one anchor transaction is in flight per database. The lock is
// transaction-scoped: it releases when the wrapping transaction ends, even if
// the process dies mid-operation.
func (s *RequestStore) WithTransactionMutex(ctx context.Context, name string, attempts int, wait time.Duration, op func(ctx context.Context) error) error {
	for attempt := 0; attempt < attempts; attempt++ {
		acquired, err := s.tryTransactionMutex(ctx, name, op)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if attempt < attempts-1 {
			if err := s.client.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	return errors.Wrapf(ErrMutexUnavailable, "lock %q after %d attempts", name, attempts)
}

func (s *RequestStore) tryTransactionMutex(ctx context.Context, name string, op func(ctx context.Context) error) (bool, error) {
	tx, err := s.client.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "beginning mutex transaction")
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.WithError(rbErr).Warn("mutex transaction rollback failed")
		}
	}()

	var acquired bool
	if err := tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtext($1))`, name).Scan(&acquired); err != nil {
		return false, errors.Wrap(err, "acquiring advisory lock")
	}
	if !acquired {
		return false, nil
	}

	// Bump the nonce row so lock contention is observable in the table.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transaction_mutex (name, nonce) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET nonce = transaction_mutex.nonce + 1`, name); err != nil {
		return false, errors.Wrap(err, "recording mutex acquisition")
	}

	if err := op(ctx); err != nil {
		return false, err
	}
	return true, errors.Wrap(tx.Commit(), "committing mutex transaction")
}

// RequestStatusView is the read model backing client status queries.
type RequestStatusView struct {
	Request *models.Request
	Anchor  *models.Anchor
}

// RequestStatus loads the request plus its anchor (when COMPLETED) for the
// ingestion layer's status endpoint.
func (s *RequestStore) RequestStatus(ctx context.Context, commitCID string) (*RequestStatusView, error) {
	request, err := s.FindByCID(ctx, commitCID)
	if err != nil {
		return nil, err
	}
	view := &RequestStatusView{Request: request}
	if request.Status != models.RequestCompleted {
		return view, nil
	}
	row := s.client.db.QueryRowContext(ctx,
		`SELECT `+anchorColumns+` FROM anchor WHERE request_id = $1`, request.ID)
	anchor, err := scanAnchor(row)
	if err == sql.ErrNoRows {
		return view, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading anchor for status")
	}
	view.Anchor = anchor
	return view, nil
}
