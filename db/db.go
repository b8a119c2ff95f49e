// Package db implements the anchoring stores on Postgres via database/sql
// and lib/pq. The connection is pinned to UTC so timestamp columns round-trip
// as instants regardless of the server timezone.
package db

import (
	"context"
	"database/sql"
	"net/url"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ceramicnetwork/go-cas/clock"
)

var log = logrus.WithField("prefix", "db")

const (
	// serializationFailure is the Postgres error code for a lost
	// serialization conflict (SQLSTATE 40001).
	serializationFailure = "40001"

	// serializationRetryDelay is slept between retries of a transaction that
	// lost a serialization conflict.
	serializationRetryDelay = 100 * time.Millisecond
	// serializationRetryAttempts bounds those retries.
	serializationRetryAttempts = 5
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("db: not found")

// Config carries the store-level tuning knobs.
type Config struct {
	// MaxAnchoringDelay force-promotes a stream whose oldest PENDING request
	// is older than this.
	MaxAnchoringDelay time.Duration
	// ProcessingTimeout re-promotes PROCESSING rows not updated within it.
	ProcessingTimeout time.Duration
	// ReadyTimeout refreshes READY rows stuck past it.
	ReadyTimeout time.Duration
	// FailureRetryWindow bounds how long FAILED requests stay retryable.
	FailureRetryWindow time.Duration
	// RequestExpiry ages out terminal rows for garbage collection.
	RequestExpiry time.Duration
}

// Client wraps the sql connection pool shared by the repositories.
type Client struct {
	db    *sql.DB
	clock clock.Clock
}

// Open connects to Postgres. The DSN's timezone is forced to UTC.
func Open(dsn string, clk clock.Clock) (*Client, error) {
	pinned, err := pinUTC(dsn)
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open("postgres", pinned)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres connection")
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return &Client{db: sqlDB, clock: clk}, nil
}

// pinUTC appends TimeZone=UTC to a postgres URL or key/value DSN.
func pinUTC(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		q := u.Query()
		q.Set("TimeZone", "UTC")
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	if dsn == "" {
		return "", errors.New("empty database DSN")
	}
	return dsn + " TimeZone=UTC", nil
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// now returns the current UTC instant from the injected clock.
func (c *Client) now() time.Time {
	return c.clock.Now()
}

// utc normalises a scanned timestamp to a UTC instant. Columns are
// `timestamp without time zone`; with the connection pinned to UTC the driver
// hands back the stored wall time, which is asserted to be UTC here.
func utc(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// isSerializationFailure reports whether err is a Postgres serialization
// conflict (SQLSTATE 40001).
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == serializationFailure
	}
	return false
}

// runInTx executes op inside a transaction at the given isolation level,
// retrying serialization conflicts with a short sleep. Any other error rolls
// the transaction back entirely.
func (c *Client) runInTx(ctx context.Context, isolation sql.IsolationLevel, op func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < serializationRetryAttempts; attempt++ {
		tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
		if err != nil {
			return errors.Wrap(err, "beginning transaction")
		}
		err = op(tx)
		if err == nil {
			if err = tx.Commit(); err == nil {
				return nil
			}
		}
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.WithError(rbErr).Warn("transaction rollback failed")
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
		log.WithField("attempt", attempt+1).Debug("retrying serialization conflict")
		if err := c.clock.Sleep(ctx, serializationRetryDelay); err != nil {
			return err
		}
	}
	return errors.Wrap(lastErr, "serialization conflict retries exhausted")
}
