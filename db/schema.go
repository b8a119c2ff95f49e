package db

import (
	"context"

	"github.com/pkg/errors"
)

// schema is the logical relational model. Timestamps are stored without a
// timezone; the connection pins them to UTC.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS request (
		id UUID PRIMARY KEY,
		cid TEXT NOT NULL UNIQUE,
		stream_id TEXT NOT NULL,
		status SMALLINT NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		pinned BOOLEAN NOT NULL DEFAULT FALSE,
		origin TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_status ON request (status)`,
	`CREATE INDEX IF NOT EXISTS idx_request_stream_id ON request (stream_id)`,
	`CREATE TABLE IF NOT EXISTS anchor (
		id UUID PRIMARY KEY,
		request_id UUID NOT NULL UNIQUE REFERENCES request (id),
		path TEXT NOT NULL,
		cid TEXT NOT NULL,
		proof_cid TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metadata (
		stream_id TEXT PRIMARY KEY,
		metadata JSONB NOT NULL,
		used_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transaction_mutex (
		name TEXT PRIMARY KEY,
		nonce BIGINT NOT NULL DEFAULT 0
	)`,
}

// Migrate creates the schema if it does not exist.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrating schema")
		}
	}
	return nil
}
