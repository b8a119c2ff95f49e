package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/ceramicnetwork/go-cas/models"
)

// MetadataStore is the Postgres implementation of iface.MetadataStore. The
// genesis-header fields are stored as one JSONB column keyed by stream id.
type MetadataStore struct {
	client *Client
}

// NewMetadataStore binds a metadata repository to the shared client.
func NewMetadataStore(client *Client) *MetadataStore {
	return &MetadataStore{client: client}
}

// metadataJSON is the JSONB column shape.
type metadataJSON struct {
	Controllers []string `json:"controllers"`
	Schema      string   `json:"schema,omitempty"`
	Family      string   `json:"family,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// CreateOrUpdate upserts the stream's metadata, refreshing used_at.
func (s *MetadataStore) CreateOrUpdate(ctx context.Context, metadata *models.StreamMetadata) error {
	blob, err := json.Marshal(metadataJSON{
		Controllers: metadata.Controllers,
		Schema:      metadata.Schema,
		Family:      metadata.Family,
		Tags:        metadata.Tags,
		Model:       metadata.Model,
	})
	if err != nil {
		return errors.Wrap(err, "encoding stream metadata")
	}
	now := s.client.now()
	_, err = s.client.db.ExecContext(ctx, `
		INSERT INTO metadata (stream_id, metadata, used_at, created_at, updated_at)
		VALUES ($1, $2, $3, $3, $3)
		ON CONFLICT (stream_id) DO UPDATE
		SET metadata = EXCLUDED.metadata, used_at = EXCLUDED.used_at, updated_at = EXCLUDED.updated_at`,
		metadata.StreamID, blob, now)
	return errors.Wrap(err, "upserting stream metadata")
}

// FindByStreamIDs loads metadata for the streams that have any.
func (s *MetadataStore) FindByStreamIDs(ctx context.Context, streamIDs []string) (map[string]*models.StreamMetadata, error) {
	out := make(map[string]*models.StreamMetadata, len(streamIDs))
	if len(streamIDs) == 0 {
		return out, nil
	}
	rows, err := s.client.db.QueryContext(ctx, `
		SELECT stream_id, metadata, used_at, created_at, updated_at
		FROM metadata WHERE stream_id = ANY($1)`, pq.Array(streamIDs))
	if err != nil {
		return nil, errors.Wrap(err, "finding stream metadata")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sid  string
			blob []byte
			m    models.StreamMetadata
		)
		var usedAt, createdAt, updatedAt sql.NullTime
		if err := rows.Scan(&sid, &blob, &usedAt, &createdAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning metadata row")
		}
		var fields metadataJSON
		if err := json.Unmarshal(blob, &fields); err != nil {
			return nil, errors.Wrapf(err, "decoding metadata for stream %s", sid)
		}
		m = models.StreamMetadata{
			StreamID:    sid,
			Controllers: fields.Controllers,
			Schema:      fields.Schema,
			Family:      fields.Family,
			Tags:        fields.Tags,
			Model:       fields.Model,
		}
		if usedAt.Valid {
			m.UsedAt = utc(usedAt.Time)
		}
		if createdAt.Valid {
			m.CreatedAt = utc(createdAt.Time)
		}
		if updatedAt.Valid {
			m.UpdatedAt = utc(updatedAt.Time)
		}
		out[sid] = &m
	}
	return out, rows.Err()
}

// TouchUsedAt records that the streams entered a batch.
func (s *MetadataStore) TouchUsedAt(ctx context.Context, streamIDs []string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	_, err := s.client.db.ExecContext(ctx,
		`UPDATE metadata SET used_at = $1 WHERE stream_id = ANY($2)`,
		s.client.now(), pq.Array(streamIDs))
	return errors.Wrap(err, "touching metadata used_at")
}
