package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// CachedResponse is one semantic cache entry: a prior message's embedding
// plus the response that answered it.
type CachedResponse struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	Message    string
	Response   string
	ModelID    string
	Similarity float32
	CreatedAt  time.Time
}

// InsertCachedResponse stores a completed response under its message
// embedding for later semantic lookup.
func (db *DB) InsertCachedResponse(ctx context.Context, orgID uuid.UUID, embedding pgvector.Vector, message, response, modelID string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO response_cache (id, org_id, embedding, message, response, model_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), orgID, embedding, message, response, modelID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: insert cached response: %w", err)
	}
	return nil
}

// SearchCachedResponse returns the closest cache entry for an org newer
// than the cutoff, or nil when nothing is stored yet. The caller decides
// whether the similarity clears its threshold.
func (db *DB) SearchCachedResponse(ctx context.Context, orgID uuid.UUID, embedding pgvector.Vector, since time.Time) (*CachedResponse, error) {
	var entry CachedResponse
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, message, response, model_id, created_at,
		 (1 - (embedding <=> $2)) AS similarity
		 FROM response_cache
		 WHERE org_id = $1 AND created_at >= $3
		 ORDER BY embedding <=> $2
		 LIMIT 1`,
		orgID, embedding, since,
	).Scan(
		&entry.ID, &entry.OrgID, &entry.Message, &entry.Response,
		&entry.ModelID, &entry.CreatedAt, &entry.Similarity,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: search cached response: %w", err)
	}
	return &entry, nil
}

// PurgeCachedResponses deletes entries older than the cutoff and returns
// how many were removed. Run periodically so TTL-expired rows do not bloat
// the vector index.
func (db *DB) PurgeCachedResponses(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM response_cache WHERE created_at < $1`, before,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge cached responses: %w", err)
	}
	return tag.RowsAffected(), nil
}
