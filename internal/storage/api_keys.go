package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sluice-ai/sluice/internal/model"
)

const apiKeyColumns = `id, prefix, key_hash, org_id, user_id, label, created_at, last_used_at, expires_at, revoked_at`

// CreateAPIKey inserts a new API key.
func (db *DB) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, org_id, user_id, label, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.Prefix, key.KeyHash, key.OrgID, key.UserID,
		key.Label, key.CreatedAt, key.ExpiresAt,
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// GetAPIKeyByPrefix looks up a single active API key by prefix. The prefix
// pre-filter keeps the argon2 verification to one candidate. Global (no org
// scope) because this runs during auth before the org is known. Returns
// ErrNotFound when no matching active key exists.
func (db *DB) GetAPIKeyByPrefix(ctx context.Context, prefix string) (model.APIKey, error) {
	var k model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+`
		 FROM api_keys
		 WHERE prefix = $1
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > now())
		 LIMIT 1`,
		prefix,
	).Scan(
		&k.ID, &k.Prefix, &k.KeyHash, &k.OrgID, &k.UserID,
		&k.Label, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key by prefix: %w", err)
	}
	return k, nil
}

// TouchAPIKeyLastUsed updates the last_used_at timestamp. Called from the
// auth middleware on successful authentication; callers should not block on
// the result.
func (db *DB) TouchAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`,
		keyID,
	)
	if err != nil {
		return fmt.Errorf("storage: touch api key last_used: %w", err)
	}
	return nil
}

// RevokeAPIKey sets revoked_at on an active key. Returns ErrNotFound when
// the key does not exist, is in another org, or is already revoked.
func (db *DB) RevokeAPIKey(ctx context.Context, orgID, keyID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now()
		 WHERE id = $1 AND org_id = $2 AND revoked_at IS NULL`,
		keyID, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: api key %s: %w", keyID, ErrNotFound)
	}
	return nil
}

// ListAPIKeys returns an org's keys newest first, including revoked and
// expired ones for admin visibility.
func (db *DB) ListAPIKeys(ctx context.Context, orgID uuid.UUID, limit int) ([]model.APIKey, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+apiKeyColumns+`
		 FROM api_keys WHERE org_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		orgID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(
			&k.ID, &k.Prefix, &k.KeyHash, &k.OrgID, &k.UserID,
			&k.Label, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
