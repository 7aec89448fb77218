package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DefaultSecurityThreshold applies to orgs that have never written a
// settings row. Analysis scores at or above it halt the job.
const DefaultSecurityThreshold = 8

// SecurityThreshold returns the halt threshold for an org. Orgs without a
// settings row get DefaultSecurityThreshold.
func (db *DB) SecurityThreshold(ctx context.Context, orgID uuid.UUID) (int, error) {
	var threshold int
	err := db.pool.QueryRow(ctx,
		`SELECT security_threshold FROM org_settings WHERE org_id = $1`, orgID,
	).Scan(&threshold)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultSecurityThreshold, nil
		}
		return 0, fmt.Errorf("storage: get security threshold: %w", err)
	}
	return threshold, nil
}

// SetSecurityThreshold upserts the org's halt threshold. Values outside
// [0,10] are rejected.
func (db *DB) SetSecurityThreshold(ctx context.Context, orgID uuid.UUID, threshold int) error {
	if threshold < 0 || threshold > 10 {
		return fmt.Errorf("storage: security threshold %d out of range [0,10]", threshold)
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO org_settings (org_id, security_threshold, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (org_id) DO UPDATE SET security_threshold = $2, updated_at = $3`,
		orgID, threshold, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: set security threshold: %w", err)
	}
	return nil
}
