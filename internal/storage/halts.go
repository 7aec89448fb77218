package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sluice-ai/sluice/internal/model"
)

// RecordSecurityHalt persists a gate rejection for analytics. Retries on
// transient conflicts because halts are written from the hot path.
func (db *DB) RecordSecurityHalt(ctx context.Context, halt model.SecurityHalt) (model.SecurityHalt, error) {
	if halt.ID == uuid.Nil {
		halt.ID = uuid.New()
	}
	if halt.CreatedAt.IsZero() {
		halt.CreatedAt = time.Now().UTC()
	}
	flags := halt.Flags
	if flags == nil {
		flags = []string{}
	}

	err := WithRetry(ctx, 2, 50*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO security_halts (id, job_id, org_id, score, threshold, explanation, flags, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			halt.ID, halt.JobID, halt.OrgID, halt.Score, halt.Threshold,
			halt.Explanation, flags, halt.CreatedAt,
		)
		return err
	})
	if err != nil {
		return model.SecurityHalt{}, fmt.Errorf("storage: record security halt: %w", err)
	}
	return halt, nil
}

// ListSecurityHalts returns an org's halts newest first.
func (db *DB) ListSecurityHalts(ctx context.Context, orgID uuid.UUID, limit int) ([]model.SecurityHalt, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, org_id, score, threshold, explanation, flags, created_at
		 FROM security_halts WHERE org_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		orgID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list security halts: %w", err)
	}
	defer rows.Close()

	var halts []model.SecurityHalt
	for rows.Next() {
		var h model.SecurityHalt
		if err := rows.Scan(
			&h.ID, &h.JobID, &h.OrgID, &h.Score, &h.Threshold,
			&h.Explanation, &h.Flags, &h.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan security halt: %w", err)
		}
		halts = append(halts, h)
	}
	return halts, rows.Err()
}
