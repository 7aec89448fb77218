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

// CreateJob inserts a new job in running state and returns it.
func (db *DB) CreateJob(ctx context.Context, orgID, userID uuid.UUID) (model.Job, error) {
	job := model.Job{
		ID:        uuid.New(),
		OrgID:     orgID,
		UserID:    userID,
		Status:    model.JobStatusRunning,
		CreatedAt: time.Now().UTC(),
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO jobs (id, org_id, user_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.OrgID, job.UserID, string(job.Status), job.CreatedAt,
	)
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: create job: %w", err)
	}
	return job, nil
}

// FinishJob records a job's terminal state: final status, the model that
// answered (empty when none did), attempt count, spend, and error text.
func (db *DB) FinishJob(ctx context.Context, job model.Job) error {
	completedAt := time.Now().UTC()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, provider = $2, model = $3, attempts = $4,
		 cost_usd = $5, error = $6, completed_at = $7
		 WHERE id = $8`,
		string(job.Status), job.Provider, job.Model, job.Attempts,
		job.CostUSD, job.Error, completedAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// GetJob retrieves a job by ID, scoped to the given org.
func (db *DB) GetJob(ctx context.Context, orgID, id uuid.UUID) (model.Job, error) {
	var job model.Job
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, user_id, status, provider, model, attempts, cost_usd, error, created_at, completed_at
		 FROM jobs WHERE id = $1 AND org_id = $2`, id, orgID,
	).Scan(
		&job.ID, &job.OrgID, &job.UserID, &job.Status, &job.Provider, &job.Model,
		&job.Attempts, &job.CostUSD, &job.Error, &job.CreatedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, fmt.Errorf("storage: job %s: %w", id, ErrNotFound)
		}
		return model.Job{}, fmt.Errorf("storage: get job: %w", err)
	}
	return job, nil
}

// ListJobs returns an org's jobs newest first with pagination.
func (db *DB) ListJobs(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, org_id, user_id, status, provider, model, attempts, cost_usd, error, created_at, completed_at
		 FROM jobs WHERE org_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		orgID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var job model.Job
		if err := rows.Scan(
			&job.ID, &job.OrgID, &job.UserID, &job.Status, &job.Provider, &job.Model,
			&job.Attempts, &job.CostUSD, &job.Error, &job.CreatedAt, &job.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
