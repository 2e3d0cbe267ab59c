package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
)

// CreateVideoJobTx records a queued render for a video step, in the same
// transaction that parks the enrollment awaiting it.
func (s *Store) CreateVideoJobTx(ctx context.Context, tx *sql.Tx, j *domain.VideoGenerationJob) error {
	j.ID = uuid.New().String()
	if j.Status == "" {
		j.Status = domain.VideoQueued
	}
	j.CreatedAt = time.Now()
	j.UpdatedAt = j.CreatedAt

	_, err := tx.ExecContext(ctx, `
		INSERT INTO video_generation_jobs
			(id, enrollment_id, instance_id, step_number, provider, provider_job_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		j.ID, j.EnrollmentID, j.InstanceID, j.StepNumber, j.Provider, j.ProviderJobID,
		j.Status, j.CreatedAt, j.UpdatedAt)
	return err
}

// GetVideoJobByProviderRef resolves the job a provider completion webhook
// refers to.
func (s *Store) GetVideoJobByProviderRef(ctx context.Context, provider, providerJobID string) (*domain.VideoGenerationJob, error) {
	j := &domain.VideoGenerationJob{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, enrollment_id, instance_id, step_number, provider, provider_job_id,
		       status, video_url, failure_reason, created_at, updated_at
		FROM video_generation_jobs
		WHERE provider = $1 AND provider_job_id = $2`,
		provider, providerJobID).Scan(
		&j.ID, &j.EnrollmentID, &j.InstanceID, &j.StepNumber, &j.Provider, &j.ProviderJobID,
		&j.Status, &j.VideoURL, &j.FailureReason, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return j, err
}

// CompleteVideoJobTx marks a job finished with its rendered URL. Only
// queued or rendering jobs complete; a redelivered completion webhook
// affects zero rows and reports false.
func (s *Store) CompleteVideoJobTx(ctx context.Context, tx *sql.Tx, id, videoURL string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE video_generation_jobs
		SET status = 'completed', video_url = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'rendering')`, id, videoURL)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailVideoJobTx marks a job failed with the provider's reason.
func (s *Store) FailVideoJobTx(ctx context.Context, tx *sql.Tx, id, reason string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE video_generation_jobs
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'rendering')`, id, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
