package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"scribe/internal/domain"
)

// BatchRepo implements domain.BatchJobRepository on PostgreSQL.
type BatchRepo struct {
	db DB
}

// NewBatchRepo creates a batch job repository.
func NewBatchRepo(db DB) *BatchRepo {
	return &BatchRepo{db: db}
}

// Create inserts a new batch job record.
func (r *BatchRepo) Create(ctx context.Context, job *domain.BatchJob) error {
	query := `
INSERT INTO batch_jobs (id, user_id, name, text, total_variants, completed_count, credits_used, status, error_message, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, 0, $6, '', NOW(), NOW());
`
	_, err := r.db.Exec(ctx, query, job.ID, job.UserID, job.Name, job.Text, job.TotalVariants, job.Status)
	return err
}

// GetForOwner fetches a job by id, scoped to its owner. A job owned by
// someone else is indistinguishable from an absent one.
func (r *BatchRepo) GetForOwner(ctx context.Context, jobID, ownerID string) (*domain.BatchJob, error) {
	query := `
SELECT id, user_id, name, text, total_variants, completed_count, credits_used, status, error_message, created_at, updated_at
FROM batch_jobs
WHERE id = $1 AND user_id = $2;
`
	row := r.db.QueryRow(ctx, query, jobID, ownerID)
	var job domain.BatchJob
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Name,
		&job.Text,
		&job.TotalVariants,
		&job.CompletedCount,
		&job.CreditsUsed,
		&job.Status,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// MarkProcessing moves PENDING -> PROCESSING. Already-processing or terminal
// jobs are left untouched, which makes a retried first step a no-op.
func (r *BatchRepo) MarkProcessing(ctx context.Context, jobID string) error {
	query := `
UPDATE batch_jobs
SET status = 'PROCESSING', updated_at = NOW()
WHERE id = $1 AND status = 'PENDING';
`
	_, err := r.db.Exec(ctx, query, jobID)
	return err
}

// Finalize resolves a PROCESSING job to its terminal status: COMPLETED when
// at least one variant succeeded, FAILED when none did. The status guard makes
// it apply at most once.
func (r *BatchRepo) Finalize(ctx context.Context, jobID string, succeeded, failed int) (bool, error) {
	status := domain.BatchStatusCompleted
	if succeeded == 0 {
		status = domain.BatchStatusFailed
	}
	message := ""
	if failed > 0 {
		message = fmt.Sprintf("%d of %d variants failed", failed, succeeded+failed)
	}
	query := `
UPDATE batch_jobs
SET status = $2, credits_used = $3, error_message = $4, updated_at = NOW()
WHERE id = $1 AND status = 'PROCESSING';
`
	tag, err := r.db.Exec(ctx, query, jobID, status, succeeded, message)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkStalled force-fails a job whose workflow exhausted its run attempts.
// Variants that completed before the stall were already charged, so
// credits_used is reconciled with them in the same statement. Terminal jobs
// are left alone.
func (r *BatchRepo) MarkStalled(ctx context.Context, jobID, cause string) error {
	query := `
UPDATE batch_jobs
SET status = 'FAILED',
    error_message = $2,
    credits_used = (
        SELECT COUNT(*) FROM variant_records
        WHERE batch_job_id = $1 AND status = 'COMPLETED'
    ),
    updated_at = NOW()
WHERE id = $1 AND status IN ('PENDING', 'PROCESSING');
`
	_, err := r.db.Exec(ctx, query, jobID, fmt.Sprintf("workflow stalled: %s", cause))
	return err
}

var _ domain.BatchJobRepository = (*BatchRepo)(nil)
