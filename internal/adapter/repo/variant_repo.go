package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"scribe/internal/domain"
)

// VariantRepo implements domain.VariantRepository on PostgreSQL.
type VariantRepo struct {
	db DB
}

// NewVariantRepo creates a variant record repository.
func NewVariantRepo(db DB) *VariantRepo {
	return &VariantRepo{db: db}
}

// Create inserts a new variant record. BatchJobID may be empty for
// single-shot renders.
func (r *VariantRepo) Create(ctx context.Context, v *domain.VariantRecord) error {
	params, err := json.Marshal(v.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	query := `
INSERT INTO variant_records (id, user_id, batch_job_id, params, status, result_key, error_message, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, '', '', NOW(), NOW());
`
	_, err = r.db.Exec(ctx, query, v.ID, v.UserID, v.BatchJobID, params, v.Status)
	return err
}

// Get fetches a variant by id.
func (r *VariantRepo) Get(ctx context.Context, id string) (*domain.VariantRecord, error) {
	query := selectVariants + `WHERE id = $1;`
	row := r.db.QueryRow(ctx, query, id)
	v, err := scanVariant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// ListByJob returns a job's variants in creation order.
func (r *VariantRepo) ListByJob(ctx context.Context, jobID string) ([]*domain.VariantRecord, error) {
	query := selectVariants + `WHERE batch_job_id = $1 ORDER BY created_at ASC, id ASC;`
	rows, err := r.db.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []*domain.VariantRecord
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// MarkGenerating moves PENDING -> GENERATING and reports whether it applied.
func (r *VariantRepo) MarkGenerating(ctx context.Context, id string) (bool, error) {
	query := `
UPDATE variant_records
SET status = 'GENERATING', updated_at = NOW()
WHERE id = $1 AND status = 'PENDING';
`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Complete moves GENERATING -> COMPLETED and, in the same statement, bumps the
// owning job's completed_count. The "status was GENERATING" guard means a
// retried step neither rewrites the terminal state nor counts twice.
func (r *VariantRepo) Complete(ctx context.Context, id, resultKey string) (bool, error) {
	query := `
WITH moved AS (
    UPDATE variant_records
    SET status = 'COMPLETED', result_key = $2, error_message = '', updated_at = NOW()
    WHERE id = $1 AND status = 'GENERATING'
    RETURNING batch_job_id
),
bumped AS (
    UPDATE batch_jobs
    SET completed_count = completed_count + 1, updated_at = NOW()
    WHERE id IN (SELECT batch_job_id FROM moved WHERE batch_job_id IS NOT NULL)
    RETURNING id
)
SELECT COUNT(*) FROM moved;
`
	return r.applyTerminal(ctx, query, id, resultKey)
}

// Fail is the failure twin of Complete: GENERATING -> FAILED with the cause,
// counter bumped atomically.
func (r *VariantRepo) Fail(ctx context.Context, id, message string) (bool, error) {
	query := `
WITH moved AS (
    UPDATE variant_records
    SET status = 'FAILED', error_message = $2, updated_at = NOW()
    WHERE id = $1 AND status = 'GENERATING'
    RETURNING batch_job_id
),
bumped AS (
    UPDATE batch_jobs
    SET completed_count = completed_count + 1, updated_at = NOW()
    WHERE id IN (SELECT batch_job_id FROM moved WHERE batch_job_id IS NOT NULL)
    RETURNING id
)
SELECT COUNT(*) FROM moved;
`
	return r.applyTerminal(ctx, query, id, message)
}

func (r *VariantRepo) applyTerminal(ctx context.Context, query, id, arg string) (bool, error) {
	row := r.db.QueryRow(ctx, query, id, arg)
	var moved int
	if err := row.Scan(&moved); err != nil {
		return false, err
	}
	return moved > 0, nil
}

const selectVariants = `
SELECT id, user_id, COALESCE(batch_job_id::text, ''), params, status, result_key, error_message, created_at, updated_at
FROM variant_records
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVariant(row rowScanner) (*domain.VariantRecord, error) {
	var v domain.VariantRecord
	var params []byte
	if err := row.Scan(
		&v.ID,
		&v.UserID,
		&v.BatchJobID,
		&params,
		&v.Status,
		&v.ResultKey,
		&v.ErrorMessage,
		&v.CreatedAt,
		&v.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &v.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return &v, nil
}

var _ domain.VariantRepository = (*VariantRepo)(nil)
