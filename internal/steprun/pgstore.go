package steprun

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Executor is the slice of pgx both *pgxpool.Pool and pgx.Tx satisfy. Enqueue
// accepts it so a run can be created inside the caller's transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists runs and step checkpoints in PostgreSQL.
type PGStore struct {
	db Executor
}

// NewPGStore creates a Postgres-backed run store.
func NewPGStore(db Executor) *PGStore {
	return &PGStore{db: db}
}

// EnqueueIn inserts a PENDING run using the provided executor, typically the
// transaction that also creates the records the run will operate on.
func EnqueueIn(ctx context.Context, db Executor, spec RunSpec) error {
	query := `
INSERT INTO workflow_runs (id, kind, owner_id, payload, status, attempts, run_after, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'PENDING', 0, NOW(), NOW(), NOW());
`
	if _, err := db.Exec(ctx, query, spec.ID, spec.Kind, spec.OwnerID, spec.Payload); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	return nil
}

func (s *PGStore) Enqueue(ctx context.Context, spec RunSpec) error {
	return EnqueueIn(ctx, s.db, spec)
}

// Claim leases the oldest runnable run. Runnable means PENDING with run_after
// due, or RUNNING with an expired lease (a crashed worker). The per-owner cap
// counts live RUNNING leases.
func (s *PGStore) Claim(ctx context.Context, lease time.Duration) (*ClaimedRun, error) {
	query := `
WITH candidate AS (
    SELECT r.id
    FROM workflow_runs r
    WHERE (
            (r.status = 'PENDING' AND r.run_after <= NOW())
         OR (r.status = 'RUNNING' AND r.lease_expires_at < NOW())
          )
      AND (
            SELECT COUNT(*)
            FROM workflow_runs held
            WHERE held.owner_id = r.owner_id
              AND held.status = 'RUNNING'
              AND held.lease_expires_at >= NOW()
              AND held.id <> r.id
          ) < $2
    ORDER BY r.created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
),
claimed AS (
    UPDATE workflow_runs
    SET status = 'RUNNING',
        attempts = attempts + 1,
        lease_expires_at = NOW() + ($1 * INTERVAL '1 second'),
        updated_at = NOW()
    WHERE id IN (SELECT id FROM candidate)
    RETURNING id, kind, owner_id, payload, attempts
)
SELECT id, kind, owner_id, payload, attempts FROM claimed;
`
	row := s.db.QueryRow(ctx, query, lease.Seconds(), MaxRunsPerOwner)
	var run ClaimedRun
	if err := row.Scan(&run.ID, &run.Kind, &run.OwnerID, &run.Payload, &run.Attempt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNoRun
		}
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return &run, nil
}

func (s *PGStore) RenewLease(ctx context.Context, runID string, lease time.Duration) error {
	query := `
UPDATE workflow_runs
SET lease_expires_at = NOW() + ($2 * INTERVAL '1 second'), updated_at = NOW()
WHERE id = $1 AND status = 'RUNNING';
`
	_, err := s.db.Exec(ctx, query, runID, lease.Seconds())
	return err
}

func (s *PGStore) Complete(ctx context.Context, runID string) error {
	query := `
UPDATE workflow_runs
SET status = 'COMPLETED', lease_expires_at = NULL, last_error = '', updated_at = NOW()
WHERE id = $1;
`
	_, err := s.db.Exec(ctx, query, runID)
	return err
}

func (s *PGStore) Release(ctx context.Context, runID string, retryAfter time.Duration, lastError string) error {
	query := `
UPDATE workflow_runs
SET status = 'PENDING',
    run_after = NOW() + ($2 * INTERVAL '1 second'),
    lease_expires_at = NULL,
    last_error = $3,
    updated_at = NOW()
WHERE id = $1;
`
	_, err := s.db.Exec(ctx, query, runID, retryAfter.Seconds(), lastError)
	return err
}

func (s *PGStore) MarkDead(ctx context.Context, runID, lastError string) error {
	query := `
UPDATE workflow_runs
SET status = 'FAILED', lease_expires_at = NULL, last_error = $2, updated_at = NOW()
WHERE id = $1;
`
	_, err := s.db.Exec(ctx, query, runID, lastError)
	return err
}

func (s *PGStore) LoadStep(ctx context.Context, runID, name string) (*StepOutcome, error) {
	query := `
SELECT step_name, failed, output, error_message
FROM workflow_steps
WHERE run_id = $1 AND step_name = $2;
`
	row := s.db.QueryRow(ctx, query, runID, name)
	var outcome StepOutcome
	if err := row.Scan(&outcome.Name, &outcome.Failed, &outcome.Output, &outcome.ErrorMessage); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load step: %w", err)
	}
	return &outcome, nil
}

// SaveStep records a step outcome. ON CONFLICT DO NOTHING keeps the first
// recorded outcome under concurrent re-execution.
func (s *PGStore) SaveStep(ctx context.Context, runID string, outcome StepOutcome) error {
	query := `
INSERT INTO workflow_steps (run_id, step_name, failed, output, error_message, created_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (run_id, step_name) DO NOTHING;
`
	_, err := s.db.Exec(ctx, query, runID, outcome.Name, outcome.Failed, outcome.Output, outcome.ErrorMessage)
	return err
}

var _ Store = (*PGStore)(nil)
