package domain

import "context"

// BatchJobRepository defines persistence for batch jobs. The guarded mutation
// methods are idempotent: they touch nothing unless the row is in the expected
// prior state, and report whether they applied.
type BatchJobRepository interface {
	GetForOwner(ctx context.Context, jobID, ownerID string) (*BatchJob, error)
	// MarkProcessing moves PENDING -> PROCESSING; no-op otherwise.
	MarkProcessing(ctx context.Context, jobID string) error
	// Finalize moves PROCESSING to its terminal status derived from the
	// success/failure counts, setting credits_used and the partial-failure
	// message. Applies at most once per job.
	Finalize(ctx context.Context, jobID string, succeeded, failed int) (bool, error)
	// MarkStalled force-fails a job whose workflow died without finishing.
	MarkStalled(ctx context.Context, jobID, cause string) error
}

// VariantRepository defines persistence for variant records. Complete and
// Fail atomically bump the owning job's completed_count in the same statement
// as the status transition, guarded by "status was GENERATING", so a retried
// step can never double-count.
type VariantRepository interface {
	Get(ctx context.Context, id string) (*VariantRecord, error)
	ListByJob(ctx context.Context, jobID string) ([]*VariantRecord, error)
	MarkGenerating(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id, resultKey string) (bool, error)
	Fail(ctx context.Context, id, message string) (bool, error)
}

// LedgerRepository is the account ledger surface. DecrementIfNotApplied is
// exactly-once per idempotency key regardless of retry count and never drives
// a balance negative.
type LedgerRepository interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Grant(ctx context.Context, userID string, amount int64) error
	DecrementIfNotApplied(ctx context.Context, userID, key string, amount int64) (bool, error)
}

// UsageRepository records aggregate usage events for reporting. Best-effort:
// callers may drop failures.
type UsageRepository interface {
	Insert(ctx context.Context, event *UsageEvent) error
}
