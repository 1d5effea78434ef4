package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"scribe/internal/domain"
	"scribe/internal/steprun"
)

// Store bundles the repositories over one pool and provides the transactional
// submission path: job, variants and workflow run are created atomically, so
// a failed submission leaves no records behind.
type Store struct {
	pool     *pgxpool.Pool
	Batches  *BatchRepo
	Variants *VariantRepo
	Usage    *UsageRepo
}

// NewStore creates a Store over the pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:     pool,
		Batches:  NewBatchRepo(pool),
		Variants: NewVariantRepo(pool),
		Usage:    NewUsageRepo(pool),
	}
}

// CreateBatch creates the batch job, its variant records and the workflow run
// in a single transaction.
func (s *Store) CreateBatch(ctx context.Context, job *domain.BatchJob, variants []*domain.VariantRecord, run steprun.RunSpec) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin submission: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := NewBatchRepo(tx).Create(ctx, job); err != nil {
		return fmt.Errorf("create batch job: %w", err)
	}
	txVariants := NewVariantRepo(tx)
	for _, v := range variants {
		if err := txVariants.Create(ctx, v); err != nil {
			return fmt.Errorf("create variant: %w", err)
		}
	}
	if err := steprun.EnqueueIn(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// BatchForOwner delegates to the batch repository.
func (s *Store) BatchForOwner(ctx context.Context, jobID, ownerID string) (*domain.BatchJob, error) {
	return s.Batches.GetForOwner(ctx, jobID, ownerID)
}

// VariantsByJob delegates to the variant repository.
func (s *Store) VariantsByJob(ctx context.Context, jobID string) ([]*domain.VariantRecord, error) {
	return s.Variants.ListByJob(ctx, jobID)
}

// CreateVariant delegates to the variant repository.
func (s *Store) CreateVariant(ctx context.Context, v *domain.VariantRecord) error {
	return s.Variants.Create(ctx, v)
}

// MarkVariantGenerating delegates to the variant repository.
func (s *Store) MarkVariantGenerating(ctx context.Context, id string) (bool, error) {
	return s.Variants.MarkGenerating(ctx, id)
}

// CompleteVariant delegates to the variant repository.
func (s *Store) CompleteVariant(ctx context.Context, id, resultKey string) (bool, error) {
	return s.Variants.Complete(ctx, id, resultKey)
}

// FailVariant delegates to the variant repository.
func (s *Store) FailVariant(ctx context.Context, id, message string) (bool, error) {
	return s.Variants.Fail(ctx, id, message)
}
