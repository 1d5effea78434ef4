// Package credits is the account ledger: a per-user integer balance mutated
// through a single idempotent decrement keyed by an idempotency key, so a
// retried charge can never apply twice.
package credits

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"scribe/internal/domain"
)

// DB is the executor surface the ledger needs; *pgxpool.Pool and pgx.Tx both
// satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger implements domain.LedgerRepository on PostgreSQL.
type Ledger struct {
	db DB
}

// NewLedger creates a ledger over the given executor.
func NewLedger(db DB) *Ledger {
	return &Ledger{db: db}
}

// Balance returns the user's current credit balance. Users without an account
// row have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	query := `
SELECT balance FROM accounts WHERE user_id = $1;
`
	var balance int64
	if err := l.db.QueryRow(ctx, query, userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// Grant adds credits to a user's balance, creating the account if needed.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64) error {
	query := `
INSERT INTO accounts (user_id, balance, created_at, updated_at)
VALUES ($1, $2, NOW(), NOW())
ON CONFLICT (user_id) DO UPDATE
SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW();
`
	_, err := l.db.Exec(ctx, query, userID, amount)
	return err
}

// DecrementIfNotApplied charges amount against the user's balance exactly
// once per idempotency key. One statement: lock the account only if it can
// cover the charge, append the ledger entry unless the key was already used,
// and decrement the balance only for a freshly appended entry. Reports
// whether the charge applied on this call.
func (l *Ledger) DecrementIfNotApplied(ctx context.Context, userID, key string, amount int64) (bool, error) {
	query := `
WITH funded AS (
    SELECT user_id FROM accounts
    WHERE user_id = $1 AND balance >= $3
    FOR UPDATE
),
entry AS (
    INSERT INTO ledger_entries (id, user_id, idempotency_key, amount, created_at)
    SELECT gen_random_uuid(), user_id, $2, -$3, NOW() FROM funded
    ON CONFLICT (idempotency_key) DO NOTHING
    RETURNING user_id
)
UPDATE accounts
SET balance = balance - $3, updated_at = NOW()
WHERE user_id IN (SELECT user_id FROM entry);
`
	tag, err := l.db.Exec(ctx, query, userID, key, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

var _ domain.LedgerRepository = (*Ledger)(nil)
