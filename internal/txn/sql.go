package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/p2pdesk/internal/retry"
)

// SQLRunner runs units inside SERIALIZABLE Postgres transactions and
// retries units that lose a serialization conflict.
type SQLRunner struct {
	db          *sql.DB
	maxAttempts int
	baseDelay   time.Duration
}

// NewSQLRunner creates a runner backed by db.
func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{
		db:          db,
		maxAttempts: 4,
		baseDelay:   20 * time.Millisecond,
	}
}

// Run executes fn in a transaction. Nested calls join the outer transaction.
func (r *SQLRunner) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if Active(ctx) {
		return fn(ctx)
	}

	return retry.Do(ctx, r.maxAttempts, r.baseDelay, func() error {
		err := r.runOnce(ctx, fn)
		if err != nil && !isRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (r *SQLRunner) runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin settlement unit: %w", err)
	}

	u := &unit{tx: tx}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			u.rollback()
			panic(p)
		}
	}()

	if err = fn(withUnit(ctx, u)); err != nil {
		_ = tx.Rollback()
		u.rollback()
		return err
	}

	if err = tx.Commit(); err != nil {
		u.rollback()
		return fmt.Errorf("commit settlement unit: %w", err)
	}
	u.commit()
	return nil
}

// isRetryable matches serialization_failure and deadlock_detected.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
