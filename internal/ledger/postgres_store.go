package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/txn"
)

// PostgresStore implements Store with PostgreSQL. Guards live in the WHERE
// clause so the check and the write are one statement; the balances table
// also rejects negative available and locked amounts. total = available + locked
// is checked by the ledger and by reconciliation, not by the table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const balanceColumns = `user_id, currency, total, available, locked, updated_at`

func (p *PostgresStore) Get(ctx context.Context, userID, currency string) (*Balance, error) {
	row := txn.DB(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+balanceColumns+` FROM balances WHERE user_id = $1 AND currency = $2
	`, userID, currency)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBalanceNotFound
	}
	return b, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Balance, error) {
	rows, err := txn.DB(ctx, p.db).QueryContext(ctx, `
		SELECT `+balanceColumns+` FROM balances WHERE user_id = $1 ORDER BY currency
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanBalances(rows)
}

func (p *PostgresStore) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Change, error) {
	after, err := p.credit(ctx, userID, currency, amount)
	if err != nil {
		return nil, err
	}
	before := after.clone()
	before.Total = before.Total.Sub(amount)
	before.Available = before.Available.Sub(amount)
	return &Change{Before: before, After: after}, nil
}

func (p *PostgresStore) credit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Balance, error) {
	row := txn.DB(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO balances (user_id, currency, total, available, locked, updated_at)
		VALUES ($1, $2, $3, $3, 0, NOW())
		ON CONFLICT (user_id, currency) DO UPDATE SET
			total = balances.total + EXCLUDED.total,
			available = balances.available + EXCLUDED.available,
			updated_at = NOW()
		RETURNING `+balanceColumns,
		userID, currency, amount)
	b, err := scanBalance(row)
	if err != nil {
		return nil, fmt.Errorf("credit %s/%s: %w", userID, currency, err)
	}
	return b, nil
}

func (p *PostgresStore) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Change, error) {
	after, err := p.conditional(ctx, `
		UPDATE balances SET total = total - $3, available = available - $3, updated_at = NOW()
		WHERE user_id = $1 AND currency = $2 AND available >= $3
		RETURNING `+balanceColumns, ErrInsufficientBalance, userID, currency, amount)
	if err != nil {
		return nil, err
	}
	before := after.clone()
	before.Total = before.Total.Add(amount)
	before.Available = before.Available.Add(amount)
	return &Change{Before: before, After: after}, nil
}

func (p *PostgresStore) Lock(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Change, error) {
	after, err := p.conditional(ctx, `
		UPDATE balances SET available = available - $3, locked = locked + $3, updated_at = NOW()
		WHERE user_id = $1 AND currency = $2 AND available >= $3
		RETURNING `+balanceColumns, ErrInsufficientBalance, userID, currency, amount)
	if err != nil {
		return nil, err
	}
	before := after.clone()
	before.Available = before.Available.Add(amount)
	before.Locked = before.Locked.Sub(amount)
	return &Change{Before: before, After: after}, nil
}

func (p *PostgresStore) Unlock(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Change, error) {
	after, err := p.conditional(ctx, `
		UPDATE balances SET available = available + $3, locked = locked - $3, updated_at = NOW()
		WHERE user_id = $1 AND currency = $2 AND locked >= $3
		RETURNING `+balanceColumns, ErrInsufficientLocked, userID, currency, amount)
	if err != nil {
		return nil, err
	}
	before := after.clone()
	before.Available = before.Available.Sub(amount)
	before.Locked = before.Locked.Add(amount)
	return &Change{Before: before, After: after}, nil
}

// ReleaseLocked issues two statements; callers run it inside a settlement
// unit so both commit together.
func (p *PostgresStore) ReleaseLocked(ctx context.Context, fromUser, toUser, currency string, amount decimal.Decimal) (*Change, *Change, error) {
	fromAfter, err := p.conditional(ctx, `
		UPDATE balances SET total = total - $3, locked = locked - $3, updated_at = NOW()
		WHERE user_id = $1 AND currency = $2 AND locked >= $3
		RETURNING `+balanceColumns, ErrInsufficientLocked, fromUser, currency, amount)
	if err != nil {
		return nil, nil, err
	}
	fromBefore := fromAfter.clone()
	fromBefore.Total = fromBefore.Total.Add(amount)
	fromBefore.Locked = fromBefore.Locked.Add(amount)

	to, err := p.Credit(ctx, toUser, currency, amount)
	if err != nil {
		return nil, nil, err
	}
	return &Change{Before: fromBefore, After: fromAfter}, to, nil
}

func (p *PostgresStore) SumTotals(ctx context.Context, currency string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := txn.DB(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total), 0) FROM balances WHERE currency = $1
	`, currency).Scan(&total)
	return total, err
}

func (p *PostgresStore) SumLocked(ctx context.Context, currency string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := txn.DB(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(locked), 0) FROM balances WHERE currency = $1
	`, currency).Scan(&total)
	return total, err
}

func (p *PostgresStore) Currencies(ctx context.Context) ([]string, error) {
	rows, err := txn.DB(ctx, p.db).QueryContext(ctx, `SELECT DISTINCT currency FROM balances ORDER BY currency`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListInconsistent(ctx context.Context, limit int) ([]*Balance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := txn.DB(ctx, p.db).QueryContext(ctx, `
		SELECT `+balanceColumns+` FROM balances
		WHERE total <> available + locked OR available < 0 OR locked < 0
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanBalances(rows)
}

// conditional runs a guarded UPDATE ... RETURNING. No row means the guard
// failed (or the record does not exist), reported as guardErr.
func (p *PostgresStore) conditional(ctx context.Context, query string, guardErr error, args ...any) (*Balance, error) {
	b, err := scanBalance(txn.DB(ctx, p.db).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, guardErr
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (*Balance, error) {
	b := &Balance{}
	if err := row.Scan(&b.UserID, &b.Currency, &b.Total, &b.Available, &b.Locked, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return b, nil
}

func scanBalances(rows *sql.Rows) ([]*Balance, error) {
	var out []*Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
