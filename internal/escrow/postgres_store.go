package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/txn"
)

// PostgresStore persists holds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed hold store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const holdColumns = `id, user_id, counterparty, currency, amount, ref_type, ref_id, status, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, h *Hold) error {
	_, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		h.ID, h.UserID, nullString(h.Counterparty), h.Currency, h.Amount,
		h.RefType, h.RefID, string(h.Status), h.CreatedAt, nullTime(h.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Hold, error) {
	row := txn.DB(ctx, p.db).QueryRowContext(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, id)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return h, err
}

func (p *PostgresStore) GetActiveByRef(ctx context.Context, refType, refID string) (*Hold, error) {
	row := txn.DB(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+holdColumns+` FROM escrow_holds
		WHERE ref_type = $1 AND ref_id = $2 AND status = 'locked'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE`, refType, refID)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return h, err
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, status Status, counterparty string, at time.Time) error {
	result, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		UPDATE escrow_holds SET status = $1, counterparty = COALESCE($2, counterparty), resolved_at = $3
		WHERE id = $4 AND status = 'locked'`,
		string(status), nullString(counterparty), at, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Hold, error) {
	rows, err := txn.DB(ctx, p.db).QueryContext(ctx, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE user_id = $1 OR counterparty = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SumActive(ctx context.Context, currency string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := txn.DB(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM escrow_holds WHERE currency = $1 AND status = 'locked'
	`, currency).Scan(&total)
	return total, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHold(row scanner) (*Hold, error) {
	h := &Hold{}
	var (
		status       string
		counterparty sql.NullString
		resolvedAt   sql.NullTime
	)
	err := row.Scan(&h.ID, &h.UserID, &counterparty, &h.Currency, &h.Amount,
		&h.RefType, &h.RefID, &status, &h.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	h.Status = Status(status)
	h.Counterparty = counterparty.String
	if resolvedAt.Valid {
		h.ResolvedAt = &resolvedAt.Time
	}
	return h, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
