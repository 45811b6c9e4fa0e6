package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/money"
	"github.com/mbd888/p2pdesk/internal/txn"
)

// PostgresStore writes audit entries to the audit_log table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	err := txn.DB(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO audit_log (actor_type, actor_id, action, user_id, counterparty, currency, amount,
			before_state, after_state, ref_type, ref_id, correlation_id, request_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB, $9::JSONB, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`, e.ActorType, e.ActorID, string(e.Action), e.UserID, e.Counterparty, e.Currency, e.Amount,
		jsonOrEmpty(e.BeforeState), jsonOrEmpty(e.AfterState), e.RefType, e.RefID,
		e.CorrelationID, e.RequestID, e.Description, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) Query(ctx context.Context, f Filter, limit int) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("(user_id = $%d OR counterparty = $%d)", len(args), len(args)))
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	if f.after != nil {
		id, err := cursorID(f.after)
		if err != nil {
			return nil, ErrInvalidFilter
		}
		args = append(args, f.after.CreatedAt, id)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT id, actor_type, COALESCE(actor_id, ''), action, user_id, COALESCE(counterparty, ''),
		COALESCE(currency, ''), amount, COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
		COALESCE(ref_type, ''), COALESCE(ref_id, ''), COALESCE(correlation_id, ''),
		COALESCE(request_id, ''), COALESCE(description, ''), created_at
		FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := txn.DB(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var action string
		if err := rows.Scan(&e.ID, &e.ActorType, &e.ActorID, &action, &e.UserID, &e.Counterparty,
			&e.Currency, &e.Amount, &e.BeforeState, &e.AfterState, &e.RefType, &e.RefID,
			&e.CorrelationID, &e.RequestID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) SumAmounts(ctx context.Context, currency string, action Action) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := txn.DB(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM audit_log WHERE currency = $1 AND action = $2
	`, money.Code(currency), string(action)).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func jsonOrEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
