package dispute

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/p2pdesk/internal/txn"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, trade_id, opener_id, reason, status, outcome, resolved_by,
	resolution_note, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		INSERT INTO disputes (id, trade_id, opener_id, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.TradeID, d.OpenerID, d.Reason, string(d.Status), d.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	return p.one(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

func (p *PostgresStore) GetOpenByTrade(ctx context.Context, tradeID string) (*Dispute, error) {
	return p.one(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE trade_id = $1 AND status = 'open' LIMIT 1`, tradeID)
}

func (p *PostgresStore) one(ctx context.Context, query string, arg string) (*Dispute, error) {
	d, err := scanDispute(txn.DB(ctx, p.db).QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, outcome Outcome, by, note string, at time.Time) error {
	res, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		UPDATE disputes
		SET status = 'resolved', outcome = $2, resolved_by = $3, resolution_note = $4, resolved_at = $5
		WHERE id = $1 AND status = 'open'`,
		id, string(outcome), by, note, at,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := txn.DB(ctx, p.db).QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (p *PostgresStore) ListByTrade(ctx context.Context, tradeID string) ([]*Dispute, error) {
	rows, err := txn.DB(ctx, p.db).QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE trade_id = $1 ORDER BY created_at DESC`, tradeID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Dispute, error) {
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(row scanner) (*Dispute, error) {
	var (
		d                 Dispute
		status            string
		outcome, by, note sql.NullString
		resolvedAt        sql.NullTime
	)
	err := row.Scan(&d.ID, &d.TradeID, &d.OpenerID, &d.Reason, &status, &outcome, &by,
		&note, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Outcome = Outcome(outcome.String)
	d.ResolvedBy = by.String
	d.ResolutionNote = note.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}
