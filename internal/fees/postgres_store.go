package fees

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/txn"
)

// PostgresStore persists fee records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed fee store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `id, user_id, kind, bucket, currency, gross_fee, admin_share, referrer_share, referrer_id, related_tx_id, created_at`

func (p *PostgresStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	_, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		INSERT INTO fee_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.UserID, string(t.Kind), string(t.Bucket), t.Currency,
		t.GrossFee, t.AdminShare, t.ReferrerShare, nullString(t.ReferrerID), t.RelatedTxID, t.CreatedAt,
	)
	return err
}

func (p *PostgresStore) CreateCommission(ctx context.Context, c *Commission) error {
	_, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		INSERT INTO referral_commissions (
			id, referrer_id, referred_user_id, kind, fee_amount, rate, amount,
			currency, related_tx_id, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.ReferrerID, c.ReferredUserID, string(c.Kind), c.FeeAmount, c.Rate, c.Amount,
		c.Currency, c.RelatedTxID, c.Status, c.CreatedAt,
	)
	return err
}

func (p *PostgresStore) AddRevenue(ctx context.Context, bucket Bucket, currency string, gross, net, referral decimal.Decimal) error {
	_, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		INSERT INTO fee_revenue (bucket, currency, gross, net, referral, count, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, NOW())
		ON CONFLICT (bucket, currency) DO UPDATE SET
			gross = fee_revenue.gross + EXCLUDED.gross,
			net = fee_revenue.net + EXCLUDED.net,
			referral = fee_revenue.referral + EXCLUDED.referral,
			count = fee_revenue.count + 1,
			updated_at = NOW()`,
		string(bucket), currency, gross, net, referral,
	)
	return err
}

func (p *PostgresStore) HasTransaction(ctx context.Context, relatedTxID string, kind Kind) (bool, error) {
	var exists bool
	err := txn.DB(ctx, p.db).QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM fee_transactions WHERE related_tx_id = $1 AND kind = $2)
	`, relatedTxID, string(kind)).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM fee_transactions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var kind, bucket string
		var referrer sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &kind, &bucket, &t.Currency, &t.GrossFee, &t.AdminShare,
			&t.ReferrerShare, &referrer, &t.RelatedTxID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind, t.Bucket, t.ReferrerID = Kind(kind), Bucket(bucket), referrer.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListCommissions(ctx context.Context, referrerID string, limit int) ([]*Commission, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, referrer_id, referred_user_id, kind, fee_amount, rate, amount,
		       currency, related_tx_id, status, created_at
		FROM referral_commissions
		WHERE referrer_id = $1 ORDER BY created_at DESC LIMIT $2`, referrerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Commission
	for rows.Next() {
		c := &Commission{}
		var kind string
		if err := rows.Scan(&c.ID, &c.ReferrerID, &c.ReferredUserID, &kind, &c.FeeAmount, &c.Rate,
			&c.Amount, &c.Currency, &c.RelatedTxID, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Kind = Kind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListRevenue(ctx context.Context) ([]*Revenue, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT bucket, currency, gross, net, referral, count FROM fee_revenue ORDER BY bucket, currency`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Revenue
	for rows.Next() {
		r := &Revenue{}
		var bucket string
		if err := rows.Scan(&bucket, &r.Currency, &r.Gross, &r.Net, &r.Referral, &r.Count); err != nil {
			return nil, err
		}
		r.Bucket = Bucket(bucket)
		out = append(out, r)
	}
	return out, rows.Err()
}

const jobColumns = `id, user_id, kind, amount, currency, related_tx_id, debit_payer, status,
	attempts, last_error, next_attempt_at, created_at, updated_at`

func (p *PostgresStore) CreateJob(ctx context.Context, j *Job) error {
	_, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		INSERT INTO fee_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		j.ID, j.UserID, string(j.Kind), j.Amount, j.Currency, j.RelatedTxID, j.DebitPayer,
		string(j.Status), j.Attempts, nullString(j.LastError), j.NextAttemptAt, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(txn.DB(ctx, p.db).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM fee_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (p *PostgresStore) UpdateJob(ctx context.Context, j *Job) error {
	res, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		UPDATE fee_jobs SET status = $1, attempts = $2, last_error = $3, next_attempt_at = $4, updated_at = $5
		WHERE id = $6`,
		string(j.Status), j.Attempts, nullString(j.LastError), j.NextAttemptAt, j.UpdatedAt, j.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (p *PostgresStore) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM fee_jobs
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListJobs(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM fee_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	j := &Job{}
	var kind, status string
	var lastErr sql.NullString
	if err := row.Scan(&j.ID, &j.UserID, &kind, &j.Amount, &j.Currency, &j.RelatedTxID, &j.DebitPayer,
		&status, &j.Attempts, &lastErr, &j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Kind, j.Status, j.LastError = Kind(kind), JobStatus(status), lastErr.String
	return j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
