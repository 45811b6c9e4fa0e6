package referral

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists referral relationships in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed referral store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetReferrer(ctx context.Context, userID string) (string, error) {
	var referrer sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT referrer_id FROM referrals WHERE user_id = $1`, userID).Scan(&referrer)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	return referrer.String, err
}

func (p *PostgresStore) GetTier(ctx context.Context, userID string) (Tier, error) {
	var tier string
	err := p.db.QueryRowContext(ctx, `SELECT tier FROM referrals WHERE user_id = $1`, userID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	return Tier(tier), err
}

func (p *PostgresStore) SetReferrer(ctx context.Context, userID, referrerID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO referrals (user_id, tier) VALUES ($1, 'standard')
		ON CONFLICT (user_id) DO NOTHING`, referrerID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO referrals (user_id, referrer_id, tier) VALUES ($1, $2, 'standard')
		ON CONFLICT (user_id) DO UPDATE SET referrer_id = EXCLUDED.referrer_id
		WHERE referrals.referrer_id IS NULL`, userID, referrerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyReferred
	}
	return tx.Commit()
}

func (p *PostgresStore) SetTier(ctx context.Context, userID string, tier Tier) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO referrals (user_id, tier) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET tier = EXCLUDED.tier`, userID, string(tier))
	return err
}
