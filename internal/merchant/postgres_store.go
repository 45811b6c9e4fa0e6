package merchant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

// PostgresStore persists merchant stats in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed merchant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const statsColumns = `user_id, total_trades, completed_trades, cancelled_trades, disputed_trades,
	volume, release_samples, total_release_seconds, score, badge,
	first_trade_at, last_trade_at, updated_at`

const upsertStats = `
	INSERT INTO merchant_stats (` + statsColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (user_id) DO UPDATE SET
		total_trades = EXCLUDED.total_trades,
		completed_trades = EXCLUDED.completed_trades,
		cancelled_trades = EXCLUDED.cancelled_trades,
		disputed_trades = EXCLUDED.disputed_trades,
		volume = EXCLUDED.volume,
		release_samples = EXCLUDED.release_samples,
		total_release_seconds = EXCLUDED.total_release_seconds,
		score = EXCLUDED.score,
		badge = EXCLUDED.badge,
		last_trade_at = EXCLUDED.last_trade_at,
		updated_at = EXCLUDED.updated_at`

func statsArgs(s *Stats) ([]any, error) {
	vol, err := json.Marshal(s.Volume)
	if err != nil {
		return nil, err
	}
	return []any{
		s.UserID, s.TotalTrades, s.CompletedTrades, s.CancelledTrades, s.DisputedTrades,
		vol, s.ReleaseSamples, s.TotalReleaseSeconds, s.Score, string(s.Badge),
		s.FirstTradeAt, s.LastTradeAt, s.UpdatedAt,
	}, nil
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Stats, error) {
	s, err := scanStats(p.db.QueryRowContext(ctx,
		`SELECT `+statsColumns+` FROM merchant_stats WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMerchantNotFound
	}
	return s, err
}

func (p *PostgresStore) Upsert(ctx context.Context, s *Stats) error {
	args, err := statsArgs(s)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, upsertStats, args...)
	return err
}

func (p *PostgresStore) SaveBatch(ctx context.Context, stats []*Stats) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertStats)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range stats {
		args, err := statsArgs(s)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Stats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+statsColumns+` FROM merchant_stats
		ORDER BY score DESC, completed_trades DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (p *PostgresStore) All(ctx context.Context) ([]*Stats, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+statsColumns+` FROM merchant_stats`)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Stats, error) {
	defer func() { _ = rows.Close() }()

	var out []*Stats
	for rows.Next() {
		s, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStats(row scanner) (*Stats, error) {
	var (
		s     Stats
		vol   []byte
		badge string
	)
	err := row.Scan(&s.UserID, &s.TotalTrades, &s.CompletedTrades, &s.CancelledTrades, &s.DisputedTrades,
		&vol, &s.ReleaseSamples, &s.TotalReleaseSeconds, &s.Score, &badge,
		&s.FirstTradeAt, &s.LastTradeAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Badge = Badge(badge)
	s.Volume = make(map[string]decimal.Decimal)
	if len(vol) > 0 {
		if err := json.Unmarshal(vol, &s.Volume); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
