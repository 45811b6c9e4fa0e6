package trade

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/txn"
)

// PostgresStore persists offers and trades in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, seller_id, currency, fiat_currency, price, total_amount, remaining,
	min_amount, max_amount, payment_methods, terms, status, created_at, updated_at`

func (p *PostgresStore) CreateOffer(ctx context.Context, o *Offer) error {
	_, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		o.ID, o.SellerID, o.Currency, o.FiatCurrency, o.Price, o.TotalAmount, o.Remaining,
		o.MinAmount, o.MaxAmount, pq.Array(o.PaymentMethods), o.Terms, string(o.Status),
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	row := txn.DB(ctx, p.db).QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOffers(ctx context.Context, f OfferFilter, limit int) ([]*Offer, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.SellerID != "" {
		add("seller_id = ?", f.SellerID)
	}
	if f.Currency != "" {
		add("currency = ?", f.Currency)
	}
	if f.FiatCurrency != "" {
		add("fiat_currency = ?", f.FiatCurrency)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}

	query := `SELECT ` + offerColumns + ` FROM offers`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := txn.DB(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ConsumeOffer(ctx context.Context, id string, amount decimal.Decimal, at time.Time) (*Offer, error) {
	row := txn.DB(ctx, p.db).QueryRowContext(ctx, `
		UPDATE offers SET
			remaining = remaining - $1,
			status = CASE WHEN remaining - $1 < min_amount THEN 'completed' ELSE status END,
			updated_at = $2
		WHERE id = $3 AND status = 'active' AND remaining >= $1
		RETURNING `+offerColumns, amount, at, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetOffer(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status != OfferActive {
			return nil, ErrOfferInactive
		}
		return nil, ErrAmountOutOfRange
	}
	return o, err
}

func (p *PostgresStore) RestoreOffer(ctx context.Context, id string, amount decimal.Decimal, at time.Time) (*Offer, error) {
	row := txn.DB(ctx, p.db).QueryRowContext(ctx, `
		UPDATE offers SET
			remaining = remaining + $1,
			status = CASE WHEN status = 'completed' AND remaining + $1 >= min_amount THEN 'active' ELSE status END,
			updated_at = $2
		WHERE id = $3
		RETURNING `+offerColumns, amount, at, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) SetOfferStatus(ctx context.Context, id string, from []OfferStatus, to OfferStatus, at time.Time) error {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	result, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		UPDATE offers SET status = $1, updated_at = $2
		WHERE id = $3 AND status = ANY($4)`,
		string(to), at, id, pq.Array(states))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.GetOffer(ctx, id); err != nil {
			return err
		}
		return ErrOfferInactive
	}
	return nil
}

const tradeColumns = `id, offer_id, buyer_id, seller_id, currency, fiat_currency, amount, fiat_amount,
	price, payment_method, status, escrow_locked, buyer_fee, seller_fee, fee_deferred,
	payment_deadline, created_at, paid_at, completed_at, cancelled_at, disputed_at,
	cancel_reason, cancelled_by, updated_at`

func (p *PostgresStore) CreateTrade(ctx context.Context, t *Trade) error {
	_, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		t.ID, t.OfferID, t.BuyerID, t.SellerID, t.Currency, t.FiatCurrency, t.Amount, t.FiatAmount,
		t.Price, t.PaymentMethod, string(t.Status), t.EscrowLocked, t.BuyerFee, t.SellerFee, t.FeeDeferred,
		t.PaymentDeadline, t.CreatedAt, nullTime(t.PaidAt), nullTime(t.CompletedAt),
		nullTime(t.CancelledAt), nullTime(t.DisputedAt), nullString(t.CancelReason),
		nullString(t.CancelledBy), t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetTrade(ctx context.Context, id string) (*Trade, error) {
	row := txn.DB(ctx, p.db).QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) UpdateTrade(ctx context.Context, t *Trade, from ...Status) error {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	result, err := txn.DB(ctx, p.db).ExecContext(ctx, `
		UPDATE trades SET
			status = $1, escrow_locked = $2, buyer_fee = $3, seller_fee = $4, fee_deferred = $5,
			payment_deadline = $6, paid_at = $7, completed_at = $8, cancelled_at = $9,
			disputed_at = $10, cancel_reason = $11, cancelled_by = $12, updated_at = $13
		WHERE id = $14 AND status = ANY($15)`,
		string(t.Status), t.EscrowLocked, t.BuyerFee, t.SellerFee, t.FeeDeferred,
		t.PaymentDeadline, nullTime(t.PaidAt), nullTime(t.CompletedAt), nullTime(t.CancelledAt),
		nullTime(t.DisputedAt), nullString(t.CancelReason), nullString(t.CancelledBy), t.UpdatedAt,
		t.ID, pq.Array(states))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.GetTrade(ctx, t.ID); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, status Status, limit int) ([]*Trade, error) {
	rows, err := txn.DB(ctx, p.db).QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE (buyer_id = $1 OR seller_id = $1) AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at DESC
		LIMIT $3`, userID, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	rows, err := txn.DB(ctx, p.db).QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = 'waiting_payment' AND payment_deadline < $1
		ORDER BY payment_deadline
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

func collectTrades(rows *sql.Rows) ([]*Trade, error) {
	defer func() { _ = rows.Close() }()

	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(row scanner) (*Offer, error) {
	o := &Offer{}
	var (
		status  string
		methods pq.StringArray
		terms   sql.NullString
	)
	err := row.Scan(&o.ID, &o.SellerID, &o.Currency, &o.FiatCurrency, &o.Price, &o.TotalAmount,
		&o.Remaining, &o.MinAmount, &o.MaxAmount, &methods, &terms, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = OfferStatus(status)
	o.PaymentMethods = []string(methods)
	o.Terms = terms.String
	return o, nil
}

func scanTrade(row scanner) (*Trade, error) {
	t := &Trade{}
	var (
		status                                       string
		paidAt, completedAt, cancelledAt, disputedAt sql.NullTime
		cancelReason, cancelledBy                    sql.NullString
	)
	err := row.Scan(&t.ID, &t.OfferID, &t.BuyerID, &t.SellerID, &t.Currency, &t.FiatCurrency,
		&t.Amount, &t.FiatAmount, &t.Price, &t.PaymentMethod, &status, &t.EscrowLocked,
		&t.BuyerFee, &t.SellerFee, &t.FeeDeferred, &t.PaymentDeadline, &t.CreatedAt,
		&paidAt, &completedAt, &cancelledAt, &disputedAt, &cancelReason, &cancelledBy, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.PaidAt = timePtr(paidAt)
	t.CompletedAt = timePtr(completedAt)
	t.CancelledAt = timePtr(cancelledAt)
	t.DisputedAt = timePtr(disputedAt)
	t.CancelReason = cancelReason.String
	t.CancelledBy = cancelledBy.String
	return t, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
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
