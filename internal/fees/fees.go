// Package fees charges platform fees and splits them between the platform
// account and the payer's referrer.
//
// Every fee is booked inside a settlement unit: the payer debit (when the
// fee is charged out of a balance), the platform credit, the referrer
// commission and the fee records commit together or not at all.
package fees

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/money"
	"github.com/mbd888/p2pdesk/internal/referral"
)

var (
	ErrUnknownKind   = apperr.New(apperr.Invalid, "unknown fee kind")
	ErrInvalidFee    = apperr.New(apperr.Invalid, "fee must be positive and within currency precision")
	ErrNoPlatform    = apperr.New(apperr.Internal, "platform fee account not configured")
	ErrJobNotFound   = apperr.New(apperr.NotFound, "fee job not found")
	ErrAlreadyBooked = apperr.New(apperr.Conflict, "fee already booked for this transaction")
	ErrNoWithdrawals = apperr.New(apperr.Internal, "withdrawals are not configured")
)

// Kind is the transaction kind a fee was charged on. The set is closed.
type Kind string

const (
	KindSwap       Kind = "swap"
	KindP2PBuyer   Kind = "p2p_buyer"
	KindP2PSeller  Kind = "p2p_seller"
	KindWithdrawal Kind = "withdrawal"
	KindTransfer   Kind = "transfer"
)

// Bucket groups kinds for revenue reporting.
type Bucket string

const (
	BucketSwap       Bucket = "swap"
	BucketP2P        Bucket = "p2p"
	BucketWithdrawal Bucket = "withdrawal"
	BucketTransfer   Bucket = "transfer"
)

var kindBuckets = map[Kind]Bucket{
	KindSwap:       BucketSwap,
	KindP2PBuyer:   BucketP2P,
	KindP2PSeller:  BucketP2P,
	KindWithdrawal: BucketWithdrawal,
	KindTransfer:   BucketTransfer,
}

// Bucket returns the revenue bucket of a kind.
func (k Kind) Bucket() (Bucket, error) {
	b, ok := kindBuckets[k]
	if !ok {
		return "", ErrUnknownKind
	}
	return b, nil
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := kindBuckets[k]; !ok {
		return "", ErrUnknownKind
	}
	return k, nil
}

// Commission rate per referrer tier.
var tierRates = map[referral.Tier]decimal.Decimal{
	referral.TierStandard: decimal.RequireFromString("0.20"),
	referral.TierVIP:      decimal.RequireFromString("0.20"),
	referral.TierGolden:   decimal.RequireFromString("0.50"),
}

// RateFor returns the commission rate for a tier. Unknown tiers earn the
// standard rate.
func RateFor(tier referral.Tier) decimal.Decimal {
	if r, ok := tierRates[tier]; ok {
		return r
	}
	return tierRates[referral.TierStandard]
}

// Split is how a gross fee divides between platform and referrer.
type Split struct {
	Gross      decimal.Decimal
	Commission decimal.Decimal
	Platform   decimal.Decimal
	ReferrerID string
	Tier       referral.Tier
	Rate       decimal.Decimal
}

// ComputeSplit applies the referrer's tier rate to fee. The commission is
// truncated to the currency scale; the platform keeps the remainder, so
// Commission + Platform == Gross exactly.
func ComputeSplit(currency string, fee decimal.Decimal, info *referral.Info) Split {
	s := Split{Gross: fee, Commission: decimal.Zero, Platform: fee, Rate: decimal.Zero}
	if info == nil || info.ReferrerID == "" {
		return s
	}
	s.ReferrerID = info.ReferrerID
	s.Tier = info.Tier
	s.Rate = RateFor(info.Tier)
	s.Commission = money.MulRate(currency, fee, s.Rate)
	s.Platform = fee.Sub(s.Commission)
	return s
}

// Transaction is the immutable record of one booked fee.
type Transaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Kind          Kind            `json:"kind"`
	Bucket        Bucket          `json:"bucket"`
	Currency      string          `json:"currency"`
	GrossFee      decimal.Decimal `json:"grossFee"`
	AdminShare    decimal.Decimal `json:"adminShare"`
	ReferrerShare decimal.Decimal `json:"referrerShare"`
	ReferrerID    string          `json:"referrerId,omitempty"`
	RelatedTxID   string          `json:"relatedTxId"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Commission is the immutable record of a referrer payout.
type Commission struct {
	ID             string          `json:"id"`
	ReferrerID     string          `json:"referrerId"`
	ReferredUserID string          `json:"referredUserId"`
	Kind           Kind            `json:"kind"`
	FeeAmount      decimal.Decimal `json:"feeAmount"`
	Rate           decimal.Decimal `json:"rate"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	RelatedTxID    string          `json:"relatedTxId"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Revenue accumulates fees per (bucket, currency).
type Revenue struct {
	Bucket   Bucket          `json:"bucket"`
	Currency string          `json:"currency"`
	Gross    decimal.Decimal `json:"gross"`
	Net      decimal.Decimal `json:"net"`
	Referral decimal.Decimal `json:"referral"`
	Count    int64           `json:"count"`
}

// JobStatus is the state of a deferred fee.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is a fee that could not be booked with its transaction and is
// retried later.
type Job struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Kind          Kind            `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	RelatedTxID   string          `json:"relatedTxId"`
	DebitPayer    bool            `json:"debitPayer"`
	Status        JobStatus       `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Charge describes one fee to book.
type Charge struct {
	UserID      string
	Kind        Kind
	Amount      decimal.Decimal
	Currency    string
	RelatedTxID string
	// DebitPayer takes the fee out of the payer's available balance.
	// When false the fee was already withheld upstream.
	DebitPayer bool
}
