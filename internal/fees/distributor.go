package fees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/idgen"
	"github.com/mbd888/p2pdesk/internal/ledger"
	"github.com/mbd888/p2pdesk/internal/money"
	"github.com/mbd888/p2pdesk/internal/pagination"
	"github.com/mbd888/p2pdesk/internal/referral"
	"github.com/mbd888/p2pdesk/internal/traces"
	"github.com/mbd888/p2pdesk/internal/txn"
)

// Store persists fee records and the deferred-fee queue.
type Store interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	CreateCommission(ctx context.Context, c *Commission) error
	AddRevenue(ctx context.Context, bucket Bucket, currency string, gross, net, referral decimal.Decimal) error
	// HasTransaction reports whether a fee of kind was already booked for relatedTxID.
	HasTransaction(ctx context.Context, relatedTxID string, kind Kind) (bool, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	ListCommissions(ctx context.Context, referrerID string, limit int) ([]*Commission, error)
	ListRevenue(ctx context.Context) ([]*Revenue, error)

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	ListJobs(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
}

// Ledger is the subset of the balance ledger fees need.
type Ledger interface {
	Credit(ctx context.Context, userID, currency string, amount decimal.Decimal, ref ledger.Ref) (*ledger.Balance, error)
	Debit(ctx context.Context, userID, currency string, amount decimal.Decimal, ref ledger.Ref) (*ledger.Balance, error)
}

// Referrals resolves a payer's referrer.
type Referrals interface {
	Lookup(ctx context.Context, userID string) (*referral.Info, error)
}

// Auditor records lifecycle audit entries.
type Auditor interface {
	Record(ctx context.Context, entry *audit.Entry) error
}

// Distributor books fees and referral commissions.
type Distributor struct {
	store     Store
	ledger    Ledger
	referrals Referrals
	audit     Auditor
	runner    txn.Runner
	platform  string
	logger    *slog.Logger

	withdrawals    Withdrawals
	withdrawalRate decimal.Decimal
}

// NewDistributor creates a fee distributor crediting platformAccount.
func NewDistributor(store Store, ledger Ledger, referrals Referrals, auditor Auditor, runner txn.Runner, platformAccount string) *Distributor {
	return &Distributor{
		store:     store,
		ledger:    ledger,
		referrals: referrals,
		audit:     auditor,
		runner:    runner,
		platform:  platformAccount,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger.
func (d *Distributor) WithLogger(l *slog.Logger) *Distributor {
	d.logger = l
	return d
}

// PlatformAccount returns the user ID fees are credited to.
func (d *Distributor) PlatformAccount() string {
	return d.platform
}

// Resolve looks up the payer's referrer. It never fails: an unknown user or
// an unavailable referral service both mean "no referrer" and the full fee
// goes to the platform. Call it before opening a settlement unit.
func (d *Distributor) Resolve(ctx context.Context, userID string) *referral.Info {
	if d.referrals == nil {
		return &referral.Info{}
	}
	info, err := d.referrals.Lookup(ctx, userID)
	switch {
	case errors.Is(err, referral.ErrUserNotFound):
		d.logger.Debug("payer has no referral record", "user", userID)
		return &referral.Info{}
	case err != nil:
		referralDegraded.Inc()
		d.logger.Warn("referral lookup failed, fee goes to platform", "user", userID, "error", err)
		return &referral.Info{}
	}
	return info
}

// Settle books a fee using an already resolved referrer. It joins the
// caller's settlement unit when ctx carries one.
func (d *Distributor) Settle(ctx context.Context, ch Charge, info *referral.Info) (*Transaction, error) {
	if d.platform == "" {
		return nil, ErrNoPlatform
	}
	bucket, err := ch.Kind.Bucket()
	if err != nil {
		return nil, err
	}
	currency := money.Code(ch.Currency)
	if !ch.Amount.IsPositive() || !money.Fits(currency, ch.Amount) {
		return nil, ErrInvalidFee
	}
	if info != nil && (info.ReferrerID == ch.UserID || info.ReferrerID == d.platform) {
		info = &referral.Info{}
	}
	split := ComputeSplit(currency, ch.Amount, info)

	ctx, span := traces.StartSpan(ctx, "fees.Settle",
		traces.UserID(ch.UserID), traces.Currency(currency), traces.Amount(ch.Amount.String()))
	defer span.End()

	now := time.Now().UTC()
	tx := &Transaction{
		ID:            idgen.WithPrefix("fee_"),
		UserID:        ch.UserID,
		Kind:          ch.Kind,
		Bucket:        bucket,
		Currency:      currency,
		GrossFee:      split.Gross,
		AdminShare:    split.Platform,
		ReferrerShare: split.Commission,
		ReferrerID:    split.ReferrerID,
		RelatedTxID:   ch.RelatedTxID,
		CreatedAt:     now,
	}

	err = d.runner.Run(ctx, func(ctx context.Context) error {
		if ch.DebitPayer {
			if _, err := d.ledger.Debit(ctx, ch.UserID, currency, split.Gross, ledger.Ref{
				Action: audit.ActionFeeCharge, Type: string(ch.Kind), ID: ch.RelatedTxID,
			}); err != nil {
				return fmt.Errorf("charge payer: %w", err)
			}
		}
		// a withheld fee never sat in a ledger balance, so it enters from outside
		collect := audit.ActionFeeWithheld
		if ch.DebitPayer {
			collect = audit.ActionFeeCollect
		}
		if _, err := d.ledger.Credit(ctx, d.platform, currency, split.Gross, ledger.Ref{
			Action: collect, Type: string(ch.Kind), ID: ch.RelatedTxID,
		}); err != nil {
			return fmt.Errorf("collect fee: %w", err)
		}

		if split.Commission.IsPositive() {
			if err := d.payCommission(ctx, ch, currency, split, now); err != nil {
				return err
			}
		}

		if err := d.store.CreateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("record fee transaction: %w", err)
		}
		if err := d.store.AddRevenue(ctx, bucket, currency, split.Gross, split.Platform, split.Commission); err != nil {
			return fmt.Errorf("record revenue: %w", err)
		}
		return d.audit.Record(ctx, &audit.Entry{
			Action:       audit.ActionFeeDistributed,
			UserID:       ch.UserID,
			Counterparty: split.ReferrerID,
			Currency:     currency,
			Amount:       split.Gross,
			RefType:      string(ch.Kind),
			RefID:        ch.RelatedTxID,
			AfterState: audit.Snapshot(map[string]string{
				"platform": split.Platform.String(),
				"referrer": split.Commission.String(),
			}),
		})
	})
	if err != nil {
		traces.RecordError(span, err)
		feeFailures.WithLabelValues(string(ch.Kind)).Inc()
		return nil, err
	}

	feesCollected.WithLabelValues(string(bucket), currency).Add(split.Gross.InexactFloat64())
	if split.Commission.IsPositive() {
		commissionsPaid.WithLabelValues(string(split.Tier), currency).Add(split.Commission.InexactFloat64())
	}
	d.logger.Info("fee booked", "feeId", tx.ID, "user", ch.UserID, "kind", ch.Kind,
		"currency", currency, "gross", split.Gross.String(), "referrer", split.ReferrerID,
		"commission", split.Commission.String(), "relatedTx", ch.RelatedTxID)
	return tx, nil
}

func (d *Distributor) payCommission(ctx context.Context, ch Charge, currency string, split Split, now time.Time) error {
	ref := ledger.Ref{Type: string(ch.Kind), ID: ch.RelatedTxID}

	ref.Action = audit.ActionCommissionPayout
	if _, err := d.ledger.Debit(ctx, d.platform, currency, split.Commission, ref); err != nil {
		return fmt.Errorf("fund commission: %w", err)
	}
	ref.Action = audit.ActionCommissionCredit
	if _, err := d.ledger.Credit(ctx, split.ReferrerID, currency, split.Commission, ref); err != nil {
		return fmt.Errorf("credit referrer: %w", err)
	}
	if err := d.store.CreateCommission(ctx, &Commission{
		ID:             idgen.WithPrefix("com_"),
		ReferrerID:     split.ReferrerID,
		ReferredUserID: ch.UserID,
		Kind:           ch.Kind,
		FeeAmount:      split.Gross,
		Rate:           split.Rate,
		Amount:         split.Commission,
		Currency:       currency,
		RelatedTxID:    ch.RelatedTxID,
		Status:         "paid",
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("record commission: %w", err)
	}
	return nil
}

// ProcessTransactionFee books a fee that was already withheld from the
// payer: the platform is credited with the gross fee and the referrer, if
// any, is paid its commission out of it.
func (d *Distributor) ProcessTransactionFee(ctx context.Context, userID string, kind Kind, fee decimal.Decimal, currency, relatedTxID string) (*Transaction, error) {
	info := d.Resolve(ctx, userID)
	return d.Settle(ctx, withheld(userID, kind, fee, currency, relatedTxID), info)
}

func withheld(userID string, kind Kind, fee decimal.Decimal, currency, relatedTxID string) Charge {
	return Charge{UserID: userID, Kind: kind, Amount: fee, Currency: currency, RelatedTxID: relatedTxID}
}

// Defer queues a fee for the retry timer. It joins the caller's unit, so a
// release that commits without its fee always commits with its job.
func (d *Distributor) Defer(ctx context.Context, ch Charge, cause error) (*Job, error) {
	if _, err := ch.Kind.Bucket(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	job := &Job{
		ID:            idgen.WithPrefix("fjb_"),
		UserID:        ch.UserID,
		Kind:          ch.Kind,
		Amount:        ch.Amount,
		Currency:      money.Code(ch.Currency),
		RelatedTxID:   ch.RelatedTxID,
		DebitPayer:    ch.DebitPayer,
		Status:        JobPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cause != nil {
		job.LastError = cause.Error()
	}

	err := d.runner.Run(ctx, func(ctx context.Context) error {
		if err := d.store.CreateJob(ctx, job); err != nil {
			return err
		}
		return d.audit.Record(ctx, &audit.Entry{
			Action:      audit.ActionFeeDeferred,
			UserID:      ch.UserID,
			Currency:    job.Currency,
			Amount:      ch.Amount,
			RefType:     string(ch.Kind),
			RefID:       ch.RelatedTxID,
			Description: job.LastError,
		})
	})
	if err != nil {
		return nil, err
	}
	feesDeferred.WithLabelValues(string(ch.Kind)).Inc()
	d.logger.Warn("fee deferred for retry", "jobId", job.ID, "user", ch.UserID, "kind", ch.Kind,
		"amount", ch.Amount.String(), "relatedTx", ch.RelatedTxID, "cause", job.LastError)
	return job, nil
}

// Transactions lists fees paid by a user, newest first.
func (d *Distributor) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	return d.store.ListTransactions(ctx, userID, pagination.Limit(limit, 50, 200))
}

// Commissions lists commissions earned by a referrer, newest first.
func (d *Distributor) Commissions(ctx context.Context, referrerID string, limit int) ([]*Commission, error) {
	return d.store.ListCommissions(ctx, referrerID, pagination.Limit(limit, 50, 200))
}

// Revenue returns accumulated revenue per bucket and currency.
func (d *Distributor) Revenue(ctx context.Context) ([]*Revenue, error) {
	return d.store.ListRevenue(ctx)
}

// Jobs lists deferred fees in a status.
func (d *Distributor) Jobs(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	return d.store.ListJobs(ctx, status, pagination.Limit(limit, 50, 200))
}
