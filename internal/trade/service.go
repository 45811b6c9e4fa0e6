package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/escrow"
	"github.com/mbd888/p2pdesk/internal/fees"
	"github.com/mbd888/p2pdesk/internal/idgen"
	"github.com/mbd888/p2pdesk/internal/money"
	"github.com/mbd888/p2pdesk/internal/pagination"
	"github.com/mbd888/p2pdesk/internal/referral"
	"github.com/mbd888/p2pdesk/internal/syncutil"
	"github.com/mbd888/p2pdesk/internal/traces"
	"github.com/mbd888/p2pdesk/internal/txn"
)

// RefType tags escrow holds and audit entries that belong to a trade.
const RefType = "trade"

// DefaultPaymentWindow is how long a buyer has to mark a trade paid.
const DefaultPaymentWindow = 30 * time.Minute

// Escrow holds the seller's crypto for the life of a trade.
type Escrow interface {
	LockToEscrow(ctx context.Context, userID, currency string, amount decimal.Decimal, refType, refID string) (*escrow.Hold, error)
	ReleaseFromEscrow(ctx context.Context, sellerID, buyerID, currency string, amount decimal.Decimal, refType, refID string) (*escrow.Hold, error)
	ReturnFromEscrow(ctx context.Context, userID, currency string, amount decimal.Decimal, refType, refID string) (*escrow.Hold, error)
}

// Fees books trade fees at release.
type Fees interface {
	Resolve(ctx context.Context, userID string) *referral.Info
	Settle(ctx context.Context, ch fees.Charge, info *referral.Info) (*fees.Transaction, error)
	Defer(ctx context.Context, ch fees.Charge, cause error) (*fees.Job, error)
}

// Auditor records lifecycle audit entries.
type Auditor interface {
	Record(ctx context.Context, entry *audit.Entry) error
}

// DisputeRecorder creates the dispute record when a party opens one.
type DisputeRecorder interface {
	Open(ctx context.Context, tradeID, openerID, reason string) (string, error)
}

// Authorizer checks the seller's release proof (2FA code, signed challenge).
type Authorizer interface {
	VerifyRelease(ctx context.Context, sellerID, tradeID, proof string) error
}

// Event names a trade notification.
type Event string

const (
	EventTradeCreated    Event = "trade_created"
	EventEscrowLocked    Event = "escrow_locked"
	EventPaymentMarked   Event = "payment_marked"
	EventTradeCompleted  Event = "trade_completed"
	EventTradeCancelled  Event = "trade_cancelled"
	EventDisputeOpened   Event = "dispute_opened"
	EventDisputeResolved Event = "dispute_resolved"
)

// Notifier delivers trade events to the parties. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, event Event, t *Trade)
}

// Stats receives finished trades for merchant statistics.
type Stats interface {
	RecordTrade(ctx context.Context, t *Trade) error
}

// Service runs offers and the trade state machine.
type Service struct {
	store    Store
	escrow   Escrow
	fees     Fees
	audit    Auditor
	runner   txn.Runner
	disputes DisputeRecorder
	notifier Notifier
	stats    Stats
	authz    Authorizer
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger

	buyerFeeRate  decimal.Decimal
	sellerFeeRate decimal.Decimal
	paymentWindow time.Duration
	now           func() time.Time
}

// NewService creates a trade service.
func NewService(store Store, esc Escrow, feeBook Fees, auditor Auditor, runner txn.Runner) *Service {
	return &Service{
		store:         store,
		escrow:        esc,
		fees:          feeBook,
		audit:         auditor,
		runner:        runner,
		locks:         syncutil.NewContextShardedMutex("trade"),
		logger:        slog.Default(),
		buyerFeeRate:  decimal.Zero,
		sellerFeeRate: decimal.Zero,
		paymentWindow: DefaultPaymentWindow,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithDisputes enables OpenDispute.
func (s *Service) WithDisputes(d DisputeRecorder) *Service {
	s.disputes = d
	return s
}

// WithNotifier sets the event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithStats sets the merchant statistics sink.
func (s *Service) WithStats(st Stats) *Service {
	s.stats = st
	return s
}

// WithAuthorizer requires a verified proof on release.
func (s *Service) WithAuthorizer(a Authorizer) *Service {
	s.authz = a
	return s
}

// WithFeeRates sets the fraction of the traded amount charged to each side.
func (s *Service) WithFeeRates(buyer, seller decimal.Decimal) *Service {
	s.buyerFeeRate = buyer
	s.sellerFeeRate = seller
	return s
}

// WithPaymentWindow sets how long buyers have to pay.
func (s *Service) WithPaymentWindow(d time.Duration) *Service {
	if d > 0 {
		s.paymentWindow = d
	}
	return s
}

// --- Offers ---

// CreateOffer publishes a sell offer.
func (s *Service) CreateOffer(ctx context.Context, sellerID string, p OfferParams) (*Offer, error) {
	o, err := NewOffer(idgen.WithPrefix("ofr_"), sellerID, p, s.now())
	if err != nil {
		return nil, err
	}

	ctx = audit.WithCorrelationID(ctx, o.ID)
	err = s.runner.Run(ctx, func(ctx context.Context) error {
		if err := s.store.CreateOffer(ctx, o); err != nil {
			return err
		}
		return s.audit.Record(ctx, &audit.Entry{
			Action:   audit.ActionOfferCreated,
			UserID:   sellerID,
			Currency: o.Currency,
			Amount:   o.TotalAmount,
			RefType:  "offer",
			RefID:    o.ID,
			AfterState: audit.Snapshot(map[string]string{
				"price": o.Price.String(), "fiatCurrency": o.FiatCurrency,
				"min": o.MinAmount.String(), "max": o.MaxAmount.String(),
			}),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	offerOps.WithLabelValues("create").Inc()
	s.logger.Info("offer created", "offerId", o.ID, "seller", sellerID, "currency", o.Currency,
		"amount", o.TotalAmount.String(), "price", o.Price.String())
	return o, nil
}

// CancelOffer withdraws an offer. Trades already opened against it are
// unaffected.
func (s *Service) CancelOffer(ctx context.Context, offerID, sellerID string) (*Offer, error) {
	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.SellerID != sellerID {
		return nil, ErrOfferNotFound
	}

	ctx = audit.WithCorrelationID(ctx, offerID)
	now := s.now()
	err = s.runner.Run(ctx, func(ctx context.Context) error {
		if err := s.store.SetOfferStatus(ctx, offerID, []OfferStatus{OfferActive, OfferCompleted}, OfferCancelled, now); err != nil {
			return err
		}
		return s.audit.Record(ctx, &audit.Entry{
			Action:   audit.ActionOfferCancelled,
			UserID:   sellerID,
			Currency: o.Currency,
			Amount:   o.Remaining,
			RefType:  "offer",
			RefID:    o.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	o.Status = OfferCancelled
	o.UpdatedAt = now
	offerOps.WithLabelValues("cancel").Inc()
	s.logger.Info("offer cancelled", "offerId", o.ID, "seller", sellerID)
	return o, nil
}

// GetOffer returns an offer by ID.
func (s *Service) GetOffer(ctx context.Context, id string) (*Offer, error) {
	return s.store.GetOffer(ctx, id)
}

// ListOffers returns offers matching f, newest first.
func (s *Service) ListOffers(ctx context.Context, f OfferFilter, limit int) ([]*Offer, error) {
	return s.store.ListOffers(ctx, f, pagination.Limit(limit, 50, 200))
}

// ListActiveOffers returns active offers for a crypto currency.
func (s *Service) ListActiveOffers(ctx context.Context, currency string, limit int) ([]*Offer, error) {
	return s.ListOffers(ctx, OfferFilter{Currency: money.Code(currency), Status: OfferActive}, limit)
}

// --- Trades ---

// TradeRequest is a buyer's request to buy from an offer.
type TradeRequest struct {
	OfferID       string
	Amount        decimal.Decimal
	PaymentMethod string
}

// CreateTrade opens a trade, moving the amount from the seller's available
// balance into escrow and taking it off the offer.
func (s *Service) CreateTrade(ctx context.Context, buyerID string, req TradeRequest) (*Trade, error) {
	offer, err := s.store.GetOffer(ctx, req.OfferID)
	if err != nil {
		return nil, err
	}
	if err := checkTradeRequest(offer, buyerID, req); err != nil {
		return nil, err
	}

	now := s.now()
	t := &Trade{
		ID:              idgen.WithPrefix("trd_"),
		OfferID:         offer.ID,
		BuyerID:         buyerID,
		SellerID:        offer.SellerID,
		Currency:        offer.Currency,
		FiatCurrency:    offer.FiatCurrency,
		Amount:          req.Amount,
		FiatAmount:      money.Round(offer.FiatCurrency, req.Amount.Mul(offer.Price)),
		Price:           offer.Price,
		PaymentMethod:   req.PaymentMethod,
		Status:          StatusWaitingPayment,
		EscrowLocked:    true,
		PaymentDeadline: now.Add(s.paymentWindow),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	ctx = audit.WithCorrelationID(ctx, t.ID)
	ctx, span := traces.StartSpan(ctx, "trade.CreateTrade",
		traces.TradeID(t.ID), traces.OfferID(offer.ID), traces.UserID(buyerID),
		traces.Currency(t.Currency), traces.Amount(t.Amount.String()))
	defer span.End()

	err = s.runner.Run(ctx, func(ctx context.Context) error {
		if _, err := s.store.ConsumeOffer(ctx, offer.ID, t.Amount, now); err != nil {
			return err
		}
		if _, err := s.escrow.LockToEscrow(ctx, t.SellerID, t.Currency, t.Amount, RefType, t.ID); err != nil {
			return err
		}
		if err := s.store.CreateTrade(ctx, t); err != nil {
			return err
		}
		return s.audit.Record(ctx, &audit.Entry{
			Action:       audit.ActionTradeCreated,
			UserID:       buyerID,
			Counterparty: t.SellerID,
			Currency:     t.Currency,
			Amount:       t.Amount,
			RefType:      RefType,
			RefID:        t.ID,
			AfterState: audit.Snapshot(map[string]string{
				"status": string(t.Status), "fiatAmount": t.FiatAmount.String(), "offerId": t.OfferID,
			}),
		})
	})
	if err != nil {
		traces.RecordError(span, err)
		tradeFailures.WithLabelValues("create", string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	tradeTransitions.WithLabelValues(string(StatusWaitingPayment)).Inc()
	s.logger.Info("trade created", "tradeId", t.ID, "offerId", t.OfferID, "buyer", buyerID,
		"seller", t.SellerID, "currency", t.Currency, "amount", t.Amount.String(),
		"fiatAmount", t.FiatAmount.String(), "deadline", t.PaymentDeadline)
	s.notify(ctx, EventTradeCreated, t)
	s.notify(ctx, EventEscrowLocked, t)
	return t, nil
}

func checkTradeRequest(o *Offer, buyerID string, req TradeRequest) error {
	if o.Status != OfferActive {
		return ErrOfferInactive
	}
	if buyerID == o.SellerID {
		return ErrSelfTrade
	}
	amt := req.Amount
	if !amt.IsPositive() || !money.Fits(o.Currency, amt) {
		return fmt.Errorf("%w: %s is not a valid %s amount", ErrAmountOutOfRange, amt, o.Currency)
	}
	if amt.LessThan(o.MinAmount) || amt.GreaterThan(o.MaxAmount) {
		return fmt.Errorf("%w: must be between %s and %s", ErrAmountOutOfRange, o.MinAmount, o.MaxAmount)
	}
	if amt.GreaterThan(o.Remaining) {
		return fmt.Errorf("%w: only %s remaining", ErrAmountOutOfRange, o.Remaining)
	}
	if !o.Accepts(req.PaymentMethod) {
		return ErrPaymentMethod
	}
	return nil
}

// MarkAsPaid records the buyer's claim that the fiat payment was sent.
func (s *Service) MarkAsPaid(ctx context.Context, tradeID, buyerID string) (*Trade, error) {
	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.BuyerID != buyerID {
		return nil, ErrUnauthorized
	}
	if t.Status != StatusWaitingPayment {
		return nil, stateError(t, "mark as paid")
	}

	ctx = audit.WithCorrelationID(ctx, t.ID)
	now := s.now()
	t.Status = StatusPaid
	t.PaidAt = &now
	t.UpdatedAt = now
	if err := s.apply(ctx, StatusWaitingPayment, t, audit.ActionTradePaid, buyerID); err != nil {
		tradeFailures.WithLabelValues("mark_paid", string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	tradeTransitions.WithLabelValues(string(StatusPaid)).Inc()
	s.logger.Info("trade marked as paid", "tradeId", t.ID, "buyer", buyerID)
	s.notify(ctx, EventPaymentMarked, t)
	return t, nil
}

// feeStepError marks a failure in the fee part of a release.
type feeStepError struct{ err error }

func (e *feeStepError) Error() string { return "fee distribution: " + e.err.Error() }
func (e *feeStepError) Unwrap() error { return e.err }

// ReleaseCrypto pays the escrowed crypto out to the buyer and books the
// trade fees. Release, fees, audit and the status change commit together.
// If the fees cannot commit, the release commits alone and the fees are
// queued for retry.
func (s *Service) ReleaseCrypto(ctx context.Context, tradeID, sellerID, authProof string) (*Trade, error) {
	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.SellerID != sellerID {
		return nil, ErrUnauthorized
	}
	if t.Status != StatusPaid {
		return nil, stateError(t, "release")
	}
	if s.authz != nil {
		if err := s.authz.VerifyRelease(ctx, sellerID, t.ID, authProof); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthProof, err)
		}
	}

	ctx = audit.WithCorrelationID(ctx, t.ID)
	ctx, span := traces.StartSpan(ctx, "trade.ReleaseCrypto",
		traces.TradeID(t.ID), traces.UserID(sellerID),
		traces.Currency(t.Currency), traces.Amount(t.Amount.String()))
	defer span.End()

	charges := s.feeCharges(t)
	infos := make([]*referral.Info, len(charges))
	for i, ch := range charges {
		infos[i] = s.fees.Resolve(ctx, ch.UserID)
	}

	now := s.now()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.EscrowLocked = false
	for _, ch := range charges {
		if ch.Kind == fees.KindP2PBuyer {
			t.BuyerFee = ch.Amount
		} else {
			t.SellerFee = ch.Amount
		}
	}

	err = s.apply(ctx, StatusPaid, t, audit.ActionTradeCompleted, sellerID,
		s.releaseStep(t),
		func(ctx context.Context) error {
			for i, ch := range charges {
				if _, err := s.fees.Settle(ctx, ch, infos[i]); err != nil {
					return &feeStepError{err: err}
				}
			}
			return nil
		})

	var feeErr *feeStepError
	if errors.As(err, &feeErr) {
		s.logger.Warn("fee distribution failed, releasing without fees", "tradeId", t.ID, "error", feeErr.err)
		t.FeeDeferred = true
		err = s.apply(ctx, StatusPaid, t, audit.ActionTradeCompleted, sellerID,
			s.releaseStep(t),
			func(ctx context.Context) error {
				for _, ch := range charges {
					if _, err := s.fees.Defer(ctx, ch, feeErr.err); err != nil {
						return err
					}
				}
				return nil
			})
	}
	if err != nil {
		traces.RecordError(span, err)
		tradeFailures.WithLabelValues("release", string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	tradeTransitions.WithLabelValues(string(StatusCompleted)).Inc()
	if t.PaidAt != nil {
		releaseSeconds.Observe(now.Sub(*t.PaidAt).Seconds())
	}
	s.logger.Info("trade completed", "tradeId", t.ID, "seller", sellerID, "buyer", t.BuyerID,
		"currency", t.Currency, "amount", t.Amount.String(), "buyerFee", t.BuyerFee.String(),
		"sellerFee", t.SellerFee.String(), "feeDeferred", t.FeeDeferred)
	s.notify(ctx, EventTradeCompleted, t)
	s.recordStats(ctx, t)
	return t, nil
}

func (s *Service) feeCharges(t *Trade) []fees.Charge {
	var charges []fees.Charge
	if fee := money.MulRate(t.Currency, t.Amount, s.buyerFeeRate); fee.IsPositive() {
		charges = append(charges, fees.Charge{
			UserID: t.BuyerID, Kind: fees.KindP2PBuyer, Amount: fee,
			Currency: t.Currency, RelatedTxID: t.ID, DebitPayer: true,
		})
	}
	if fee := money.MulRate(t.Currency, t.Amount, s.sellerFeeRate); fee.IsPositive() {
		charges = append(charges, fees.Charge{
			UserID: t.SellerID, Kind: fees.KindP2PSeller, Amount: fee,
			Currency: t.Currency, RelatedTxID: t.ID, DebitPayer: true,
		})
	}
	return charges
}

// CancelTrade cancels an unpaid or paid trade. The escrow returns to the
// seller and the amount goes back on the offer.
func (s *Service) CancelTrade(ctx context.Context, tradeID, userID, reason string) (*Trade, error) {
	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(userID) {
		return nil, ErrUnauthorized
	}
	if t.Status != StatusWaitingPayment && t.Status != StatusPaid {
		return nil, stateError(t, "cancel")
	}
	if err := s.cancel(ctx, t, userID, userID, reason); err != nil {
		tradeFailures.WithLabelValues("cancel", string(apperr.KindOf(err))).Inc()
		return nil, err
	}
	return t, nil
}

// ExpireTrade cancels a waiting_payment trade whose deadline has passed.
// It reports false when the trade was paid, cancelled or extended meanwhile.
func (s *Service) ExpireTrade(ctx context.Context, tradeID string) (bool, error) {
	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return false, err
	}
	defer unlock()

	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return false, err
	}
	if !t.Expired(s.now()) {
		return false, nil
	}

	ctx = audit.WithActor(ctx, audit.ActorSystem, "payment-expiry")
	if err := s.cancel(ctx, t, t.SellerID, "system", "payment window expired"); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return false, nil
		}
		return false, err
	}
	tradesExpired.Inc()
	return true, nil
}

func (s *Service) cancel(ctx context.Context, t *Trade, subject, by, reason string) error {
	ctx = audit.WithCorrelationID(ctx, t.ID)
	prev := t.Status
	now := s.now()
	t.Status = StatusCancelled
	t.CancelledAt = &now
	t.UpdatedAt = now
	t.CancelReason = reason
	t.CancelledBy = by
	t.EscrowLocked = false

	if err := s.apply(ctx, prev, t, audit.ActionTradeCancelled, subject,
		s.returnStep(t), s.restoreOfferStep(t, now)); err != nil {
		return err
	}

	tradeTransitions.WithLabelValues(string(StatusCancelled)).Inc()
	s.logger.Info("trade cancelled", "tradeId", t.ID, "by", by, "from", prev, "reason", reason)
	s.notify(ctx, EventTradeCancelled, t)
	s.recordStats(ctx, t)
	return nil
}

// OpenDispute freezes a trade pending admin resolution. The escrow stays
// locked. It returns the new dispute's ID.
func (s *Service) OpenDispute(ctx context.Context, tradeID, userID, reason string) (*Trade, string, error) {
	if s.disputes == nil {
		return nil, "", apperr.New(apperr.Internal, "disputes are not configured")
	}
	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, "", err
	}
	if !t.IsParty(userID) {
		return nil, "", ErrUnauthorized
	}
	if t.Status != StatusWaitingPayment && t.Status != StatusPaid {
		return nil, "", stateError(t, "dispute")
	}

	ctx = audit.WithCorrelationID(ctx, t.ID)
	prev := t.Status
	now := s.now()
	t.Status = StatusDispute
	t.DisputedAt = &now
	t.UpdatedAt = now

	var disputeID string
	err = s.apply(ctx, prev, t, audit.ActionTradeDisputed, userID, func(ctx context.Context) error {
		id, err := s.disputes.Open(ctx, t.ID, userID, reason)
		disputeID = id
		return err
	})
	if err != nil {
		tradeFailures.WithLabelValues("dispute", string(apperr.KindOf(err))).Inc()
		return nil, "", err
	}

	tradeTransitions.WithLabelValues(string(StatusDispute)).Inc()
	s.logger.Info("trade disputed", "tradeId", t.ID, "disputeId", disputeID, "by", userID, "from", prev)
	s.notify(ctx, EventDisputeOpened, t)
	return t, disputeID, nil
}

// SettleDispute moves a disputed trade to completed (escrow released to the
// buyer) or cancelled (escrow returned to the seller). within runs inside
// the same settlement unit so the caller's dispute record commits with it.
// No trade fee is charged on a dispute release.
func (s *Service) SettleDispute(ctx context.Context, tradeID, adminID string, releaseToBuyer bool, note string,
	within func(ctx context.Context) error) (*Trade, error) {
	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusDispute {
		return nil, stateError(t, "settle dispute")
	}

	ctx = audit.WithActor(ctx, audit.ActorAdmin, adminID)
	ctx = audit.WithCorrelationID(ctx, t.ID)
	ctx, span := traces.StartSpan(ctx, "trade.SettleDispute", traces.TradeID(t.ID), traces.UserID(adminID))
	defer span.End()

	now := s.now()
	t.UpdatedAt = now
	t.EscrowLocked = false
	steps := []func(context.Context) error{}
	action := audit.ActionTradeCompleted
	if releaseToBuyer {
		t.Status = StatusCompleted
		t.CompletedAt = &now
		steps = append(steps, s.releaseStep(t))
	} else {
		t.Status = StatusCancelled
		t.CancelledAt = &now
		t.CancelReason = note
		t.CancelledBy = adminID
		action = audit.ActionTradeCancelled
		steps = append(steps, s.returnStep(t), s.restoreOfferStep(t, now))
	}
	if within != nil {
		steps = append(steps, within)
	}

	if err := s.apply(ctx, StatusDispute, t, action, t.SellerID, steps...); err != nil {
		traces.RecordError(span, err)
		tradeFailures.WithLabelValues("settle_dispute", string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	tradeTransitions.WithLabelValues(string(t.Status)).Inc()
	s.logger.Info("disputed trade settled", "tradeId", t.ID, "admin", adminID, "status", t.Status)
	s.notify(ctx, EventDisputeResolved, t)
	if t.Status == StatusCompleted {
		s.notify(ctx, EventTradeCompleted, t)
	} else {
		s.notify(ctx, EventTradeCancelled, t)
	}
	s.recordStats(ctx, t)
	return t, nil
}

// Get returns a trade to one of its parties.
func (s *Service) Get(ctx context.Context, tradeID, userID string) (*Trade, error) {
	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(userID) {
		return nil, ErrTradeNotFound
	}
	return t, nil
}

// GetTrade returns a trade without a party check, for admin use.
func (s *Service) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	return s.store.GetTrade(ctx, tradeID)
}

// ListByUser returns a user's trades, newest first. An empty status matches all.
func (s *Service) ListByUser(ctx context.Context, userID string, status Status, limit int) ([]*Trade, error) {
	return s.store.ListByUser(ctx, userID, status, pagination.Limit(limit, 50, 200))
}

// ListExpired returns unpaid trades past their deadline.
func (s *Service) ListExpired(ctx context.Context, limit int) ([]*Trade, error) {
	return s.store.ListExpired(ctx, s.now(), pagination.Limit(limit, 50, 200))
}

// apply writes t conditionally on prev, runs steps and records one audit
// entry, all in one settlement unit.
func (s *Service) apply(ctx context.Context, prev Status, t *Trade, action audit.Action, subject string,
	steps ...func(context.Context) error) error {
	if !CanTransition(prev, t.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, prev, t.Status)
	}
	return s.runner.Run(ctx, func(ctx context.Context) error {
		if err := s.store.UpdateTrade(ctx, t, prev); err != nil {
			return err
		}
		for _, step := range steps {
			if err := step(ctx); err != nil {
				return err
			}
		}
		return s.audit.Record(ctx, &audit.Entry{
			Action:       action,
			UserID:       subject,
			Counterparty: t.Counterparty(subject),
			Currency:     t.Currency,
			Amount:       t.Amount,
			RefType:      RefType,
			RefID:        t.ID,
			BeforeState:  audit.Snapshot(map[string]string{"status": string(prev)}),
			AfterState:   audit.Snapshot(map[string]string{"status": string(t.Status)}),
			Description:  t.CancelReason,
		})
	})
}

func (s *Service) releaseStep(t *Trade) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := s.escrow.ReleaseFromEscrow(ctx, t.SellerID, t.BuyerID, t.Currency, t.Amount, RefType, t.ID); err != nil {
			return fmt.Errorf("%w: %w", ErrEscrowFailure, err)
		}
		return nil
	}
}

func (s *Service) returnStep(t *Trade) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := s.escrow.ReturnFromEscrow(ctx, t.SellerID, t.Currency, t.Amount, RefType, t.ID); err != nil {
			return fmt.Errorf("%w: %w", ErrEscrowFailure, err)
		}
		return nil
	}
}

func (s *Service) restoreOfferStep(t *Trade, now time.Time) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.store.RestoreOffer(ctx, t.OfferID, t.Amount, now)
		return err
	}
}

func (s *Service) notify(ctx context.Context, event Event, t *Trade) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in trade notifier", "event", event, "tradeId", t.ID, "panic", fmt.Sprint(r))
		}
	}()
	cp := *t
	s.notifier.Notify(ctx, event, &cp)
}

// recordStats updates merchant statistics in the background.
func (s *Service) recordStats(ctx context.Context, t *Trade) {
	if s.stats == nil {
		return
	}
	cp := *t
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in merchant stats", "tradeId", cp.ID, "panic", fmt.Sprint(r))
			}
		}()
		if err := s.stats.RecordTrade(ctx, &cp); err != nil {
			s.logger.Warn("merchant stats update failed", "tradeId", cp.ID, "error", err)
		}
	}()
}

func stateError(t *Trade, action string) error {
	return fmt.Errorf("%w: cannot %s a trade in status %s", ErrInvalidState, action, t.Status)
}
