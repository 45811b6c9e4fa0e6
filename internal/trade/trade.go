// Package trade implements sell offers and the escrow-backed trade state
// machine.
//
// A trade moves through
//
//	waiting_payment -> paid -> completed
//	waiting_payment|paid -> cancelled
//	waiting_payment|paid -> dispute -> completed|cancelled
//
// Every transition is a conditional status update, so concurrent callers
// racing on the same trade see exactly one winner. Escrow is locked when
// the trade is created and is released or returned exactly once.
package trade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/money"
)

var (
	ErrOfferNotFound    = apperr.New(apperr.NotFound, "offer not found")
	ErrOfferInactive    = apperr.New(apperr.InvalidState, "offer is not active")
	ErrInvalidOffer     = apperr.New(apperr.Invalid, "invalid offer")
	ErrAmountOutOfRange = apperr.New(apperr.AmountOutOfRange, "amount outside the offer's limits")
	ErrPaymentMethod    = apperr.New(apperr.Invalid, "payment method not accepted by offer")
	ErrSelfTrade        = apperr.New(apperr.Invalid, "cannot trade against your own offer")
	ErrTradeNotFound    = apperr.New(apperr.NotFound, "trade not found")
	ErrUnauthorized     = apperr.New(apperr.Unauthorized, "not a party to this trade")
	ErrInvalidState     = apperr.New(apperr.InvalidState, "trade is not in a valid state for this action")
	ErrEscrowFailure    = apperr.New(apperr.EscrowFailure, "escrow operation failed")
	ErrAuthProof        = apperr.New(apperr.Unauthorized, "release authorization rejected")
)

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	OfferActive    OfferStatus = "active"
	OfferCompleted OfferStatus = "completed"
	OfferCancelled OfferStatus = "cancelled"
)

// Offer is a fixed-price sell offer.
type Offer struct {
	ID             string          `json:"id"`
	SellerID       string          `json:"sellerId"`
	Currency       string          `json:"currency"`
	FiatCurrency   string          `json:"fiatCurrency"`
	Price          decimal.Decimal `json:"price"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Remaining      decimal.Decimal `json:"remaining"`
	MinAmount      decimal.Decimal `json:"minAmount"`
	MaxAmount      decimal.Decimal `json:"maxAmount"`
	PaymentMethods []string        `json:"paymentMethods"`
	Terms          string          `json:"terms,omitempty"`
	Status         OfferStatus     `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Accepts reports whether the offer lists the payment method.
func (o *Offer) Accepts(method string) bool {
	for _, m := range o.PaymentMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// OfferParams are the seller-supplied fields of a new offer.
type OfferParams struct {
	Currency       string
	FiatCurrency   string
	Price          decimal.Decimal
	Amount         decimal.Decimal
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
	PaymentMethods []string
	Terms          string
}

// NewOffer builds an active offer, validating the fields that every later
// trade relies on.
func NewOffer(id, sellerID string, p OfferParams, now time.Time) (*Offer, error) {
	currency := money.Code(p.Currency)
	fiat := money.Code(p.FiatCurrency)
	switch {
	case id == "" || sellerID == "":
		return nil, fmt.Errorf("%w: id and seller are required", ErrInvalidOffer)
	case currency == "" || fiat == "":
		return nil, fmt.Errorf("%w: currency and fiat currency are required", ErrInvalidOffer)
	case !p.Price.IsPositive() || !money.Fits(fiat, p.Price):
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidOffer)
	case !p.Amount.IsPositive() || !money.Fits(currency, p.Amount):
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidOffer)
	case !p.MinAmount.IsPositive() || !money.Fits(currency, p.MinAmount):
		return nil, fmt.Errorf("%w: minimum must be positive", ErrInvalidOffer)
	case !money.Fits(currency, p.MaxAmount) || p.MaxAmount.LessThan(p.MinAmount):
		return nil, fmt.Errorf("%w: maximum must not be below minimum", ErrInvalidOffer)
	case p.MinAmount.GreaterThan(p.Amount):
		return nil, fmt.Errorf("%w: minimum exceeds offered amount", ErrInvalidOffer)
	case len(p.PaymentMethods) == 0:
		return nil, fmt.Errorf("%w: at least one payment method is required", ErrInvalidOffer)
	}

	methods := make([]string, 0, len(p.PaymentMethods))
	for _, m := range p.PaymentMethods {
		if m = strings.TrimSpace(m); m != "" {
			methods = append(methods, m)
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: at least one payment method is required", ErrInvalidOffer)
	}

	return &Offer{
		ID:             id,
		SellerID:       sellerID,
		Currency:       currency,
		FiatCurrency:   fiat,
		Price:          p.Price,
		TotalAmount:    p.Amount,
		Remaining:      p.Amount,
		MinAmount:      p.MinAmount,
		MaxAmount:      p.MaxAmount,
		PaymentMethods: methods,
		Terms:          p.Terms,
		Status:         OfferActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Status is the lifecycle state of a trade.
type Status string

const (
	StatusWaitingPayment Status = "waiting_payment"
	StatusPaid           Status = "paid"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusDispute        Status = "dispute"
)

var transitions = map[Status][]Status{
	StatusWaitingPayment: {StatusPaid, StatusCancelled, StatusDispute},
	StatusPaid:           {StatusCompleted, StatusCancelled, StatusDispute},
	StatusDispute:        {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for completed and cancelled trades.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Trade is one purchase against an offer.
type Trade struct {
	ID              string          `json:"id"`
	OfferID         string          `json:"offerId"`
	BuyerID         string          `json:"buyerId"`
	SellerID        string          `json:"sellerId"`
	Currency        string          `json:"currency"`
	FiatCurrency    string          `json:"fiatCurrency"`
	Amount          decimal.Decimal `json:"amount"`
	FiatAmount      decimal.Decimal `json:"fiatAmount"`
	Price           decimal.Decimal `json:"price"`
	PaymentMethod   string          `json:"paymentMethod"`
	Status          Status          `json:"status"`
	EscrowLocked    bool            `json:"escrowLocked"`
	BuyerFee        decimal.Decimal `json:"buyerFee"`
	SellerFee       decimal.Decimal `json:"sellerFee"`
	FeeDeferred     bool            `json:"feeDeferred,omitempty"`
	PaymentDeadline time.Time       `json:"paymentDeadline"`
	CreatedAt       time.Time       `json:"createdAt"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	CancelledAt     *time.Time      `json:"cancelledAt,omitempty"`
	DisputedAt      *time.Time      `json:"disputedAt,omitempty"`
	CancelReason    string          `json:"cancelReason,omitempty"`
	CancelledBy     string          `json:"cancelledBy,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsParty reports whether userID is the buyer or the seller.
func (t *Trade) IsParty(userID string) bool {
	return userID != "" && (t.BuyerID == userID || t.SellerID == userID)
}

// Counterparty returns the other side of the trade.
func (t *Trade) Counterparty(userID string) string {
	if userID == t.BuyerID {
		return t.SellerID
	}
	return t.BuyerID
}

// Expired reports whether an unpaid trade is past its payment deadline.
func (t *Trade) Expired(now time.Time) bool {
	return t.Status == StatusWaitingPayment && now.After(t.PaymentDeadline)
}

// OfferFilter selects offers. Zero fields match everything.
type OfferFilter struct {
	SellerID     string
	Currency     string
	FiatCurrency string
	Status       OfferStatus
}

// Store persists offers and trades.
type Store interface {
	CreateOffer(ctx context.Context, o *Offer) error
	GetOffer(ctx context.Context, id string) (*Offer, error)
	ListOffers(ctx context.Context, f OfferFilter, limit int) ([]*Offer, error)
	// ConsumeOffer subtracts amount from an active offer's remaining amount
	// if at least amount remains, completing the offer once what is left
	// drops below its minimum.
	ConsumeOffer(ctx context.Context, id string, amount decimal.Decimal, at time.Time) (*Offer, error)
	// RestoreOffer adds amount back to an offer, reactivating a completed one.
	// Cancelled offers keep their status.
	RestoreOffer(ctx context.Context, id string, amount decimal.Decimal, at time.Time) (*Offer, error)
	// SetOfferStatus moves an offer to status if its current status is in from.
	SetOfferStatus(ctx context.Context, id string, from []OfferStatus, to OfferStatus, at time.Time) error

	CreateTrade(ctx context.Context, t *Trade) error
	GetTrade(ctx context.Context, id string) (*Trade, error)
	// UpdateTrade writes t if the stored status is one of from. It returns
	// ErrInvalidState when the trade moved on in the meantime.
	UpdateTrade(ctx context.Context, t *Trade, from ...Status) error
	ListByUser(ctx context.Context, userID string, status Status, limit int) ([]*Trade, error)
	// ListExpired returns waiting_payment trades whose deadline is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error)
}
