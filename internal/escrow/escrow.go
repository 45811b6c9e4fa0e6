// Package escrow holds funds on behalf of a trade.
//
// A hold records that an amount was moved from a user's available balance
// into locked for a reference (usually a trade). The hold is disposed of
// exactly once: released to a counterparty or returned to its owner.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/idgen"
	"github.com/mbd888/p2pdesk/internal/ledger"
	"github.com/mbd888/p2pdesk/internal/money"
	"github.com/mbd888/p2pdesk/internal/pagination"
	"github.com/mbd888/p2pdesk/internal/txn"
)

var (
	ErrEscrowNotFound  = apperr.New(apperr.NotFound, "escrow hold not found")
	ErrAlreadyResolved = apperr.New(apperr.InvalidState, "escrow hold already resolved")
	ErrAmountMismatch  = apperr.New(apperr.Invalid, "amount does not match escrow hold")
	ErrInvalidRef      = apperr.New(apperr.Invalid, "escrow reference type and id are required")
)

// Status of a hold.
type Status string

const (
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusReturned Status = "returned"
)

// Hold is one escrowed amount.
type Hold struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	Counterparty string          `json:"counterparty,omitempty"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	RefType      string          `json:"refType"`
	RefID        string          `json:"refId"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the hold has been disposed of.
func (h *Hold) IsTerminal() bool {
	return h.Status == StatusReleased || h.Status == StatusReturned
}

// Store persists holds.
type Store interface {
	Create(ctx context.Context, h *Hold) error
	Get(ctx context.Context, id string) (*Hold, error)
	// GetActiveByRef returns the locked hold for a reference.
	GetActiveByRef(ctx context.Context, refType, refID string) (*Hold, error)
	// Resolve moves a hold from locked to status. Returns ErrAlreadyResolved
	// if the hold is no longer locked.
	Resolve(ctx context.Context, id string, status Status, counterparty string, at time.Time) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Hold, error)
	SumActive(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Ledger is the subset of the balance ledger escrow needs.
type Ledger interface {
	MoveToLocked(ctx context.Context, userID, currency string, amount decimal.Decimal, ref ledger.Ref) (*ledger.Balance, error)
	MoveToAvailable(ctx context.Context, userID, currency string, amount decimal.Decimal, ref ledger.Ref) (*ledger.Balance, error)
	ReleaseLockedToOther(ctx context.Context, fromUser, toUser, currency string, amount decimal.Decimal, ref ledger.Ref) error
}

// Controller locks, releases and returns escrowed funds.
type Controller struct {
	store  Store
	ledger Ledger
	runner txn.Runner
	logger *slog.Logger
}

// NewController creates an escrow controller.
func NewController(store Store, ledger Ledger, runner txn.Runner) *Controller {
	return &Controller{
		store:  store,
		ledger: ledger,
		runner: runner,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger.
func (c *Controller) WithLogger(l *slog.Logger) *Controller {
	c.logger = l
	return c
}

// LockToEscrow moves amount from the user's available balance into locked
// and records a hold for the reference.
func (c *Controller) LockToEscrow(ctx context.Context, userID, currency string, amount decimal.Decimal, refType, refID string) (*Hold, error) {
	if strings.TrimSpace(refType) == "" || strings.TrimSpace(refID) == "" {
		return nil, ErrInvalidRef
	}
	currency = money.Code(currency)

	hold := &Hold{
		ID:        idgen.WithPrefix("esc_"),
		UserID:    userID,
		Currency:  currency,
		Amount:    amount,
		RefType:   refType,
		RefID:     refID,
		Status:    StatusLocked,
		CreatedAt: time.Now().UTC(),
	}

	err := c.runner.Run(ctx, func(ctx context.Context) error {
		if _, err := c.ledger.MoveToLocked(ctx, userID, currency, amount, ledger.Ref{
			Action: audit.ActionEscrowLock, Type: refType, ID: refID,
		}); err != nil {
			return err
		}
		return c.store.Create(ctx, hold)
	})
	if err != nil {
		return nil, fmt.Errorf("lock escrow for %s %s: %w", refType, refID, err)
	}

	escrowOps.WithLabelValues("lock").Inc()
	c.logger.Info("escrow locked", "holdId", hold.ID, "user", userID, "currency", currency,
		"amount", amount.String(), "refType", refType, "refId", refID)
	return hold, nil
}

// ReleaseFromEscrow pays the reference's locked hold out to the buyer.
func (c *Controller) ReleaseFromEscrow(ctx context.Context, sellerID, buyerID, currency string, amount decimal.Decimal, refType, refID string) (*Hold, error) {
	return c.dispose(ctx, sellerID, currency, amount, refType, refID, StatusReleased, buyerID,
		func(ctx context.Context, h *Hold) error {
			return c.ledger.ReleaseLockedToOther(ctx, sellerID, buyerID, h.Currency, h.Amount, ledger.Ref{
				Action: audit.ActionEscrowRelease, Type: refType, ID: refID,
			})
		})
}

// ReturnFromEscrow moves the reference's locked hold back to the owner's
// available balance.
func (c *Controller) ReturnFromEscrow(ctx context.Context, userID, currency string, amount decimal.Decimal, refType, refID string) (*Hold, error) {
	return c.dispose(ctx, userID, currency, amount, refType, refID, StatusReturned, "",
		func(ctx context.Context, h *Hold) error {
			_, err := c.ledger.MoveToAvailable(ctx, userID, h.Currency, h.Amount, ledger.Ref{
				Action: audit.ActionEscrowReturn, Type: refType, ID: refID,
			})
			return err
		})
}

func (c *Controller) dispose(ctx context.Context, owner, currency string, amount decimal.Decimal,
	refType, refID string, to Status, counterparty string, move func(context.Context, *Hold) error) (*Hold, error) {
	currency = money.Code(currency)

	var hold *Hold
	err := c.runner.Run(ctx, func(ctx context.Context) error {
		h, err := c.store.GetActiveByRef(ctx, refType, refID)
		if err != nil {
			return err
		}
		if h.UserID != owner || h.Currency != currency {
			return ErrEscrowNotFound
		}
		if !h.Amount.Equal(amount) {
			return fmt.Errorf("%w: hold %s, requested %s", ErrAmountMismatch, h.Amount, amount)
		}

		now := time.Now().UTC()
		if err := c.store.Resolve(ctx, h.ID, to, counterparty, now); err != nil {
			return err
		}
		if err := move(ctx, h); err != nil {
			return err
		}
		h.Status = to
		h.Counterparty = counterparty
		h.ResolvedAt = &now
		hold = h
		return nil
	})
	if err != nil {
		escrowFailures.WithLabelValues(string(to), string(apperr.KindOf(err))).Inc()
		if errors.Is(err, ErrAlreadyResolved) {
			c.logger.Warn("escrow hold already disposed", "refType", refType, "refId", refID, "wanted", to)
		}
		return nil, fmt.Errorf("%s escrow for %s %s: %w", verb(to), refType, refID, err)
	}

	escrowOps.WithLabelValues(verb(to)).Inc()
	c.logger.Info("escrow disposed", "holdId", hold.ID, "status", to, "user", owner,
		"counterparty", counterparty, "currency", currency, "amount", amount.String(), "refId", refID)
	return hold, nil
}

func verb(s Status) string {
	if s == StatusReleased {
		return "release"
	}
	return "return"
}

// Get returns a hold by ID.
func (c *Controller) Get(ctx context.Context, id string) (*Hold, error) {
	return c.store.Get(ctx, id)
}

// ActiveHold returns the locked hold for a reference.
func (c *Controller) ActiveHold(ctx context.Context, refType, refID string) (*Hold, error) {
	return c.store.GetActiveByRef(ctx, refType, refID)
}

// ListByUser returns holds owned by or released to a user, newest first.
func (c *Controller) ListByUser(ctx context.Context, userID string, limit int) ([]*Hold, error) {
	return c.store.ListByUser(ctx, userID, pagination.Limit(limit, 50, 200))
}

// SumActive totals every locked hold in a currency. Reconciliation compares
// it with the ledger's locked balances.
func (c *Controller) SumActive(ctx context.Context, currency string) (decimal.Decimal, error) {
	return c.store.SumActive(ctx, money.Code(currency))
}
