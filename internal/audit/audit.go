// Package audit records every balance-affecting and lifecycle event.
//
// Entries are append-only. Inside a settlement unit an entry becomes visible
// only when the unit commits, so an aborted release leaves no trace beyond
// the application log.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/pagination"
)

var ErrInvalidFilter = apperr.New(apperr.Invalid, "invalid audit filter")

// Action names an audited event.
type Action string

// Balance mutations. Each ledger operation writes exactly one of these.
const (
	ActionDeposit          Action = "deposit"
	ActionWithdrawal       Action = "withdrawal"
	ActionCredit           Action = "credit"
	ActionDebit            Action = "debit"
	ActionEscrowLock       Action = "escrow_lock"
	ActionEscrowRelease    Action = "escrow_release"
	ActionEscrowReturn     Action = "escrow_return"
	ActionFeeCharge        Action = "fee_charge"
	ActionFeeCollect       Action = "fee_collect"
	ActionFeeWithheld      Action = "fee_withheld"
	ActionCommissionPayout Action = "commission_payout"
	ActionCommissionCredit Action = "commission_credit"
)

// Lifecycle events.
const (
	ActionOfferCreated    Action = "offer_created"
	ActionOfferCancelled  Action = "offer_cancelled"
	ActionTradeCreated    Action = "trade_created"
	ActionTradePaid       Action = "trade_paid"
	ActionTradeCompleted  Action = "trade_completed"
	ActionTradeCancelled  Action = "trade_cancelled"
	ActionTradeDisputed   Action = "trade_disputed"
	ActionDisputeResolved Action = "dispute_resolved"
	ActionFeeDistributed  Action = "fee_distributed"
	ActionFeeDeferred     Action = "fee_deferred"
	ActionLedgerFrozen    Action = "ledger_frozen"
	ActionLedgerUnfrozen  Action = "ledger_unfrozen"
)

// IsBalanceMutation reports whether the action changes a balance record.
func (a Action) IsBalanceMutation() bool {
	switch a {
	case ActionDeposit, ActionWithdrawal, ActionCredit, ActionDebit,
		ActionEscrowLock, ActionEscrowRelease, ActionEscrowReturn,
		ActionFeeCharge, ActionFeeCollect, ActionFeeWithheld, ActionCommissionPayout, ActionCommissionCredit:
		return true
	}
	return false
}

// Actor types.
const (
	ActorUser   = "user"
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

// Entry is a single audit record.
type Entry struct {
	ID            int64           `json:"id"`
	ActorType     string          `json:"actorType"`
	ActorID       string          `json:"actorId,omitempty"`
	Action        Action          `json:"action"`
	UserID        string          `json:"userId"`
	Counterparty  string          `json:"counterparty,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	BeforeState   string          `json:"beforeState,omitempty"`
	AfterState    string          `json:"afterState,omitempty"`
	RefType       string          `json:"refType,omitempty"`
	RefID         string          `json:"refId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	UserID string
	Action Action
	From   time.Time
	To     time.Time
	Cursor string
	Limit  int

	after *pagination.Cursor
}

// Page is one page of query results, newest first.
type Page struct {
	Entries    []*Entry `json:"entries"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// Store persists entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	// Query returns up to limit entries matching f, newest first, strictly
	// older than the decoded cursor when one is set.
	Query(ctx context.Context, f Filter, limit int) ([]*Entry, error)
	// SumAmounts totals the amounts of all entries with the given action and currency.
	SumAmounts(ctx context.Context, currency string, action Action) (decimal.Decimal, error)
}

// Recorder stamps entries with actor and correlation data from the context.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, logger: slog.Default(), now: time.Now}
}

// WithLogger sets the logger.
func (r *Recorder) WithLogger(l *slog.Logger) *Recorder {
	r.logger = l
	return r
}

// Record appends an entry.
func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	actorType, actorID, correlationID, requestID := actorFromCtx(ctx)
	if e.ActorType == "" {
		e.ActorType = actorType
		e.ActorID = actorID
	}
	if e.CorrelationID == "" {
		e.CorrelationID = correlationID
	}
	if e.RequestID == "" {
		e.RequestID = requestID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if err := r.store.Append(ctx, e); err != nil {
		r.logger.Error("audit append failed", "action", e.Action, "user", e.UserID, "error", err)
		return err
	}
	return nil
}

// Query returns a page of entries.
func (r *Recorder) Query(ctx context.Context, f Filter) (*Page, error) {
	f.Limit = pagination.Limit(f.Limit, 100, 500)
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, ErrInvalidFilter
	}
	cur, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, ErrInvalidFilter
	}
	f.after = cur

	entries, err := r.store.Query(ctx, f, f.Limit+1)
	if err != nil {
		return nil, err
	}
	entries, next, more := pagination.ComputePage(entries, f.Limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, strconv.FormatInt(e.ID, 10)
	})
	return &Page{Entries: entries, NextCursor: next, HasMore: more}, nil
}

// ExternalNet returns value that entered the ledger from outside (deposits
// and fees withheld from flows the ledger never held) minus withdrawals.
// By the conservation law this equals the sum of all balance totals.
func (r *Recorder) ExternalNet(ctx context.Context, currency string) (decimal.Decimal, error) {
	in, err := r.store.SumAmounts(ctx, currency, ActionDeposit)
	if err != nil {
		return decimal.Zero, err
	}
	withheld, err := r.store.SumAmounts(ctx, currency, ActionFeeWithheld)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := r.store.SumAmounts(ctx, currency, ActionWithdrawal)
	if err != nil {
		return decimal.Zero, err
	}
	return in.Add(withheld).Sub(out), nil
}

// Snapshot renders v as JSON for BeforeState/AfterState.
func Snapshot(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// cursorID parses the numeric ID carried in a pagination cursor.
func cursorID(c *pagination.Cursor) (int64, error) {
	if c == nil {
		return 0, errors.New("nil cursor")
	}
	return strconv.ParseInt(c.ID, 10, 64)
}
