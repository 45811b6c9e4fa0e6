// Package ledger owns per-user, per-currency balances.
//
// A balance record has total, available and locked amounts with
// total == available + locked. The ledger is the only component that
// mutates them. Every mutation runs inside a settlement unit together with
// exactly one audit entry, so a failed audit write also rolls back the
// balance change.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/money"
	"github.com/mbd888/p2pdesk/internal/txn"
)

var (
	ErrInvalidAmount       = apperr.New(apperr.Invalid, "amount must be positive and within currency precision")
	ErrInvalidAccount      = apperr.New(apperr.Invalid, "user and currency are required")
	ErrSameAccount         = apperr.New(apperr.Invalid, "source and destination must differ")
	ErrBalanceNotFound     = apperr.New(apperr.NotFound, "balance not found")
	ErrInsufficientBalance = apperr.New(apperr.InsufficientBalance, "insufficient available balance")
	ErrInsufficientLocked  = apperr.New(apperr.InsufficientLocked, "insufficient locked balance")
	ErrLedgerCorruption    = apperr.New(apperr.LedgerCorruption, "balance invariant violated")
	ErrFrozen              = apperr.New(apperr.LedgerCorruption, "balance record is frozen pending reconciliation")
	ErrNotFrozen           = apperr.New(apperr.InvalidState, "balance record is not frozen")
)

// Balance is one (user, currency) record.
type Balance struct {
	UserID    string          `json:"userId"`
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Check verifies the record's invariants.
func (b *Balance) Check() error {
	if b.Available.IsNegative() || b.Locked.IsNegative() || b.Total.IsNegative() {
		return fmt.Errorf("%w: negative component for %s/%s", ErrLedgerCorruption, b.UserID, b.Currency)
	}
	if !b.Total.Equal(b.Available.Add(b.Locked)) {
		return fmt.Errorf("%w: total %s != available %s + locked %s for %s/%s",
			ErrLedgerCorruption, b.Total, b.Available, b.Locked, b.UserID, b.Currency)
	}
	return nil
}

func (b *Balance) clone() *Balance {
	cp := *b
	return &cp
}

func (b *Balance) snapshot() map[string]string {
	return map[string]string{
		"total":     b.Total.String(),
		"available": b.Available.String(),
		"locked":    b.Locked.String(),
	}
}

func zeroBalance(userID, currency string) *Balance {
	return &Balance{UserID: userID, Currency: currency}
}

// Change is the before/after pair produced by a store mutation.
type Change struct {
	Before *Balance
	After  *Balance
}

// Store persists balance records. Every mutation is a single conditional
// update: the guard and the write happen atomically.
type Store interface {
	Get(ctx context.Context, userID, currency string) (*Balance, error)
	ListByUser(ctx context.Context, userID string) ([]*Balance, error)

	Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Change, error)
	Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Change, error)
	Lock(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Change, error)
	Unlock(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Change, error)
	ReleaseLocked(ctx context.Context, fromUser, toUser, currency string, amount decimal.Decimal) (from, to *Change, err error)

	SumTotals(ctx context.Context, currency string) (decimal.Decimal, error)
	SumLocked(ctx context.Context, currency string) (decimal.Decimal, error)
	Currencies(ctx context.Context) ([]string, error)
	ListInconsistent(ctx context.Context, limit int) ([]*Balance, error)
}

// Auditor records audit entries.
type Auditor interface {
	Record(ctx context.Context, entry *audit.Entry) error
}

// Ref describes why a mutation happened. Action defaults per operation.
type Ref struct {
	Action      audit.Action
	Type        string
	ID          string
	Description string
}

// Ledger is the balance service.
type Ledger struct {
	store  Store
	audit  Auditor
	runner txn.Runner
	logger *slog.Logger
	frozen sync.Map // "user|currency" -> reason
}

// New creates a ledger.
func New(store Store, auditor Auditor, runner txn.Runner) *Ledger {
	return &Ledger{
		store:  store,
		audit:  auditor,
		runner: runner,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// Credit increases total and available, creating the record if absent.
func (l *Ledger) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal, ref Ref) (*Balance, error) {
	return l.mutate(ctx, mutation{
		op: "credit", action: audit.ActionCredit, user: userID, currency: currency, amount: amount, ref: ref,
		apply: func(ctx context.Context, cur string) ([]*Change, error) {
			ch, err := l.store.Credit(ctx, userID, cur, amount)
			return []*Change{ch}, err
		},
	})
}

// Debit decreases total and available. Fails with ErrInsufficientBalance.
func (l *Ledger) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal, ref Ref) (*Balance, error) {
	return l.mutate(ctx, mutation{
		op: "debit", action: audit.ActionDebit, user: userID, currency: currency, amount: amount, ref: ref,
		apply: func(ctx context.Context, cur string) ([]*Change, error) {
			ch, err := l.store.Debit(ctx, userID, cur, amount)
			return []*Change{ch}, err
		},
	})
}

// MoveToLocked moves available into locked. Fails with ErrInsufficientBalance.
func (l *Ledger) MoveToLocked(ctx context.Context, userID, currency string, amount decimal.Decimal, ref Ref) (*Balance, error) {
	return l.mutate(ctx, mutation{
		op: "lock", action: audit.ActionEscrowLock, user: userID, currency: currency, amount: amount, ref: ref,
		apply: func(ctx context.Context, cur string) ([]*Change, error) {
			ch, err := l.store.Lock(ctx, userID, cur, amount)
			return []*Change{ch}, err
		},
	})
}

// MoveToAvailable moves locked back into available. Fails with ErrInsufficientLocked.
func (l *Ledger) MoveToAvailable(ctx context.Context, userID, currency string, amount decimal.Decimal, ref Ref) (*Balance, error) {
	return l.mutate(ctx, mutation{
		op: "unlock", action: audit.ActionEscrowReturn, user: userID, currency: currency, amount: amount, ref: ref,
		apply: func(ctx context.Context, cur string) ([]*Change, error) {
			ch, err := l.store.Unlock(ctx, userID, cur, amount)
			return []*Change{ch}, err
		},
	})
}

// ReleaseLockedToOther removes amount from the source's locked balance and
// credits it to the destination's available balance. This is the only
// operation that moves value between two users.
func (l *Ledger) ReleaseLockedToOther(ctx context.Context, fromUser, toUser, currency string, amount decimal.Decimal, ref Ref) error {
	if strings.TrimSpace(toUser) == "" {
		return ErrInvalidAccount
	}
	if fromUser == toUser {
		return ErrSameAccount
	}
	_, err := l.mutate(ctx, mutation{
		op: "release", action: audit.ActionEscrowRelease, user: fromUser, counterparty: toUser,
		currency: currency, amount: amount, ref: ref,
		apply: func(ctx context.Context, cur string) ([]*Change, error) {
			from, to, err := l.store.ReleaseLocked(ctx, fromUser, toUser, cur, amount)
			return []*Change{from, to}, err
		},
	})
	return err
}

// Deposit is an external credit. Conservation counts it.
func (l *Ledger) Deposit(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) (*Balance, error) {
	return l.Credit(ctx, userID, currency, amount, Ref{Action: audit.ActionDeposit, Type: "deposit", ID: reference})
}

// Withdraw is an external debit. Conservation counts it.
func (l *Ledger) Withdraw(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) (*Balance, error) {
	return l.Debit(ctx, userID, currency, amount, Ref{Action: audit.ActionWithdrawal, Type: "withdrawal", ID: reference})
}

// GetBalance returns the record, or a zero record if none exists yet.
func (l *Ledger) GetBalance(ctx context.Context, userID, currency string) (*Balance, error) {
	currency = money.Code(currency)
	b, err := l.store.Get(ctx, userID, currency)
	if errors.Is(err, ErrBalanceNotFound) {
		return zeroBalance(userID, currency), nil
	}
	return b, err
}

// ListBalances returns every record for a user.
func (l *Ledger) ListBalances(ctx context.Context, userID string) ([]*Balance, error) {
	return l.store.ListByUser(ctx, userID)
}

// SumTotals returns the sum of totals across all users for a currency.
func (l *Ledger) SumTotals(ctx context.Context, currency string) (decimal.Decimal, error) {
	return l.store.SumTotals(ctx, money.Code(currency))
}

// SumLocked returns the sum of locked amounts across all users for a currency.
func (l *Ledger) SumLocked(ctx context.Context, currency string) (decimal.Decimal, error) {
	return l.store.SumLocked(ctx, money.Code(currency))
}

// Currencies lists every currency with at least one record.
func (l *Ledger) Currencies(ctx context.Context) ([]string, error) {
	return l.store.Currencies(ctx)
}

// Inconsistent lists records violating total == available + locked.
func (l *Ledger) Inconsistent(ctx context.Context, limit int) ([]*Balance, error) {
	return l.store.ListInconsistent(ctx, limit)
}

type mutation struct {
	op           string
	action       audit.Action
	user         string
	counterparty string
	currency     string
	amount       decimal.Decimal
	ref          Ref
	apply        func(ctx context.Context, currency string) ([]*Change, error)
}

func (l *Ledger) mutate(ctx context.Context, m mutation) (*Balance, error) {
	done := observeOp(m.op)
	defer done()

	currency := money.Code(m.currency)
	if strings.TrimSpace(m.user) == "" || currency == "" {
		return nil, ErrInvalidAccount
	}
	if !m.amount.IsPositive() || !money.Fits(currency, m.amount) {
		return nil, ErrInvalidAmount
	}
	for _, u := range []string{m.user, m.counterparty} {
		if u != "" && l.IsFrozen(u, currency) {
			ledgerFailures.WithLabelValues(m.op, "frozen").Inc()
			return nil, fmt.Errorf("%w: %s/%s", ErrFrozen, u, currency)
		}
	}

	action := m.action
	if m.ref.Action != "" {
		action = m.ref.Action
	}

	var (
		result  *Balance
		corrupt []*Balance
	)
	err := l.runner.Run(ctx, func(ctx context.Context) error {
		changes, err := m.apply(ctx, currency)
		if err != nil {
			return err
		}
		for _, ch := range changes {
			if err := ch.After.Check(); err != nil {
				corrupt = append(corrupt, ch.After)
				return err
			}
		}

		entry := &audit.Entry{
			Action:       action,
			UserID:       m.user,
			Counterparty: m.counterparty,
			Currency:     currency,
			Amount:       m.amount,
			RefType:      m.ref.Type,
			RefID:        m.ref.ID,
			Description:  m.ref.Description,
		}
		if len(changes) == 1 {
			entry.BeforeState = audit.Snapshot(changes[0].Before.snapshot())
			entry.AfterState = audit.Snapshot(changes[0].After.snapshot())
		} else {
			entry.BeforeState = audit.Snapshot(map[string]any{
				"from": changes[0].Before.snapshot(), "to": changes[1].Before.snapshot(),
			})
			entry.AfterState = audit.Snapshot(map[string]any{
				"from": changes[0].After.snapshot(), "to": changes[1].After.snapshot(),
			})
		}
		if err := l.audit.Record(ctx, entry); err != nil {
			return fmt.Errorf("record audit: %w", err)
		}
		result = changes[0].After
		return nil
	})
	if err != nil {
		for _, b := range corrupt {
			l.freeze(ctx, b.UserID, b.Currency, err.Error())
		}
		ledgerFailures.WithLabelValues(m.op, string(apperr.KindOf(err))).Inc()
		return nil, err
	}
	return result, nil
}

func frozenKey(userID, currency string) string {
	return userID + "|" + money.Code(currency)
}

// IsFrozen reports whether mutations on the record are halted.
func (l *Ledger) IsFrozen(userID, currency string) bool {
	_, ok := l.frozen.Load(frozenKey(userID, currency))
	return ok
}

// FrozenRecord identifies a halted balance record.
type FrozenRecord struct {
	UserID   string `json:"userId"`
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
}

// Frozen lists halted records.
func (l *Ledger) Frozen() []FrozenRecord {
	var out []FrozenRecord
	l.frozen.Range(func(k, v any) bool {
		parts := strings.SplitN(k.(string), "|", 2)
		out = append(out, FrozenRecord{UserID: parts[0], Currency: parts[1], Reason: v.(string)})
		return true
	})
	return out
}

// Freeze halts mutations on a record. Reconciliation calls this when it
// finds a record that violates the invariant.
func (l *Ledger) Freeze(ctx context.Context, userID, currency, reason string) {
	l.freeze(ctx, userID, currency, reason)
}

func (l *Ledger) freeze(ctx context.Context, userID, currency, reason string) {
	if _, loaded := l.frozen.LoadOrStore(frozenKey(userID, currency), reason); loaded {
		return
	}
	frozenRecords.Inc()
	l.logger.Error("ledger record frozen", "user", userID, "currency", currency, "reason", reason)
	// the freeze outlives the unit that found the corruption
	if err := l.audit.Record(txn.Detach(ctx), &audit.Entry{
		Action: audit.ActionLedgerFrozen, UserID: userID, Currency: money.Code(currency), Description: reason,
	}); err != nil {
		l.logger.Error("failed to audit ledger freeze", "user", userID, "error", err)
	}
}

// Unfreeze lifts a freeze after manual reconciliation. The record must
// satisfy its invariant again.
func (l *Ledger) Unfreeze(ctx context.Context, userID, currency string) error {
	key := frozenKey(userID, currency)
	if _, ok := l.frozen.Load(key); !ok {
		return ErrNotFrozen
	}
	b, err := l.store.Get(ctx, userID, money.Code(currency))
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return err
	}
	if b != nil {
		if err := b.Check(); err != nil {
			return err
		}
	}
	l.frozen.Delete(key)
	frozenRecords.Dec()
	l.logger.Warn("ledger record unfrozen", "user", userID, "currency", currency)
	return l.audit.Record(ctx, &audit.Entry{
		Action: audit.ActionLedgerUnfrozen, UserID: userID, Currency: money.Code(currency),
	})
}
