package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/txn"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger() (*Ledger, *MemoryStore, *audit.MemoryStore) {
	store := NewMemoryStore()
	auditStore := audit.NewMemoryStore()
	l := New(store, audit.NewRecorder(auditStore), txn.NewMemoryRunner())
	return l, store, auditStore
}

func assertBalance(t *testing.T, l *Ledger, user, currency, total, available, locked string) {
	t.Helper()
	b, err := l.GetBalance(context.Background(), user, currency)
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(d(total)), "total: got %s want %s", b.Total, total)
	assert.True(t, b.Available.Equal(d(available)), "available: got %s want %s", b.Available, available)
	assert.True(t, b.Locked.Equal(d(locked)), "locked: got %s want %s", b.Locked, locked)
}

func TestCredit_CreatesRecordLazily(t *testing.T) {
	l, _, auditStore := newTestLedger()
	ctx := context.Background()

	assertBalance(t, l, "alice", "BTC", "0", "0", "0")

	_, err := l.Credit(ctx, "alice", "btc", d("1.5"), Ref{})
	require.NoError(t, err)
	assertBalance(t, l, "alice", "BTC", "1.5", "1.5", "0")

	entries := auditStore.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionCredit, entries[0].Action)
	assert.Equal(t, "BTC", entries[0].Currency)
	assert.JSONEq(t, `{"total":"0","available":"0","locked":"0"}`, entries[0].BeforeState)
	assert.JSONEq(t, `{"total":"1.5","available":"1.5","locked":"0"}`, entries[0].AfterState)
}

func TestCredit_RejectsInvalidAmounts(t *testing.T) {
	l, _, auditStore := newTestLedger()
	ctx := context.Background()

	for _, amt := range []string{"0", "-1", "0.000000001"} {
		_, err := l.Credit(ctx, "alice", "BTC", d(amt), Ref{})
		assert.ErrorIs(t, err, ErrInvalidAmount, amt)
	}
	_, err := l.Credit(ctx, "", "BTC", d("1"), Ref{})
	assert.ErrorIs(t, err, ErrInvalidAccount)
	assert.Empty(t, auditStore.Entries())
}

func TestDebit(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	_, _ = l.Credit(ctx, "alice", "BTC", d("1"), Ref{})

	_, err := l.Debit(ctx, "alice", "BTC", d("1.1"), Ref{})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, apperr.InsufficientBalance, apperr.KindOf(err))

	_, err = l.Debit(ctx, "alice", "BTC", d("0.4"), Ref{})
	require.NoError(t, err)
	assertBalance(t, l, "alice", "BTC", "0.6", "0.6", "0")

	_, err = l.Debit(ctx, "nobody", "BTC", d("0.1"), Ref{})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestMoveToLockedAndBack(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	_, _ = l.Credit(ctx, "seller", "BTC", d("1"), Ref{})

	_, err := l.MoveToLocked(ctx, "seller", "BTC", d("0.1"), Ref{Type: "trade", ID: "trd_1"})
	require.NoError(t, err)
	assertBalance(t, l, "seller", "BTC", "1", "0.9", "0.1")

	_, err = l.MoveToLocked(ctx, "seller", "BTC", d("0.95"), Ref{})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = l.MoveToAvailable(ctx, "seller", "BTC", d("0.2"), Ref{})
	assert.ErrorIs(t, err, ErrInsufficientLocked)

	_, err = l.MoveToAvailable(ctx, "seller", "BTC", d("0.1"), Ref{})
	require.NoError(t, err)
	assertBalance(t, l, "seller", "BTC", "1", "1", "0")
}

func TestReleaseLockedToOther(t *testing.T) {
	l, _, auditStore := newTestLedger()
	ctx := context.Background()
	_, _ = l.Credit(ctx, "seller", "BTC", d("1"), Ref{})
	_, _ = l.MoveToLocked(ctx, "seller", "BTC", d("0.1"), Ref{})

	err := l.ReleaseLockedToOther(ctx, "seller", "buyer", "BTC", d("0.1"), Ref{Type: "trade", ID: "trd_1"})
	require.NoError(t, err)
	assertBalance(t, l, "seller", "BTC", "0.9", "0.9", "0")
	assertBalance(t, l, "buyer", "BTC", "0.1", "0.1", "0")

	err = l.ReleaseLockedToOther(ctx, "seller", "buyer", "BTC", d("0.1"), Ref{})
	assert.ErrorIs(t, err, ErrInsufficientLocked)

	assert.ErrorIs(t, l.ReleaseLockedToOther(ctx, "seller", "seller", "BTC", d("0.1"), Ref{}), ErrSameAccount)

	entries := auditStore.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, audit.ActionEscrowRelease, last.Action)
	assert.Equal(t, "seller", last.UserID)
	assert.Equal(t, "buyer", last.Counterparty)
	assert.Equal(t, "trd_1", last.RefID)
	assert.Contains(t, last.AfterState, `"from"`)
}

func TestRefActionOverridesDefault(t *testing.T) {
	l, _, auditStore := newTestLedger()
	ctx := context.Background()

	_, err := l.Deposit(ctx, "alice", "USDT", d("100"), "dep_1")
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, "alice", "USDT", d("30"), "wd_1")
	require.NoError(t, err)

	entries := auditStore.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionDeposit, entries[0].Action)
	assert.Equal(t, audit.ActionWithdrawal, entries[1].Action)
}

func TestFailedAuditRollsBackMutation(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, failingAuditor{}, txn.NewMemoryRunner())

	_, err := l.Credit(context.Background(), "alice", "BTC", d("1"), Ref{})
	require.Error(t, err)

	_, err = store.Get(context.Background(), "alice", "BTC")
	assert.ErrorIs(t, err, ErrBalanceNotFound, "credit must roll back when the audit write fails")
}

type failingAuditor struct{}

func (failingAuditor) Record(context.Context, *audit.Entry) error { return errors.New("audit down") }

func TestCorruptionFreezesRecord(t *testing.T) {
	l, store, auditStore := newTestLedger()
	ctx := context.Background()

	store.Put(&Balance{UserID: "mallory", Currency: "BTC", Total: d("5"), Available: d("1"), Locked: d("1")})

	_, err := l.Debit(ctx, "mallory", "BTC", d("0.5"), Ref{})
	assert.ErrorIs(t, err, ErrLedgerCorruption)
	assert.True(t, l.IsFrozen("mallory", "BTC"))

	// The failed debit must not have been applied.
	b, _ := store.Get(ctx, "mallory", "BTC")
	assert.True(t, b.Available.Equal(d("1")))

	_, err = l.Credit(ctx, "mallory", "BTC", d("1"), Ref{})
	assert.ErrorIs(t, err, ErrFrozen)
	assert.Equal(t, apperr.LedgerCorruption, apperr.KindOf(err))

	// Unfreeze refuses while the record is still broken.
	assert.ErrorIs(t, l.Unfreeze(ctx, "mallory", "BTC"), ErrLedgerCorruption)

	store.Put(&Balance{UserID: "mallory", Currency: "BTC", Total: d("2"), Available: d("1"), Locked: d("1")})
	require.NoError(t, l.Unfreeze(ctx, "mallory", "BTC"))
	assert.False(t, l.IsFrozen("mallory", "BTC"))
	assert.ErrorIs(t, l.Unfreeze(ctx, "mallory", "BTC"), ErrNotFrozen)

	_, err = l.Credit(ctx, "mallory", "BTC", d("1"), Ref{})
	require.NoError(t, err)

	var actions []audit.Action
	for _, e := range auditStore.Entries() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []audit.Action{audit.ActionLedgerFrozen, audit.ActionLedgerUnfrozen, audit.ActionCredit}, actions)
}

func TestCorruptionInsideUnitKeepsFreezeEntry(t *testing.T) {
	l, store, auditStore := newTestLedger()
	runner := txn.NewMemoryRunner()
	l.runner = runner
	ctx := context.Background()

	store.Put(&Balance{UserID: "mallory", Currency: "BTC", Total: d("5"), Available: d("1"), Locked: d("0")})

	err := runner.Run(ctx, func(ctx context.Context) error {
		_, err := l.MoveToLocked(ctx, "mallory", "BTC", d("0.5"), Ref{})
		return err
	})
	assert.ErrorIs(t, err, ErrLedgerCorruption)
	assert.True(t, l.IsFrozen("mallory", "BTC"))

	entries := auditStore.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionLedgerFrozen, entries[0].Action)
	assert.Equal(t, "mallory", entries[0].UserID)
}

func TestFrozenCounterpartyBlocksRelease(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	_, _ = l.Credit(ctx, "seller", "BTC", d("1"), Ref{})
	_, _ = l.MoveToLocked(ctx, "seller", "BTC", d("1"), Ref{})

	l.Freeze(ctx, "buyer", "BTC", "manual hold")
	err := l.ReleaseLockedToOther(ctx, "seller", "buyer", "BTC", d("1"), Ref{})
	assert.ErrorIs(t, err, ErrFrozen)
	assertBalance(t, l, "seller", "BTC", "1", "0", "1")
	require.Len(t, l.Frozen(), 1)
	assert.Equal(t, "manual hold", l.Frozen()[0].Reason)
}

func TestOperationsInsideAbortedUnit(t *testing.T) {
	l, _, auditStore := newTestLedger()
	runner := txn.NewMemoryRunner()
	l.runner = runner
	ctx := context.Background()
	_, _ = l.Credit(ctx, "seller", "BTC", d("1"), Ref{})
	_, _ = l.MoveToLocked(ctx, "seller", "BTC", d("0.5"), Ref{})

	err := runner.Run(ctx, func(ctx context.Context) error {
		if err := l.ReleaseLockedToOther(ctx, "seller", "buyer", "BTC", d("0.5"), Ref{}); err != nil {
			return err
		}
		if _, err := l.Credit(ctx, "platform", "BTC", d("0.01"), Ref{}); err != nil {
			return err
		}
		return errors.New("fee distribution failed")
	})
	require.Error(t, err)

	assertBalance(t, l, "seller", "BTC", "1", "0.5", "0.5")
	assertBalance(t, l, "buyer", "BTC", "0", "0", "0")
	assertBalance(t, l, "platform", "BTC", "0", "0", "0")
	assert.Len(t, auditStore.Entries(), 2, "only the committed credit and lock are audited")
}

// Random sequences of internal operations never change the currency total,
// never break total == available + locked and write one audit entry per
// successful mutation.
func TestConservationAndInvariantUnderRandomOps(t *testing.T) {
	l, store, auditStore := newTestLedger()
	ctx := context.Background()
	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		_, err := l.Deposit(ctx, u, "BTC", d("10"), "seed")
		require.NoError(t, err)
	}
	expectedTotal := d("40")
	rng := rand.New(rand.NewSource(42))
	succeeded := len(users)

	for i := 0; i < 500; i++ {
		u := users[rng.Intn(len(users))]
		v := users[rng.Intn(len(users))]
		amt := decimal.New(int64(rng.Intn(300)+1), -2)
		var err error
		switch rng.Intn(3) {
		case 0:
			_, err = l.MoveToLocked(ctx, u, "BTC", amt, Ref{})
		case 1:
			_, err = l.MoveToAvailable(ctx, u, "BTC", amt, Ref{})
		case 2:
			if u == v {
				continue
			}
			err = l.ReleaseLockedToOther(ctx, u, v, "BTC", amt, Ref{})
		}
		if err == nil {
			succeeded++
		} else {
			k := apperr.KindOf(err)
			require.True(t, k == apperr.InsufficientBalance || k == apperr.InsufficientLocked, "unexpected error %v", err)
		}

		total, err := l.SumTotals(ctx, "BTC")
		require.NoError(t, err)
		require.True(t, total.Equal(expectedTotal), "conservation broken at step %d: %s", i, total)
	}

	bad, err := store.ListInconsistent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, bad)
	assert.Len(t, auditStore.Entries(), succeeded)
}

func TestConcurrentLocksNeverOverdraw(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	_, _ = l.Credit(ctx, "seller", "BTC", d("1"), Ref{})

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.MoveToLocked(ctx, "seller", "BTC", d("0.1"), Ref{}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assertBalance(t, l, "seller", "BTC", "1", "0", "1")
}

func TestListBalancesAndCurrencies(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	_, _ = l.Credit(ctx, "alice", "USDT", d("5"), Ref{})
	_, _ = l.Credit(ctx, "alice", "BTC", d("1"), Ref{})
	_, _ = l.Credit(ctx, "bob", "ETH", d("2"), Ref{})

	bals, err := l.ListBalances(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, bals, 2)
	assert.Equal(t, "BTC", bals[0].Currency)

	cur, err := l.Currencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH", "USDT"}, cur)
}
