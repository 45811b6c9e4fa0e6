//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/testutil"
	"github.com/mbd888/p2pdesk/internal/txn"
)

func newPGLedger(t *testing.T) (*Ledger, *PostgresStore, *audit.PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	auditStore := audit.NewPostgresStore(db)
	l := New(store, audit.NewRecorder(auditStore), txn.NewSQLRunner(db))
	return l, store, auditStore, cleanup
}

func TestPostgres_CreditDebitLock(t *testing.T) {
	l, store, _, cleanup := newPGLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, err := l.Credit(ctx, "seller", "BTC", d("1.5"), Ref{})
	require.NoError(t, err)
	_, err = l.MoveToLocked(ctx, "seller", "BTC", d("0.5"), Ref{})
	require.NoError(t, err)
	_, err = l.Debit(ctx, "seller", "BTC", d("1.1"), Ref{})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	b, err := store.Get(ctx, "seller", "BTC")
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(d("1.5")))
	assert.True(t, b.Available.Equal(d("1")))
	assert.True(t, b.Locked.Equal(d("0.5")))
}

func TestPostgres_ReleaseLocked(t *testing.T) {
	l, _, auditStore, cleanup := newPGLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, _ = l.Credit(ctx, "seller", "ETH", d("2"), Ref{})
	_, _ = l.MoveToLocked(ctx, "seller", "ETH", d("2"), Ref{})
	require.NoError(t, l.ReleaseLockedToOther(ctx, "seller", "buyer", "ETH", d("2"), Ref{Type: "trade", ID: "trd_pg"}))

	assert.ErrorIs(t, l.ReleaseLockedToOther(ctx, "seller", "buyer", "ETH", d("0.1"), Ref{}), ErrInsufficientLocked)

	total, err := l.SumTotals(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, total.Equal(d("2")))

	entries, err := auditStore.Query(ctx, audit.Filter{UserID: "buyer"}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionEscrowRelease, entries[0].Action)
}

func TestPostgres_AbortedUnitRollsBack(t *testing.T) {
	l, store, _, cleanup := newPGLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, _ = l.Credit(ctx, "seller", "BTC", d("1"), Ref{})
	_, _ = l.MoveToLocked(ctx, "seller", "BTC", d("1"), Ref{})

	err := l.runner.Run(ctx, func(ctx context.Context) error {
		if err := l.ReleaseLockedToOther(ctx, "seller", "buyer", "BTC", d("1"), Ref{}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	b, err := store.Get(ctx, "seller", "BTC")
	require.NoError(t, err)
	assert.True(t, b.Locked.Equal(d("1")))
	_, err = store.Get(ctx, "buyer", "BTC")
	assert.ErrorIs(t, err, ErrBalanceNotFound)
}

func TestPostgres_ConcurrentLocks(t *testing.T) {
	l, store, _, cleanup := newPGLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, _ = l.Credit(ctx, "seller", "USDT", d("100"), Ref{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.MoveToLocked(ctx, "seller", "USDT", d("10"), Ref{})
		}()
	}
	wg.Wait()

	b, err := store.Get(ctx, "seller", "USDT")
	require.NoError(t, err)
	assert.True(t, b.Available.GreaterThanOrEqual(d("0")))
	assert.True(t, b.Total.Equal(b.Available.Add(b.Locked)))
	assert.True(t, b.Total.Equal(d("100")))

	bad, err := store.ListInconsistent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, bad)
}
