//go:build integration

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2pdesk/internal/testutil"
)

func TestPostgresStore_HoldLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	h := &Hold{
		ID: "esc_pg1", UserID: "seller", Currency: "BTC", Amount: d("0.12345678"),
		RefType: "trade", RefID: "trd_pg1", Status: StatusLocked, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(ctx, h))

	got, err := store.GetActiveByRef(ctx, "trade", "trd_pg1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(h.Amount))

	sum, err := store.SumActive(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, sum.Equal(h.Amount))

	require.NoError(t, store.Resolve(ctx, h.ID, StatusReleased, "buyer", time.Now().UTC()))
	assert.ErrorIs(t, store.Resolve(ctx, h.ID, StatusReturned, "", time.Now().UTC()), ErrAlreadyResolved)
	assert.ErrorIs(t, store.Resolve(ctx, "esc_none", StatusReturned, "", time.Now().UTC()), ErrEscrowNotFound)

	_, err = store.GetActiveByRef(ctx, "trade", "trd_pg1")
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	holds, err := store.ListByUser(ctx, "buyer", 10)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, StatusReleased, holds[0].Status)
	assert.NotNil(t, holds[0].ResolvedAt)
}
