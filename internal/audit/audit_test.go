package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2pdesk/internal/txn"
)

func newTestRecorder() (*Recorder, *MemoryStore) {
	store := NewMemoryStore()
	r := NewRecorder(store)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	r.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return r, store
}

func TestRecord_StampsActorAndCorrelation(t *testing.T) {
	r, store := newTestRecorder()
	ctx := WithActor(context.Background(), ActorAdmin, "admin_1")
	ctx = WithCorrelationID(ctx, "trd_1")
	ctx = WithRequestID(ctx, "req-9")

	require.NoError(t, r.Record(ctx, &Entry{Action: ActionDisputeResolved, UserID: "alice"}))

	entries := store.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, ActorAdmin, e.ActorType)
	assert.Equal(t, "admin_1", e.ActorID)
	assert.Equal(t, "trd_1", e.CorrelationID)
	assert.Equal(t, "req-9", e.RequestID)
	assert.EqualValues(t, 1, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestRecord_DefaultsToSystemActor(t *testing.T) {
	r, store := newTestRecorder()
	require.NoError(t, r.Record(context.Background(), &Entry{Action: ActionTradeCancelled, UserID: "bob"}))
	assert.Equal(t, ActorSystem, store.Entries()[0].ActorType)
}

func TestRecord_InsideAbortedUnitLeavesNoEntry(t *testing.T) {
	r, store := newTestRecorder()
	runner := txn.NewMemoryRunner()

	err := runner.Run(context.Background(), func(ctx context.Context) error {
		require.NoError(t, r.Record(ctx, &Entry{Action: ActionEscrowRelease, UserID: "seller"}))
		return errors.New("fee step failed")
	})
	require.Error(t, err)
	assert.Empty(t, store.Entries())

	err = runner.Run(context.Background(), func(ctx context.Context) error {
		return r.Record(ctx, &Entry{Action: ActionEscrowRelease, UserID: "seller"})
	})
	require.NoError(t, err)
	assert.Len(t, store.Entries(), 1)
}

func TestQuery_FiltersAndPaginates(t *testing.T) {
	r, _ := newTestRecorder()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Record(ctx, &Entry{Action: ActionCredit, UserID: "alice", Currency: "BTC", Amount: decimal.NewFromInt(1)}))
	}
	require.NoError(t, r.Record(ctx, &Entry{Action: ActionDebit, UserID: "alice"}))
	require.NoError(t, r.Record(ctx, &Entry{Action: ActionCredit, UserID: "bob"}))
	require.NoError(t, r.Record(ctx, &Entry{Action: ActionEscrowRelease, UserID: "carol", Counterparty: "alice"}))

	page, err := r.Query(ctx, Filter{UserID: "alice", Action: ActionCredit, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.True(t, page.HasMore)
	assert.True(t, page.Entries[0].CreatedAt.After(page.Entries[1].CreatedAt), "newest first")

	seen := len(page.Entries)
	cursor := page.NextCursor
	for cursor != "" {
		page, err = r.Query(ctx, Filter{UserID: "alice", Action: ActionCredit, Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		seen += len(page.Entries)
		cursor = page.NextCursor
	}
	assert.Equal(t, 5, seen)

	// Counterparty matches the user filter too.
	page, err = r.Query(ctx, Filter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 7)
}

func TestQuery_TimeRange(t *testing.T) {
	r, _ := newTestRecorder()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Record(ctx, &Entry{Action: ActionCredit, UserID: "alice"}))
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	page, err := r.Query(ctx, Filter{From: base.Add(2 * time.Second), To: base.Add(3 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)

	_, err = r.Query(ctx, Filter{From: base.Add(time.Hour), To: base})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = r.Query(ctx, Filter{Cursor: "not-base64!!"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestExternalNet(t *testing.T) {
	r, _ := newTestRecorder()
	ctx := context.Background()
	require.NoError(t, r.Record(ctx, &Entry{Action: ActionDeposit, UserID: "a", Currency: "BTC", Amount: decimal.RequireFromString("1.5")}))
	require.NoError(t, r.Record(ctx, &Entry{Action: ActionDeposit, UserID: "b", Currency: "BTC", Amount: decimal.RequireFromString("0.5")}))
	require.NoError(t, r.Record(ctx, &Entry{Action: ActionWithdrawal, UserID: "a", Currency: "BTC", Amount: decimal.RequireFromString("0.25")}))
	require.NoError(t, r.Record(ctx, &Entry{Action: ActionFeeWithheld, UserID: "platform", Currency: "BTC", Amount: decimal.RequireFromString("0.1")}))
	require.NoError(t, r.Record(ctx, &Entry{Action: ActionDeposit, UserID: "a", Currency: "ETH", Amount: decimal.NewFromInt(3)}))

	net, err := r.ExternalNet(ctx, "btc")
	require.NoError(t, err)
	assert.True(t, net.Equal(decimal.RequireFromString("1.85")), "got %s", net)
}

func TestActionIsBalanceMutation(t *testing.T) {
	assert.True(t, ActionEscrowLock.IsBalanceMutation())
	assert.True(t, ActionCommissionCredit.IsBalanceMutation())
	assert.False(t, ActionTradePaid.IsBalanceMutation())
	assert.False(t, ActionDisputeResolved.IsBalanceMutation())
}

func TestHandler_Query(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r, _ := newTestRecorder()
	require.NoError(t, r.Record(context.Background(), &Entry{Action: ActionCredit, UserID: "alice"}))

	router := gin.New()
	NewHandler(r).RegisterAdminRoutes(router.Group("/v1/admin"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/audit?user=alice", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var page Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Entries, 1)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/audit?from=yesterday", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
