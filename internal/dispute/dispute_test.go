package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/escrow"
	"github.com/mbd888/p2pdesk/internal/fees"
	"github.com/mbd888/p2pdesk/internal/ledger"
	"github.com/mbd888/p2pdesk/internal/referral"
	"github.com/mbd888/p2pdesk/internal/trade"
	"github.com/mbd888/p2pdesk/internal/txn"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type failingResolveStore struct {
	*MemoryStore
}

func (f failingResolveStore) Resolve(context.Context, string, Outcome, string, string, time.Time) error {
	return errors.New("disk full")
}

type fixture struct {
	svc    *Service
	trades *trade.Service
	ledger *ledger.Ledger
	escrow *escrow.Controller
	audit  *audit.MemoryStore
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	runner := txn.NewMemoryRunner()
	auditStore := audit.NewMemoryStore()
	recorder := audit.NewRecorder(auditStore)
	l := ledger.New(ledger.NewMemoryStore(), recorder, runner)
	esc := escrow.NewController(escrow.NewMemoryStore(), l, runner)
	dist := fees.NewDistributor(fees.NewMemoryStore(), l,
		referral.NewService(referral.NewMemoryStore()), recorder, runner, "platform")

	svc := NewService(store, recorder, runner)
	trades := trade.NewService(trade.NewMemoryStore(), esc, dist, recorder, runner).
		WithFeeRates(d("0.01"), decimal.Zero).
		WithDisputes(svc)
	svc.WithSettler(trades)

	_, err := l.Deposit(context.Background(), "seller", "BTC", d("1"), "seed")
	require.NoError(t, err)
	return &fixture{svc: svc, trades: trades, ledger: l, escrow: esc, audit: auditStore}
}

// disputedTrade walks a 0.1 BTC trade to paid and has the buyer dispute it.
func (f *fixture) disputedTrade(t *testing.T) (*trade.Trade, string) {
	t.Helper()
	ctx := context.Background()
	o, err := f.trades.CreateOffer(ctx, "seller", trade.OfferParams{
		Currency: "BTC", FiatCurrency: "EUR", Price: d("40000"),
		Amount: d("0.5"), MinAmount: d("0.01"), MaxAmount: d("0.5"),
		PaymentMethods: []string{"sepa"},
	})
	require.NoError(t, err)
	tr, err := f.trades.CreateTrade(ctx, "buyer", trade.TradeRequest{
		OfferID: o.ID, Amount: d("0.1"), PaymentMethod: "sepa",
	})
	require.NoError(t, err)
	_, err = f.trades.MarkAsPaid(ctx, tr.ID, "buyer")
	require.NoError(t, err)
	tr, disputeID, err := f.trades.OpenDispute(ctx, tr.ID, "buyer", "seller never confirmed")
	require.NoError(t, err)
	require.Equal(t, trade.StatusDispute, tr.Status)
	return tr, disputeID
}

func (f *fixture) assertBalance(t *testing.T, user, available, locked string) {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), user, "BTC")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d(available)), "%s available: got %s want %s", user, b.Available, available)
	assert.True(t, b.Locked.Equal(d(locked)), "%s locked: got %s want %s", user, b.Locked, locked)
}

func TestParseOutcome(t *testing.T) {
	o, err := ParseOutcome(" Release_To_Buyer ")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleaseToBuyer, o)

	_, err = ParseOutcome("split")
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestOpen_RequiresReason(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	_, err := f.svc.Open(context.Background(), "trd_1", "buyer", "  ")
	assert.ErrorIs(t, err, ErrReasonRequired)
}

func TestOpen_RejectsSecondOpenDispute(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()

	id, err := f.svc.Open(ctx, "trd_1", "buyer", "late")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = f.svc.Open(ctx, "trd_1", "seller", "also late")
	assert.ErrorIs(t, err, ErrDisputeExists)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestResolve_ReturnToSeller(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	tr, disputeID := f.disputedTrade(t)
	f.assertBalance(t, "seller", "0.9", "0.1")

	resolved, err := f.svc.Resolve(ctx, disputeID, "admin_1", OutcomeReturnToSeller, "no payment evidence")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, "admin_1", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	f.assertBalance(t, "seller", "1", "0")
	f.assertBalance(t, "buyer", "0", "0")

	got, err := f.trades.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusCancelled, got.Status)
	assert.Equal(t, "admin_1", got.CancelledBy)
	assert.False(t, got.EscrowLocked)

	o, err := f.trades.GetOffer(ctx, tr.OfferID)
	require.NoError(t, err)
	assert.True(t, o.Remaining.Equal(d("0.5")))

	stored, err := f.svc.Get(ctx, disputeID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReturnToSeller, stored.Outcome)
	assert.Equal(t, "no payment evidence", stored.ResolutionNote)
}

func TestResolve_ReleaseToBuyer(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	tr, disputeID := f.disputedTrade(t)

	_, err := f.svc.Resolve(ctx, disputeID, "admin_1", OutcomeReleaseToBuyer, "bank statement checks out")
	require.NoError(t, err)

	// No fee on an admin release.
	f.assertBalance(t, "buyer", "0.1", "0")
	f.assertBalance(t, "seller", "0.9", "0")

	got, err := f.trades.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusCompleted, got.Status)

	total, err := f.ledger.SumTotals(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, total.Equal(d("1")))
}

func TestResolve_Twice(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	_, disputeID := f.disputedTrade(t)

	_, err := f.svc.Resolve(ctx, disputeID, "admin_1", OutcomeReturnToSeller, "")
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, disputeID, "admin_2", OutcomeReleaseToBuyer, "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	f.assertBalance(t, "buyer", "0", "0")
}

func TestResolve_Errors(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()

	_, err := f.svc.Resolve(ctx, "dsp_missing", "admin_1", OutcomeReturnToSeller, "")
	assert.ErrorIs(t, err, ErrDisputeNotFound)

	_, err = f.svc.Resolve(ctx, "dsp_missing", "admin_1", Outcome("coin_flip"), "")
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	unwired := NewService(NewMemoryStore(), audit.NewRecorder(audit.NewMemoryStore()), txn.NewMemoryRunner())
	_, err = unwired.Resolve(ctx, "dsp_1", "admin_1", OutcomeReturnToSeller, "")
	assert.ErrorIs(t, err, ErrNoSettler)
}

func TestResolve_StoreFailureRollsBackSettlement(t *testing.T) {
	f := newFixture(t, failingResolveStore{NewMemoryStore()})
	ctx := context.Background()
	tr, disputeID := f.disputedTrade(t)

	_, err := f.svc.Resolve(ctx, disputeID, "admin_1", OutcomeReleaseToBuyer, "")
	require.Error(t, err)

	f.assertBalance(t, "buyer", "0", "0")
	f.assertBalance(t, "seller", "0.9", "0.1")

	got, err := f.trades.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusDispute, got.Status)

	hold, err := f.escrow.ActiveHold(ctx, trade.RefType, tr.ID)
	require.NoError(t, err)
	assert.True(t, hold.Amount.Equal(d("0.1")))
}

func TestResolve_AuditTrail(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	_, disputeID := f.disputedTrade(t)

	_, err := f.svc.Resolve(context.Background(), disputeID, "admin_1", OutcomeReturnToSeller, "refund")
	require.NoError(t, err)

	var found bool
	for _, e := range f.audit.Entries() {
		if e.Action != audit.ActionDisputeResolved {
			continue
		}
		found = true
		assert.Equal(t, audit.ActorAdmin, e.ActorType)
		assert.Equal(t, "admin_1", e.ActorID)
		assert.Equal(t, disputeID, e.RefID)
		assert.Contains(t, e.AfterState, string(OutcomeReturnToSeller))
	}
	assert.True(t, found, "dispute_resolved entry missing")
}

// Every entry written from trade creation through dispute resolution
// carries the trade ID as its correlation ID.
func TestResolve_EntriesShareTradeCorrelation(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	tr, disputeID := f.disputedTrade(t)

	_, err := f.svc.Resolve(context.Background(), disputeID, "admin_1", OutcomeReleaseToBuyer, "paid")
	require.NoError(t, err)

	var actions []audit.Action
	for _, e := range f.audit.Entries() {
		if e.CorrelationID == tr.ID {
			actions = append(actions, e.Action)
		}
	}
	assert.Equal(t, []audit.Action{
		audit.ActionEscrowLock,
		audit.ActionTradeCreated,
		audit.ActionTradePaid,
		audit.ActionTradeDisputed,
		audit.ActionEscrowRelease,
		audit.ActionDisputeResolved,
		audit.ActionTradeCompleted,
	}, actions)
}

func TestList(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	tr, disputeID := f.disputedTrade(t)
	_, err := f.svc.Open(ctx, "trd_other", "seller", "buyer went silent")
	require.NoError(t, err)

	open, err := f.svc.List(ctx, StatusOpen, 0)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	_, err = f.svc.Resolve(ctx, disputeID, "admin_1", OutcomeReturnToSeller, "")
	require.NoError(t, err)

	open, err = f.svc.List(ctx, StatusOpen, 0)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	all, err := f.svc.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byTrade, err := f.svc.ListByTrade(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, byTrade, 1)
	assert.Equal(t, StatusResolved, byTrade[0].Status)
}
