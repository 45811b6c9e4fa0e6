package merchant

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2pdesk/internal/trade"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func completedTrade(id string, paidToRelease time.Duration) *trade.Trade {
	return &trade.Trade{
		ID: id, BuyerID: "buyer", SellerID: "seller", Currency: "BTC",
		Amount: decimal.RequireFromString("0.1"), Status: trade.StatusCompleted,
		PaidAt: ptr(t0), CompletedAt: ptr(t0.Add(paidToRelease)),
	}
}

func newTestService() (*Service, *MemoryStore, *time.Time) {
	store := NewMemoryStore()
	clock := t0
	svc := NewService(store)
	svc.now = func() time.Time { return clock }
	return svc, store, &clock
}

func TestCalculate_NewMerchant(t *testing.T) {
	score, badge, comp := NewCalculator().Calculate(NewStats("u", t0), t0)
	assert.Equal(t, BadgeNew, badge)
	assert.Equal(t, 50.0, comp.CompletionScore)
	assert.Equal(t, 50.0, comp.SpeedScore)
	assert.Zero(t, comp.ActivityScore)
	assert.InDelta(t, 27.5, score, 0.01)
}

func TestCalculate_BadgeNeedsTrades(t *testing.T) {
	s := NewStats("u", t0.AddDate(-2, 0, 0))
	s.TotalTrades = 2
	s.CompletedTrades = 2
	score, badge, _ := NewCalculator().Calculate(s, t0)
	assert.GreaterOrEqual(t, score, 20.0)
	assert.Equal(t, BadgeNew, badge)
}

func TestCalculate_ExperiencedMerchant(t *testing.T) {
	s := NewStats("u", t0.AddDate(-1, 0, 0))
	s.TotalTrades = 500
	s.CompletedTrades = 495
	s.ReleaseSamples = 400
	s.TotalReleaseSeconds = 400 * 90

	score, badge, comp := NewCalculator().Calculate(s, t0)
	assert.Equal(t, BadgeElite, badge)
	assert.Greater(t, score, 80.0)
	assert.InDelta(t, 99.0, comp.CompletionScore, 0.01)
	assert.Greater(t, comp.SpeedScore, 99.0)
}

func TestCalculate_SlowReleaseScoresZeroSpeed(t *testing.T) {
	s := NewStats("u", t0)
	s.ReleaseSamples = 1
	s.TotalReleaseSeconds = 7200
	_, _, comp := NewCalculator().Calculate(s, t0)
	assert.Zero(t, comp.SpeedScore)
}

func TestBadgeThresholds(t *testing.T) {
	cases := []struct {
		score float64
		want  Badge
	}{
		{0, BadgeNew}, {19.9, BadgeNew}, {20, BadgeEmerging}, {40, BadgeEstablished},
		{60, BadgeTrusted}, {80, BadgeElite}, {100, BadgeElite},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, badgeFor(tc.score), "score %v", tc.score)
	}
}

func TestRecordTrade_Completed(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.RecordTrade(ctx, completedTrade("trd_1", 2*time.Minute)))
	require.NoError(t, svc.RecordTrade(ctx, completedTrade("trd_2", 4*time.Minute)))

	seller, err := svc.Get(ctx, "seller")
	require.NoError(t, err)
	assert.Equal(t, 2, seller.CompletedTrades)
	assert.Equal(t, 2, seller.ReleaseSamples)
	assert.Equal(t, 180.0, seller.AvgReleaseSeconds)
	assert.Equal(t, 1.0, seller.CompletionRate)
	assert.True(t, seller.Volume["BTC"].Equal(decimal.RequireFromString("0.2")))

	buyer, err := svc.Get(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, 2, buyer.CompletedTrades)
	assert.Zero(t, buyer.ReleaseSamples)
}

func TestRecordTrade_CancellationBlame(t *testing.T) {
	cases := []struct {
		name        string
		cancelledBy string
		buyer       int
		seller      int
	}{
		{"buyer cancels", "buyer", 1, 0},
		{"seller cancels", "seller", 0, 1},
		{"payment window lapsed", "system", 1, 0},
		{"dispute returned to seller", "admin_1", 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newTestService()
			ctx := context.Background()
			tr := &trade.Trade{
				ID: "trd_1", BuyerID: "buyer", SellerID: "seller", Currency: "BTC",
				Amount: decimal.RequireFromString("0.1"), Status: trade.StatusCancelled,
				CancelledBy: tc.cancelledBy,
			}
			require.NoError(t, svc.RecordTrade(ctx, tr))

			b, err := svc.Get(ctx, "buyer")
			require.NoError(t, err)
			s, err := svc.Get(ctx, "seller")
			require.NoError(t, err)
			assert.Equal(t, tc.buyer, b.CancelledTrades)
			assert.Equal(t, tc.seller, s.CancelledTrades)
			assert.Equal(t, 1, b.TotalTrades)
			assert.Equal(t, 1, s.TotalTrades)
		})
	}
}

func TestRecordTrade_DisputedReleaseNotSampled(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	tr := completedTrade("trd_1", 3*time.Hour)
	tr.DisputedAt = ptr(t0.Add(time.Hour))

	require.NoError(t, svc.RecordTrade(ctx, tr))
	s, err := svc.Get(ctx, "seller")
	require.NoError(t, err)
	assert.Equal(t, 1, s.DisputedTrades)
	assert.Zero(t, s.ReleaseSamples)
}

func TestRecordTrade_IgnoresOpenTrades(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	require.NoError(t, svc.RecordTrade(ctx, &trade.Trade{ID: "trd_1", BuyerID: "b", SellerID: "s", Status: trade.StatusPaid}))

	_, err := svc.Get(ctx, "s")
	assert.ErrorIs(t, err, ErrMerchantNotFound)
}

func TestRefresh_AgeRaisesScore(t *testing.T) {
	svc, _, clock := newTestService()
	ctx := context.Background()
	require.NoError(t, svc.RecordTrade(ctx, completedTrade("trd_1", time.Minute)))

	before, err := svc.Get(ctx, "seller")
	require.NoError(t, err)

	n, err := svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	*clock = t0.AddDate(0, 6, 0)
	n, err = svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	after, err := svc.Get(ctx, "seller")
	require.NoError(t, err)
	assert.Greater(t, after.Score, before.Score)
}

func TestLeaderboard(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	for i, score := range []float64{10, 70, 40} {
		s := NewStats(string(rune('a'+i)), t0)
		s.Score = score
		require.NoError(t, store.Upsert(ctx, s))
	}

	top, err := svc.Leaderboard(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].UserID)
	assert.Equal(t, "c", top[1].UserID)
}

func TestWorker_Refreshes(t *testing.T) {
	svc, _, clock := newTestService()
	ctx := context.Background()
	require.NoError(t, svc.RecordTrade(ctx, completedTrade("trd_1", time.Minute)))
	before, err := svc.Get(ctx, "seller")
	require.NoError(t, err)
	*clock = t0.AddDate(1, 0, 0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	w := NewWorker(svc, time.Hour, logger)
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		w.Start(wctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		s, err := svc.Get(ctx, "seller")
		return err == nil && s.Score > before.Score
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	cancel()
	<-done
}

func TestHandler_Get(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _, _ := newTestService()
	require.NoError(t, svc.RecordTrade(context.Background(), completedTrade("trd_1", time.Minute)))

	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/merchants/seller", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"completedTrades":1`)
	assert.Contains(t, w.Body.String(), `"avgReleaseSeconds":60`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/merchants/nobody", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/merchants", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
}
