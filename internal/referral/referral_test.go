package referral

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/circuitbreaker"
)

func TestLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	require.NoError(t, svc.Register(ctx, "buyer", "ref"))
	require.NoError(t, svc.SetTier(ctx, "ref", TierGolden))

	info, err := svc.Lookup(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, "ref", info.ReferrerID)
	assert.Equal(t, TierGolden, info.Tier)

	// The referrer has a record but no referrer of its own.
	info, err = svc.Lookup(ctx, "ref")
	require.NoError(t, err)
	assert.Empty(t, info.ReferrerID)

	_, err = svc.Lookup(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRegister_Rules(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	assert.ErrorIs(t, svc.Register(ctx, "a", "a"), ErrSelfReferral)
	require.NoError(t, svc.Register(ctx, "a", "b"))
	assert.ErrorIs(t, svc.Register(ctx, "a", "c"), ErrAlreadyReferred)
	assert.ErrorIs(t, svc.Register(ctx, "b", "a"), ErrReferralCycle)
	assert.ErrorIs(t, svc.SetTier(ctx, "a", Tier("platinum")), ErrInvalidTier)
}

type flakyStore struct {
	*MemoryStore
	calls atomic.Int32
	slow  time.Duration
}

func (f *flakyStore) GetReferrer(ctx context.Context, userID string) (string, error) {
	f.calls.Add(1)
	if f.slow > 0 {
		select {
		case <-time.After(f.slow):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", errors.New("connection refused")
}

func TestLookup_FailuresSurfaceAsUnavailableAndTripBreaker(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	svc := NewService(store).WithBreaker(circuitbreaker.New(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := svc.Lookup(ctx, "buyer")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, apperr.ExternalServiceFailure, apperr.KindOf(err))
	}

	// Open circuit: the store is not called again.
	_, err := svc.Lookup(ctx, "buyer")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestLookup_Timeout(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), slow: time.Second}
	svc := NewService(store).WithTimeout(10 * time.Millisecond)

	start := time.Now()
	_, err := svc.Lookup(context.Background(), "buyer")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestHandler_RegisterAndTier(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(NewMemoryStore())
	h := NewHandler(svc)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) { c.Set("userID", c.GetHeader("X-User-ID")); c.Next() })
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))

	do := func(method, path, user, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusCreated, do(http.MethodPost, "/v1/referrals", "buyer", `{"referrerId":"ref"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/v1/referrals", "buyer", `{"referrerId":"bad id"}`).Code)
	assert.Equal(t, http.StatusConflict, do(http.MethodPost, "/v1/referrals", "buyer", `{"referrerId":"other"}`).Code)

	assert.Equal(t, http.StatusOK, do(http.MethodPut, "/v1/admin/referrals/ref/tier", "", `{"tier":"vip"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPut, "/v1/admin/referrals/ref/tier", "", `{"tier":"gold"}`).Code)

	w := do(http.MethodGet, "/v1/referrals/me", "buyer", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"referrerId":"ref"`)

	info, err := svc.Lookup(context.Background(), "buyer")
	require.NoError(t, err)
	assert.Equal(t, TierVIP, info.Tier)
}
