package fees

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.referrals.Register(ctx, "payer", "ref"))
	_, err := f.dist.ProcessTransactionFee(ctx, "payer", KindSwap, d("100"), "USDT", "swp_1")
	require.NoError(t, err)
	job, err := f.dist.Defer(ctx, Charge{UserID: "payer", Kind: KindTransfer, Amount: d("1"), Currency: "USDT", RelatedTxID: "tr_1"}, nil)
	require.NoError(t, err)

	h := NewHandler(f.dist)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) { c.Set("userID", c.GetHeader("X-User-ID")); c.Next() })
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))

	do := func(method, path, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-User-ID", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/v1/fees/transactions", "payer")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(http.MethodGet, "/v1/fees/commissions", "ref")
	assert.Contains(t, w.Body.String(), `"amount":"20"`)

	w = do(http.MethodGet, "/v1/admin/fees/revenue", "")
	assert.Contains(t, w.Body.String(), `"bucket":"swap"`)
	assert.Contains(t, w.Body.String(), `"platformAccount":"platform"`)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/v1/admin/fees/jobs?status=bogus", "").Code)
	w = do(http.MethodGet, "/v1/admin/fees/jobs?status=pending", "")
	assert.Contains(t, w.Body.String(), job.ID)

	w = do(http.MethodPost, "/v1/admin/fees/jobs/"+job.ID+"/retry", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"done"`)

	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/v1/admin/fees/jobs/fjb_missing/retry", "").Code)
}
