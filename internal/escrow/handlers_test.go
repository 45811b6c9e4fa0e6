package escrow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Set("userID", c.GetHeader("X-User-ID"))
		c.Next()
	})
	NewHandler(f.ctrl).RegisterRoutes(v1)
	return r, f
}

func get(r *gin.Engine, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-User-ID", user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_GetHoldVisibleToParticipantsOnly(t *testing.T) {
	r, f := setupTestRouter(t)
	hold, err := f.ctrl.LockToEscrow(context.Background(), "seller", "BTC", d("0.1"), "trade", "trd_1")
	require.NoError(t, err)

	w := get(r, "/v1/escrow/"+hold.ID, "seller")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Hold struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Amount string `json:"amount"`
		} `json:"hold"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "locked", resp.Hold.Status)
	assert.Equal(t, "0.1", resp.Hold.Amount)

	assert.Equal(t, http.StatusNotFound, get(r, "/v1/escrow/"+hold.ID, "stranger").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/v1/escrow/esc_missing", "seller").Code)
}

func TestHandler_ListHolds(t *testing.T) {
	r, f := setupTestRouter(t)
	_, _ = f.ctrl.LockToEscrow(context.Background(), "seller", "BTC", d("0.1"), "trade", "trd_1")

	w := get(r, "/v1/escrow?limit=10", "seller")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = get(r, "/v1/escrow", "buyer")
	assert.Contains(t, w.Body.String(), `"count":0`)
}
