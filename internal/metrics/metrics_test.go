package metrics

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{409, "4xx"},
		{429, "4xx"},
		{503, "5xx"},
		{0, "unknown"},
		{999, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusClass(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := gin.New()
	r.GET("/metrics", Handler())

	WebSocketEventsDropped.Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "p2pdesk_ws_clients")
	assert.Contains(t, body, "p2pdesk_ws_events_dropped_total")
	assert.Contains(t, body, "go_goroutines")
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/trades/:id", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	matched := HTTPRequestsTotal.WithLabelValues("GET", "/v1/trades/:id", "4xx")
	unmatched := HTTPRequestsTotal.WithLabelValues("GET", unmatchedRoute, "4xx")
	beforeMatched, beforeUnmatched := testutil.ToFloat64(matched), testutil.ToFloat64(unmatched)

	for _, path := range []string{"/v1/trades/trd_abc", "/wp-login.php"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	assert.Equal(t, beforeMatched+1, testutil.ToFloat64(matched))
	assert.Equal(t, beforeUnmatched+1, testutil.ToFloat64(unmatched))
	assert.Zero(t, testutil.ToFloat64(HTTPInFlight))
}

// nopConnector lets sql.OpenDB build a pool that never dials.
type nopConnector struct{}

func (nopConnector) Connect(context.Context) (driver.Conn, error) { return nil, driver.ErrBadConn }
func (nopConnector) Driver() driver.Driver                        { return nil }

func TestRegisterDB_Idempotent(t *testing.T) {
	db := sql.OpenDB(nopConnector{})
	defer func() { _ = db.Close() }()

	require.NoError(t, RegisterDB(db))
	require.NoError(t, RegisterDB(db))
}
