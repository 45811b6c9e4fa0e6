package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("k"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("k"), "request after burst")
}

func TestLimiterReplenishes(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 6000, BurstSize: 1, CleanupInterval: time.Minute})
	defer limiter.Stop()

	require.True(t, limiter.Allow("k"))
	require.False(t, limiter.Allow("k"))

	// 100 per second
	time.Sleep(30 * time.Millisecond)
	assert.True(t, limiter.Allow("k"))
}

func TestLimiterSeparatesKeys(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 2})
	defer limiter.Stop()

	limiter.Allow("a")
	limiter.Allow("a")
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))
	assert.Equal(t, 2, limiter.Len())
}

func TestLimiterEvictsIdle(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer limiter.Stop()

	limiter.Allow("a")
	limiter.evict(time.Now().Add(time.Second))
	assert.Equal(t, 0, limiter.Len())

	// a fresh bucket after eviction
	assert.True(t, limiter.Allow("a"))
}

func TestLimiterStopTwice(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	assert.NotPanics(t, limiter.Stop)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("alice").Code)
	w := do("alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusOK, do("bob").Code)
	assert.Equal(t, http.StatusOK, do("").Code)
}

func TestKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "ip:10.0.0.1", Key(c))

	c.Set("userID", "alice")
	assert.Equal(t, "user:alice", Key(c))
}
