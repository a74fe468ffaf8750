package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/aura-connect/backend/pkg/redisstore"
)

func rateLimitedRouter(t *testing.T, max int) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	store := redisstore.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = store.Close() })

	r := gin.New()
	r.Use(RateLimit(store, max, time.Minute))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r, mr
}

func TestRateLimitAllowsUnderLimit(t *testing.T) {
	r, _ := rateLimitedRouter(t, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimitBlocksOverLimit(t *testing.T) {
	r, _ := rateLimitedRouter(t, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRateLimitDisabledWhenZero(t *testing.T) {
	r, _ := rateLimitedRouter(t, 0)
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

// A client over the limit must recover once the window expires, and steady
// traffic inside the window must not push the TTL forward.
func TestRateLimitWindowRollover(t *testing.T) {
	r, mr := rateLimitedRouter(t, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	mr.FastForward(61 * time.Second)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

// Sustained under-limit traffic never accumulates into a block: each request
// increments the counter but only the first arms the TTL, so the counter dies
// with the original window instead of living as long as the traffic does.
func TestRateLimitSteadyTrafficNotBlockedAcrossWindows(t *testing.T) {
	r, mr := rateLimitedRouter(t, 4)
	for window := 0; window < 3; window++ {
		for i := 0; i < 3; i++ {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}
		mr.FastForward(61 * time.Second)
	}
}
