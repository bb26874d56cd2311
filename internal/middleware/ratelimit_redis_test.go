package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRateLimitedEcho(t *testing.T, maxRequests int, window time.Duration) (*echo.Echo, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	e := echo.New()
	e.POST("/limited", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, RedisRateLimit(rdb, "test", maxRequests, window))

	return e, mr
}

func doRequest(e *echo.Echo, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/limited", nil)
	req.RemoteAddr = ip + ":5000"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRedisRateLimit_BlocksOverLimit(t *testing.T) {
	e, _ := newRateLimitedEcho(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		rec := doRequest(e, "203.0.113.7")
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}

	rec := doRequest(e, "203.0.113.7")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestRedisRateLimit_CountsPerIP(t *testing.T) {
	e, _ := newRateLimitedEcho(t, 1, time.Minute)

	require.Equal(t, http.StatusOK, doRequest(e, "203.0.113.7").Code)
	require.Equal(t, http.StatusTooManyRequests, doRequest(e, "203.0.113.7").Code)

	// A different client is unaffected.
	assert.Equal(t, http.StatusOK, doRequest(e, "203.0.113.8").Code)
}

func TestRedisRateLimit_WindowExpires(t *testing.T) {
	e, mr := newRateLimitedEcho(t, 1, time.Minute)

	require.Equal(t, http.StatusOK, doRequest(e, "203.0.113.7").Code)
	require.Equal(t, http.StatusTooManyRequests, doRequest(e, "203.0.113.7").Code)

	// Past the window the counter key has expired and a fresh window index
	// is in play.
	mr.FastForward(2 * time.Minute)
	assert.Equal(t, http.StatusOK, doRequest(e, "203.0.113.7").Code)
}

func TestRedisRateLimit_FailsOpenWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	e := echo.New()
	e.POST("/limited", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, RedisRateLimit(rdb, "test", 1, time.Minute))

	// Kill the backend; the limiter must let requests through.
	mr.Close()

	assert.Equal(t, http.StatusOK, doRequest(e, "203.0.113.7").Code)
	assert.Equal(t, http.StatusOK, doRequest(e, "203.0.113.7").Code)
}
