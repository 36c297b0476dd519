package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/control-node/common/ratelimit"
)

type testLogger struct{}

func (testLogger) Info(msg string, keysAndValues ...interface{})  {}
func (testLogger) Error(msg string, keysAndValues ...interface{}) {}
func (testLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (testLogger) Debug(msg string, keysAndValues ...interface{}) {}

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return ratelimit.New(client, testLogger{})
}

func newTestEcho(mw echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}, mw)
	return e
}

func TestGlobalRateLimitMiddlewareAllowsUnderLimit(t *testing.T) {
	lim := newTestLimiter(t)
	e := newTestEcho(GlobalRateLimitMiddleware(lim, 5, 60))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGlobalRateLimitMiddlewareBlocksOverLimit(t *testing.T) {
	lim := newTestLimiter(t)
	e := newTestEcho(GlobalRateLimitMiddleware(lim, 1, 60))

	req1 := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec1 := httptest.NewRecorder()
	e.ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec2 := httptest.NewRecorder()
	e.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestGlobalRateLimitMiddlewareFailsOpenWhenRedisUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	lim := ratelimit.New(client, testLogger{})

	e := newTestEcho(GlobalRateLimitMiddleware(lim, 1, 60))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
