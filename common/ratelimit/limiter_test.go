package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) Info(msg string, keysAndValues ...interface{})  {}
func (testLogger) Error(msg string, keysAndValues ...interface{}) {}
func (testLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (testLogger) Debug(msg string, keysAndValues ...interface{}) {}

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, testLogger{}), mr
}

func TestCheckGlobalAllowsUnderLimit(t *testing.T) {
	lim, _ := newTestLimiter(t)

	for i := int64(1); i <= 3; i++ {
		res, err := lim.CheckGlobal(context.Background(), 5, 60)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, i, res.CurrentCount)
		assert.Equal(t, int64(5), res.Limit)
		assert.Equal(t, int64(0), res.RetryAfterSeconds)
	}
}

func TestCheckGlobalDeniesOverLimit(t *testing.T) {
	lim, _ := newTestLimiter(t)

	for i := 0; i < 2; i++ {
		res, err := lim.CheckGlobal(context.Background(), 2, 60)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := lim.CheckGlobal(context.Background(), 2, 60)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(3), res.CurrentCount)
	assert.Greater(t, res.RetryAfterSeconds, int64(0))
}

func TestCheckGlobalResetsAfterWindowExpires(t *testing.T) {
	lim, mr := newTestLimiter(t)

	res, err := lim.CheckGlobal(context.Background(), 1, 60)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = lim.CheckGlobal(context.Background(), 1, 60)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	mr.FastForward(61 * time.Second)

	res, err = lim.CheckGlobal(context.Background(), 1, 60)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.CurrentCount)
}

func TestResetClearsCounter(t *testing.T) {
	lim, _ := newTestLimiter(t)

	res, err := lim.CheckGlobal(context.Background(), 1, 60)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = lim.CheckGlobal(context.Background(), 1, 60)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	require.NoError(t, lim.Reset(context.Background(), "rate_limit:admin:global"))

	res, err = lim.CheckGlobal(context.Background(), 1, 60)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
