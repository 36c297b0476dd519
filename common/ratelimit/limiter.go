// Package ratelimit provides a Redis+Lua fixed-window limiter for the
// control node's admin HTTP surface. It guards GET /status and friends
// from being hammered; it never sits on the token or rule protocols.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// Limiter provides a fixed-window rate limit backed by Redis + Lua.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// New creates a new rate limiter with the embedded Lua script.
func New(redisClient *redis.Client, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// CheckGlobal checks the admin-surface-wide rate limit.
func (r *Limiter) CheckGlobal(ctx context.Context, limit int64, windowSec int) (*Result, error) {
	return r.check(ctx, "rate_limit:admin:global", limit, windowSec)
}

func (r *Limiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	result, err := r.script.Run(ctx, r.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	arr, ok := result.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	res := &Result{
		Allowed:           arr[0].(int64) == 1,
		CurrentCount:      arr[1].(int64),
		Limit:             arr[2].(int64),
		RetryAfterSeconds: arr[3].(int64),
	}

	if !res.Allowed {
		r.logger.Warn("rate limit exceeded", "key", key, "current", res.CurrentCount, "limit", limit)
	}

	return res, nil
}

// Reset clears a rate limit counter (for testing/admin).
func (r *Limiter) Reset(ctx context.Context, key string) error {
	return r.redis.Del(ctx, key).Err()
}
