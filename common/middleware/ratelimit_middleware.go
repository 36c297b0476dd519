package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/control-node/common/ratelimit"
)

// GlobalRateLimitMiddleware protects the admin HTTP surface from being
// overwhelmed. It never sits in front of the token or rule ingress ports —
// those are raw UDP listeners, not HTTP.
func GlobalRateLimitMiddleware(limiter *ratelimit.Limiter, limit int64, windowSec int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			result, err := limiter.CheckGlobal(c.Request().Context(), limit, windowSec)
			if err != nil {
				// Fail open: the admin surface is observability, not the
				// protocol itself.
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":               "rate_limit_exceeded",
					"limit":               result.Limit,
					"retry_after_seconds": result.RetryAfterSeconds,
				})
			}

			return next(c)
		}
	}
}
