package bootstrap

import (
	"context"
	"fmt"

	"github.com/lyzr/control-node/common/cache"
	"github.com/lyzr/control-node/common/config"
	"github.com/lyzr/control-node/common/db"
	"github.com/lyzr/control-node/common/logger"
	"github.com/lyzr/control-node/common/telemetry"
	"github.com/redis/go-redis/v9"
)

// Components holds all initialized ambient dependencies for a control-node
// binary.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Redis     *redis.Client
	Cache     cache.Cache
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components in reverse
// initialization order. Should be called with defer after Setup().
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error

	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks health of all components.
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
