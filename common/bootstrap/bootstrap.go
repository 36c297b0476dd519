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

// Setup initializes the ambient components shared by every control-node
// binary: configuration, logging, and (unless skipped) persistence,
// caching and telemetry.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing control node component",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})

		if options.dbInitHook != nil {
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	if !options.skipRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     components.Config.Redis.Addr,
			Password: components.Config.Redis.Password,
			DB:       components.Config.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		components.Redis = rdb
		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return rdb.Close()
		})
	}

	if !options.skipCache && components.Config.Cache.Enabled {
		components.Cache = cache.NewMemoryCache(components.Logger)
		components.addCleanup(func() error {
			components.Logger.Info("closing cache")
			return components.Cache.Close()
		})
	}

	if !options.skipTelemetry {
		components.Telemetry = telemetry.New(
			components.Config.Telemetry.PprofPort,
			components.Config.Telemetry.MetricsPort,
			components.Config.Telemetry.EnablePprof,
			components.Config.Telemetry.EnableMetrics,
			components.Logger,
		)
		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
		}
	}

	components.Logger.Info("component initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"cache", components.Cache != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error.
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup %s: %v", serviceName, err))
	}
	return components
}
