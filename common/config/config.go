package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all control node configuration.
type Config struct {
	Service     ServiceConfig
	ControlNode ControlNodeConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Cache       CacheConfig
	Telemetry   TelemetryConfig
}

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	Name        string
	Environment string
	LogLevel    string
	LogFormat   string
}

// ControlNodeConfig holds the recognized configuration options of a single
// control node, per the external interfaces contract: serviceName,
// operation, ingressPort, ruleBasePort, channel, commitmentEndpoint,
// workerRetryCap, queueHighWatermark, captureBufferSize and
// joinDeadlineSkewTolerance.
type ControlNodeConfig struct {
	ServiceName              string        `validate:"required"`
	Operation                string        `validate:"required"`
	IngressPort              int           `validate:"required,min=1,max=65535"`
	BasePort                 int           `validate:"required,min=1,max=65535"`
	Channel                  int           `validate:"min=0"`
	CommitmentPort           int           `validate:"required,min=1,max=65535"`
	CommitmentEndpoint       string        `validate:"required"`
	WorkerRetryCap           int           `validate:"min=0"`
	WorkerRetryBaseDelay     time.Duration `validate:"min=0"`
	QueueHighWatermark       int           `validate:"min=1"`
	CaptureBufferSize        int           `validate:"min=1"`
	JoinDeadlineSkewTolerance time.Duration `validate:"min=0"`
	AdminPort                int           `validate:"min=0,max=65535"`
	ServiceEndpoint          string        `validate:"required,url"`
	InvokeTimeout            time.Duration `validate:"min=0"`
	BreakerWindow            time.Duration `validate:"min=0"`
	BreakerConsecutiveTrip   uint32        `validate:"min=1"`
}

// RuleIngressPort implements the wire formula 20000 + channel*1000 + basePort.
func (c ControlNodeConfig) RuleIngressPort() int {
	return 20000 + c.Channel*1000 + c.BasePort
}

// DatabaseConfig holds Postgres connection settings for the capture sink.
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds connection settings for the capture mirror stream.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// CacheConfig holds settings for the bootstrap in-memory TTL cache.
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables, optionally layered
// under a YAML file named by CONTROL_NODE_CONFIG. Env vars always win, the
// file only supplies additional defaults.
func Load(serviceName string) (*Config, error) {
	v := viper.New()
	if path := os.Getenv("CONTROL_NODE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Environment: layeredEnv(v, "ENVIRONMENT", "development"),
			LogLevel:    layeredEnv(v, "LOG_LEVEL", "info"),
			LogFormat:   layeredEnv(v, "LOG_FORMAT", "text"),
		},
		ControlNode: ControlNodeConfig{
			ServiceName:               layeredEnv(v, "CN_SERVICE_NAME", serviceName),
			Operation:                 layeredEnv(v, "CN_OPERATION", "default"),
			IngressPort:               layeredEnvInt(v, "CN_INGRESS_PORT", 18000),
			BasePort:                  layeredEnvInt(v, "CN_BASE_PORT", 1),
			Channel:                   layeredEnvInt(v, "CN_CHANNEL", 0),
			CommitmentPort:            layeredEnvInt(v, "CN_COMMITMENT_PORT", 30000),
			CommitmentEndpoint:        layeredEnv(v, "CN_COMMITMENT_ENDPOINT", "127.0.0.1:30000"),
			WorkerRetryCap:            layeredEnvInt(v, "CN_WORKER_RETRY_CAP", 5),
			WorkerRetryBaseDelay:      layeredEnvDuration(v, "CN_WORKER_RETRY_BASE_DELAY", 200*time.Millisecond),
			QueueHighWatermark:        layeredEnvInt(v, "CN_QUEUE_HIGH_WATERMARK", 10000),
			CaptureBufferSize:         layeredEnvInt(v, "CN_CAPTURE_BUFFER_SIZE", 4096),
			JoinDeadlineSkewTolerance: layeredEnvDuration(v, "CN_JOIN_DEADLINE_SKEW", 500*time.Millisecond),
			AdminPort:                 layeredEnvInt(v, "CN_ADMIN_PORT", 8080),
			ServiceEndpoint:           layeredEnv(v, "CN_SERVICE_ENDPOINT", "http://127.0.0.1:9000/invoke"),
			InvokeTimeout:             layeredEnvDuration(v, "CN_INVOKE_TIMEOUT", 10*time.Second),
			BreakerWindow:             layeredEnvDuration(v, "CN_BREAKER_WINDOW", 30*time.Second),
			BreakerConsecutiveTrip:    uint32(layeredEnvInt(v, "CN_BREAKER_CONSECUTIVE_TRIP", 5)),
		},
		Database: DatabaseConfig{
			Host:        layeredEnv(v, "POSTGRES_HOST", "localhost"),
			Port:        layeredEnvInt(v, "POSTGRES_PORT", 5432),
			Database:    layeredEnv(v, "POSTGRES_DB", "control_node"),
			User:        layeredEnv(v, "POSTGRES_USER", "control_node"),
			Password:    layeredEnv(v, "POSTGRES_PASSWORD", "control_node"),
			MaxConns:    layeredEnvInt(v, "POSTGRES_MAX_CONNS", 20),
			MinConns:    layeredEnvInt(v, "POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: layeredEnvDuration(v, "POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: layeredEnvDuration(v, "POSTGRES_MAX_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Addr:     layeredEnv(v, "REDIS_ADDR", "localhost:6379"),
			Password: layeredEnv(v, "REDIS_PASSWORD", ""),
			DB:       layeredEnvInt(v, "REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:    layeredEnvBool(v, "CACHE_ENABLED", true),
			DefaultTTL: layeredEnvDuration(v, "CACHE_DEFAULT_TTL", time.Hour),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   layeredEnvBool(v, "ENABLE_PPROF", false),
			PprofPort:     layeredEnvInt(v, "PPROF_PORT", 6060),
			EnableMetrics: layeredEnvBool(v, "ENABLE_METRICS", true),
			MetricsPort:   layeredEnvInt(v, "METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

var validate = validator.New()

// Validate checks the loaded configuration, including the recognized
// control-node options via struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c.ControlNode); err != nil {
		return fmt.Errorf("invalid control node config: %w", err)
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions layer env vars over an optional viper-loaded file.

func layeredEnv(v *viper.Viper, key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value := v.GetString(key); value != "" {
		return value
	}
	return defaultValue
}

func layeredEnvInt(v *viper.Viper, key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	if v.IsSet(key) {
		return v.GetInt(key)
	}
	return defaultValue
}

func layeredEnvBool(v *viper.Viper, key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	if v.IsSet(key) {
		return v.GetBool(key)
	}
	return defaultValue
}

func layeredEnvDuration(v *viper.Viper, key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	if v.IsSet(key) {
		return v.GetDuration(key)
	}
	return defaultValue
}
