// Package config loads and validates console config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers accepted by STORAGE_DRIVER.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// APIBaseURL is the admin API base URL (e.g. https://api.example.com). Required.
	APIBaseURL string `mapstructure:"API_BASE_URL"`
	// AuthLoginPath is the login endpoint path relative to APIBaseURL.
	AuthLoginPath string `mapstructure:"AUTH_LOGIN_PATH"`
	// AuthRefreshPath is the refresh endpoint path relative to APIBaseURL.
	AuthRefreshPath string `mapstructure:"AUTH_REFRESH_PATH"`
	// RequestTimeoutRaw is the per-call client timeout (e.g. "10s").
	RequestTimeoutRaw string `mapstructure:"REQUEST_TIMEOUT"`
	// RefreshIntervalRaw is the scheduler period (e.g. "60s").
	RefreshIntervalRaw string `mapstructure:"REFRESH_INTERVAL"`
	// RefreshThresholdRaw is how close to expiry a token must be before it is refreshed (e.g. "5m").
	RefreshThresholdRaw string `mapstructure:"REFRESH_THRESHOLD"`
	// SessionMaxAgeRaw bounds a non-remembered session regardless of token lifetime.
	SessionMaxAgeRaw string `mapstructure:"SESSION_MAX_AGE"`
	// RememberMeMaxAgeRaw bounds a remembered session.
	RememberMeMaxAgeRaw string `mapstructure:"REMEMBER_ME_MAX_AGE"`
	// MirrorSessionToDurable also writes non-remembered sessions to the durable tier (legacy behavior).
	MirrorSessionToDurable bool `mapstructure:"MIRROR_SESSION_TO_DURABLE"`

	// StorageDriver selects the durable tier: sqlite, postgres, redis or memory.
	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	// StorageDSN is a file path (sqlite), a Postgres DSN, or host:port (redis).
	StorageDSN string `mapstructure:"STORAGE_DSN"`
	// StorageNamespace prefixes every stored key so several consoles can share one backend.
	StorageNamespace string `mapstructure:"STORAGE_NAMESPACE"`
	RedisPassword    string `mapstructure:"REDIS_PASSWORD"`
	RedisDB          int    `mapstructure:"REDIS_DB"`

	// RoutePolicyFile optionally replaces the built-in Rego route policy.
	RoutePolicyFile string `mapstructure:"ROUTE_POLICY_FILE"`
	// GRPCTarget is an optional gRPC backend reached through the same gateway.
	GRPCTarget string `mapstructure:"GRPC_TARGET"`

	// Telemetry (optional).
	OTLPEndpoint        string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure        bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	KafkaBrokers        string `mapstructure:"KAFKA_BROKERS"`
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// Worker-only: Loki URL and consumer group.
	LokiURL      string `mapstructure:"LOKI_URL"`
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// Dev backend only (cmd/devapi).
	DevAPIAddr string `mapstructure:"DEVAPI_ADDR"`
	// DevAPIGRPCAddr serves the dev backend's gRPC health and driver services; empty disables it.
	DevAPIGRPCAddr string `mapstructure:"DEVAPI_GRPC_ADDR"`
	JWTPrivateKey  string `mapstructure:"JWT_PRIVATE_KEY"`
	JWTPublicKey   string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer      string `mapstructure:"JWT_ISSUER"`
	JWTAudience    string `mapstructure:"JWT_AUDIENCE"`
	JWTAccessTTL   string `mapstructure:"JWT_ACCESS_TTL"`
	BcryptCost     int    `mapstructure:"BCRYPT_COST"`
	// DevAdminEmail and DevAdminPassword seed the dev backend's one account.
	DevAdminEmail    string `mapstructure:"DEVAPI_ADMIN_EMAIL"`
	DevAdminPassword string `mapstructure:"DEVAPI_ADMIN_PASSWORD"`
}

// Load reads .env (if present), then builds and validates the console's Config from the
// environment via Viper. Missing .env is ignored. Env vars override .env.
func Load() (*Config, error) {
	cfg, err := LoadBase()
	if err != nil {
		return nil, err
	}
	if cfg.APIBaseURL == "" {
		return nil, errors.New("config: API_BASE_URL must be set")
	}
	if !strings.HasPrefix(cfg.AuthLoginPath, "/") || !strings.HasPrefix(cfg.AuthRefreshPath, "/") {
		return nil, errors.New("config: AUTH_LOGIN_PATH and AUTH_REFRESH_PATH must start with /")
	}
	return cfg, nil
}

// LoadBase is Load without the console-only checks on the admin API settings.
// cmd/migrate, cmd/worker and cmd/devapi use it.
func LoadBase() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("API_BASE_URL", "")
	v.SetDefault("AUTH_LOGIN_PATH", "/auth/login")
	v.SetDefault("AUTH_REFRESH_PATH", "/auth/refresh")
	v.SetDefault("REQUEST_TIMEOUT", "10s")
	v.SetDefault("REFRESH_INTERVAL", "60s")
	v.SetDefault("REFRESH_THRESHOLD", "5m")
	v.SetDefault("SESSION_MAX_AGE", "24h")
	v.SetDefault("REMEMBER_ME_MAX_AGE", "720h") // 30d
	v.SetDefault("MIRROR_SESSION_TO_DURABLE", false)
	v.SetDefault("STORAGE_DRIVER", StorageSQLite)
	v.SetDefault("STORAGE_DSN", "./data/console.db")
	v.SetDefault("STORAGE_NAMESPACE", "console")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ROUTE_POLICY_FILE", "")
	v.SetDefault("GRPC_TARGET", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "console-session-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "console-session-worker")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("DEVAPI_ADDR", ":8081")
	v.SetDefault("DEVAPI_GRPC_ADDR", ":9091")
	v.SetDefault("JWT_ISSUER", "dispatch-admin")
	v.SetDefault("JWT_AUDIENCE", "dispatch-admin-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("DEVAPI_ADMIN_EMAIL", "admin@dispatch.local")
	v.SetDefault("DEVAPI_ADMIN_PASSWORD", "dispatch-admin")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")

	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	switch cfg.StorageDriver {
	case StorageMemory:
	case StorageSQLite, StoragePostgres, StorageRedis:
		if cfg.StorageDSN == "" {
			return nil, errors.New("config: STORAGE_DSN must be set for STORAGE_DRIVER=" + cfg.StorageDriver)
		}
	default:
		return nil, errors.New("config: STORAGE_DRIVER must be one of memory, sqlite, postgres, redis")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	return &cfg, nil
}

// RequestTimeout parses RequestTimeoutRaw. Returns 10s if unset or invalid.
func (c *Config) RequestTimeout() time.Duration {
	return parseDuration(c.RequestTimeoutRaw, 10*time.Second)
}

// RefreshInterval parses RefreshIntervalRaw. Returns 60s if unset or invalid.
func (c *Config) RefreshInterval() time.Duration {
	return parseDuration(c.RefreshIntervalRaw, 60*time.Second)
}

// RefreshThreshold parses RefreshThresholdRaw. Returns 5m if unset or invalid.
func (c *Config) RefreshThreshold() time.Duration {
	return parseDuration(c.RefreshThresholdRaw, 5*time.Minute)
}

// SessionMaxAge parses SessionMaxAgeRaw. Returns 24h if unset or invalid.
func (c *Config) SessionMaxAge() time.Duration {
	return parseDuration(c.SessionMaxAgeRaw, 24*time.Hour)
}

// RememberMeMaxAge parses RememberMeMaxAgeRaw. Returns 720h if unset or invalid.
func (c *Config) RememberMeMaxAge() time.Duration {
	return parseDuration(c.RememberMeMaxAgeRaw, 720*time.Hour)
}

// AccessTTL parses JWTAccessTTL for the dev backend. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables the Kafka event producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
