package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set

	ProviderTimeoutSecs int

	// Routing defaults, mirrored into store.RoutingConfig on first boot.
	DefaultStrategy                string
	ProviderFailureThreshold       int
	ProviderFailureCooldownSeconds int
	EnableProviderHealthCheck      bool

	// Redis-backed KeyedCache. When disabled the gateway falls back to an
	// in-process MemoryCache, which does not coordinate sticky sessions or
	// failure counters across multiple gateway processes.
	RedisEnabled bool
	RedisAddr    string

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool   // GATEWAY_OTEL_ENABLED, default false
	OTelEndpoint    string // GATEWAY_OTEL_ENDPOINT, default "localhost:4318"
	OTelServiceName string // GATEWAY_OTEL_SERVICE_NAME, default "llmgateway"

	// Idempotency cache for streaming/non-streaming replay-on-retry.
	IdempotencyTTLSecs   int
	IdempotencyMaxEntries int

	SessionTTLSecs int
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("GATEWAY_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("GATEWAY_LOG_LEVEL", "info"),
		DBDSN:      getEnv("GATEWAY_DB_DSN", "file:/data/gateway.sqlite"),

		VaultEnabled:  getEnvBool("GATEWAY_VAULT_ENABLED", true),
		VaultPassword: getEnv("GATEWAY_VAULT_PASSWORD", ""),

		ProviderTimeoutSecs: getEnvInt("GATEWAY_PROVIDER_TIMEOUT_SECS", 30),

		DefaultStrategy:                getEnv("GATEWAY_DEFAULT_STRATEGY", "balanced"),
		ProviderFailureThreshold:       getEnvInt("GATEWAY_PROVIDER_FAILURE_THRESHOLD", 3),
		ProviderFailureCooldownSeconds: getEnvInt("GATEWAY_PROVIDER_FAILURE_COOLDOWN_SECONDS", 60),
		EnableProviderHealthCheck:      getEnvBool("GATEWAY_ENABLE_PROVIDER_HEALTH_CHECK", true),

		RedisEnabled: getEnvBool("GATEWAY_REDIS_ENABLED", false),
		RedisAddr:    getEnv("GATEWAY_REDIS_ADDR", "localhost:6379"),

		AdminToken:     getEnv("GATEWAY_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("GATEWAY_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("GATEWAY_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("GATEWAY_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("GATEWAY_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("GATEWAY_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("GATEWAY_OTEL_SERVICE_NAME", "llmgateway"),

		IdempotencyTTLSecs:    getEnvInt("GATEWAY_IDEMPOTENCY_TTL_SECS", 600),
		IdempotencyMaxEntries: getEnvInt("GATEWAY_IDEMPOTENCY_MAX_ENTRIES", 10000),

		SessionTTLSecs: getEnvInt("GATEWAY_SESSION_TTL_SECS", 3600),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("GATEWAY_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("GATEWAY_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("GATEWAY_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.ProviderFailureThreshold <= 0 {
		return fmt.Errorf("GATEWAY_PROVIDER_FAILURE_THRESHOLD must be > 0, got %d", c.ProviderFailureThreshold)
	}
	if c.ProviderFailureCooldownSeconds <= 0 {
		return fmt.Errorf("GATEWAY_PROVIDER_FAILURE_COOLDOWN_SECONDS must be > 0, got %d", c.ProviderFailureCooldownSeconds)
	}
	if c.IdempotencyTTLSecs <= 0 {
		return fmt.Errorf("GATEWAY_IDEMPOTENCY_TTL_SECS must be > 0, got %d", c.IdempotencyTTLSecs)
	}
	if c.IdempotencyMaxEntries <= 0 {
		return fmt.Errorf("GATEWAY_IDEMPOTENCY_MAX_ENTRIES must be > 0, got %d", c.IdempotencyMaxEntries)
	}
	if c.SessionTTLSecs <= 0 {
		return fmt.Errorf("GATEWAY_SESSION_TTL_SECS must be > 0, got %d", c.SessionTTLSecs)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
