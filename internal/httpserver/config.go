package httpserver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

// Config is read from the environment (and an optional .env file).
type Config struct {
	Addr     string `env:"ADDR" env-default:":8080"`
	LogEnv   string `env:"LOG_ENV" env-default:"dev"`
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`

	KeyLifetime     time.Duration `env:"KEY_LIFETIME" env-default:"10m"`
	KeyRetainPeriod time.Duration `env:"KEY_RETAIN" env-default:"0s"`
	JWTLifetime     time.Duration `env:"JWT_LIFETIME" env-default:"10m"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" env-default:"60s"`
	KeyRotate       bool          `env:"KEY_ROTATE" env-default:"true"`
	SeedExpiredKey  bool          `env:"SEED_EXPIRED_KEY" env-default:"true"`
	JWKSCacheTTL    time.Duration `env:"JWKS_CACHE_TTL" env-default:"30s"`
	Issuer          string        `env:"ISSUER"`
	KeyIDStrategy   string        `env:"KEY_ID_STRATEGY" env-default:"sequence"`

	StoreBackend  string `env:"STORE_BACKEND" env-default:"sqlite"`
	DBPath        string `env:"DB_PATH" env-default:"totally_not_my_privateKeys.db"`
	DatabaseURL   string `env:"DATABASE_URL"`
	EncryptionKey string `env:"NOT_MY_KEY"`

	RateLimit        int           `env:"RATE_LIMIT" env-default:"10"`
	RatePeriod       time.Duration `env:"RATE_PERIOD" env-default:"1s"`
	RateLimitBackend string        `env:"RATE_LIMIT_BACKEND" env-default:"memory"`
	RedisAddr        string        `env:"REDIS_ADDR" env-default:"localhost:6379"`
}

// NewConfig loads .env if present, then the process env, and validates.
func NewConfig() (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	durations := []struct {
		name string
		val  time.Duration
	}{
		{"KEY_LIFETIME", c.KeyLifetime},
		{"JWT_LIFETIME", c.JWTLifetime},
		{"SWEEP_INTERVAL", c.SweepInterval},
		{"RATE_PERIOD", c.RatePeriod},
	}
	for _, d := range durations {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.val))
		}
	}
	if c.KeyRetainPeriod < 0 {
		errs = append(errs, fmt.Errorf("KEY_RETAIN must not be negative, got %s", c.KeyRetainPeriod))
	}
	if c.JWKSCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("JWKS_CACHE_TTL must not be negative, got %s", c.JWKSCacheTTL))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must be positive, got %d", c.RateLimit))
	}

	switch c.KeyIDStrategy {
	case "sequence", "timestamp":
	default:
		errs = append(errs, fmt.Errorf("unknown KEY_ID_STRATEGY %q", c.KeyIDStrategy))
	}

	c.StoreBackend = strings.ToLower(c.StoreBackend)
	switch c.StoreBackend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if c.EncryptionKey == "" {
			errs = append(errs, fmt.Errorf("NOT_MY_KEY is required for the %s backend", c.StoreBackend))
		}
		if c.StoreBackend == BackendPostgres && c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	// sql stores assign their own ids
	if c.KeyIDStrategy == "timestamp" && c.StoreBackend != BackendMemory {
		errs = append(errs, fmt.Errorf("KEY_ID_STRATEGY=timestamp needs the memory backend, not %s", c.StoreBackend))
	}

	c.RateLimitBackend = strings.ToLower(c.RateLimitBackend)
	switch c.RateLimitBackend {
	case LimiterMemory, LimiterRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend))
	}

	return errors.Join(errs...)
}
