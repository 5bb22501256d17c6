package main

import (
	"context"
	"errors"
	"fmt"

	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"jwks-srv/internal/crypto"
	"jwks-srv/internal/db"
	"jwks-srv/internal/httpserver"
	"jwks-srv/internal/jwt"
	"jwks-srv/internal/keys"
	"jwks-srv/internal/logger"
	"jwks-srv/internal/metrics"
	"jwks-srv/internal/ratelimit"
)

// app holds the wired components shared by every command
type app struct {
	cfg     *httpserver.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	store   keys.Store
	manager *keys.Manager
	issuer  *jwt.Issuer
	redis   *rdb.Client
}

func newApp(ctx context.Context, cfg *httpserver.Config) (*app, error) {
	log, err := logger.New(logger.Config{Env: cfg.LogEnv, Level: cfg.LogLevel, ServiceName: "jwks-srv"})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	manager := keys.NewManager(store, keys.Options{
		KeyTTL:        cfg.KeyLifetime,
		Retain:        cfg.KeyRetainPeriod,
		SweepInterval: cfg.SweepInterval,
		Rotate:        cfg.KeyRotate,
		SeedExpired:   cfg.SeedExpiredKey,
		JWKSCacheTTL:  cfg.JWKSCacheTTL,
		Logger:        log,
		Metrics:       m,
	})

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: m,
		store:   store,
		manager: manager,
		issuer: jwt.NewIssuer(manager, jwt.Options{
			Issuer:  cfg.Issuer,
			TTL:     cfg.JWTLifetime,
			Metrics: m,
		}),
	}, nil
}

// pick the backend named by STORE_BACKEND
func buildStore(ctx context.Context, cfg *httpserver.Config) (keys.Store, error) {
	if cfg.StoreBackend == httpserver.BackendMemory {
		return keys.NewMemoryStore(keys.NewIDSource(cfg.KeyIDStrategy)), nil
	}

	enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to set up key encryption: %w", err)
	}

	switch cfg.StoreBackend {
	case httpserver.BackendSQLite:
		return db.OpenSQLite(cfg.DBPath, enc)
	case httpserver.BackendPostgres:
		return db.OpenPostgres(ctx, cfg.DatabaseURL, enc)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func (a *app) limiter() ratelimit.Limiter {
	if a.cfg.RateLimitBackend == httpserver.LimiterRedis {
		a.redis = rdb.NewClient(&rdb.Options{Addr: a.cfg.RedisAddr})
		return ratelimit.NewRedisLimiter(a.redis, "", a.cfg.RateLimit, a.cfg.RatePeriod)
	}
	return ratelimit.NewMemoryLimiter(a.cfg.RateLimit, a.cfg.RatePeriod)
}

func (a *app) server() *httpserver.Server {
	deps := httpserver.Deps{
		Keys:    a.manager,
		Issuer:  a.issuer,
		Limiter: a.limiter(),
		Metrics: a.metrics,
		Logger:  a.log,
	}
	// SQL backends keep an issuance log
	if al, ok := a.store.(httpserver.AuthLogger); ok {
		deps.AuthLog = al
	}
	return httpserver.NewSrv(deps, a.cfg)
}

// close stops the manager before the store goes away
func (a *app) close() error {
	a.manager.Stop()

	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.store.Close())
	_ = a.log.Sync()
	return errors.Join(errs...)
}
