package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"jwks-srv/internal/logger"
	"jwks-srv/internal/metrics"
)

const (
	DefaultKeyTTL        = 10 * time.Minute
	DefaultSweepInterval = time.Minute

	jwksCacheKey    = "jwks"
	expiredFlightID = "expired"

	// lookups retried when the sweep removes a freshly synthesized key
	expiredLookupAttempts = 3
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	KeyTTL        time.Duration
	Retain        time.Duration
	SweepInterval time.Duration
	Rotate        bool
	RotateBefore  time.Duration
	SeedExpired   bool
	JWKSCacheTTL  time.Duration

	Generator Generator
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// key mgr - owns the lifecycle of every record in the store
type Manager struct {
	store   Store
	gen     Generator
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// readers sign or encode; writers mutate the store
	mu    sync.RWMutex
	group singleflight.Group
	cache *gocache.Cache

	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// create new key mgr
func NewManager(store Store, opts Options) *Manager {
	if opts.KeyTTL <= 0 {
		opts.KeyTTL = DefaultKeyTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.RotateBefore <= 0 {
		opts.RotateBefore = 2 * opts.SweepInterval
	}
	if opts.Generator == nil {
		opts.Generator = RSAGenerator{Bits: DefaultKeyBits}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Manager{
		store:   store,
		gen:     opts.Generator,
		opts:    opts,
		log:     opts.Logger.With(logger.Component("keys")),
		metrics: opts.Metrics,
		now:     time.Now,
		cache:   gocache.New(opts.JWKSCacheTTL, time.Minute),
	}
}

// Start seeds the store and launches the background sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.done != nil {
		return nil
	}

	if _, err := m.EnsureValidKey(ctx); err != nil {
		return fmt.Errorf("failed to generate initial key: %w", err)
	}
	if m.opts.SeedExpired {
		if _, err := m.EnsureExpiredKey(ctx); err != nil {
			return fmt.Errorf("failed to generate expired key: %w", err)
		}
	}
	m.refreshGauges(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.sweepLoop(loopCtx, m.done)

	m.log.Info("key manager started",
		zap.Duration("key_ttl", m.opts.KeyTTL),
		zap.Duration("sweep_interval", m.opts.SweepInterval),
		zap.Bool("rotate", m.opts.Rotate),
	)
	return nil
}

// Stop halts the sweep loop and waits for an in-progress sweep to finish.
// Safe to call more than once.
func (m *Manager) Stop() {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.done == nil {
		return
	}
	m.cancel()
	<-m.done
	m.done = nil
	m.log.Info("key manager stopped")
}

// background sweep loop
func (m *Manager) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	if _, err := m.Sweep(ctx); err != nil {
		m.log.Error("expiry sweep failed", zap.Error(err))
	}
	if m.opts.Rotate {
		if err := m.rotateIfDue(ctx); err != nil {
			m.log.Error("key rotation failed", zap.Error(err))
		}
	}
	m.refreshGauges(ctx)
}

// Sweep deletes records whose expiry is older than now minus the retain
// period. It waits for in-flight signing and encoding to finish.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	cutoff := m.now().Add(-m.opts.Retain)

	m.mu.Lock()
	n, err := m.store.DeleteExpired(ctx, cutoff)
	if n > 0 {
		m.cache.Delete(jwksCacheKey)
	}
	m.mu.Unlock()

	if err != nil {
		return n, err
	}

	m.metrics.RecordSweep(n)
	if n > 0 {
		m.log.Info("swept expired keys", zap.Int64("deleted", n))
	}
	return n, nil
}

// EnsureValidKey returns the best valid key, generating one if none exists.
func (m *Manager) EnsureValidKey(ctx context.Context) (*Key, error) {
	k, err := m.store.FindBest(ctx, true)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return m.addKey(ctx, "startup")
}

// rotate when the longest-lived valid key is about to lapse
func (m *Manager) rotateIfDue(ctx context.Context) error {
	k, err := m.store.FindBest(ctx, true)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case k.Expiry.After(m.now().Add(m.opts.RotateBefore)):
		return nil
	}

	_, err = m.addKey(ctx, "rotation")
	return err
}

// generate and insert a valid key
func (m *Manager) addKey(ctx context.Context, reason string) (*Key, error) {
	priv, err := m.gen.Generate()
	if err != nil {
		m.log.Error("key generation failed", zap.String("reason", reason), zap.Error(err))
		return nil, err
	}

	expiry := m.now().Add(m.opts.KeyTTL)

	m.mu.Lock()
	id, err := m.store.Insert(ctx, priv, expiry)
	if err == nil {
		m.cache.Delete(jwksCacheKey)
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.metrics.RecordKeyGenerated(reason)
	m.log.Info("generated signing key", logger.KeyID(id), zap.String("reason", reason),
		zap.Time("expiry", toExpiry(expiry)))

	return &Key{ID: id, Expiry: toExpiry(expiry), PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
}

// GenerateKey adds a valid key outside the rotation schedule.
func (m *Manager) GenerateKey(ctx context.Context) (*Key, error) {
	return m.addKey(ctx, "manual")
}

// EnsureExpiredKey makes sure an expired key exists, synthesizing one if
// needed. The insert and the force-expire happen under one write lock so no
// reader sees the new key as valid. Concurrent callers share one generation.
func (m *Manager) EnsureExpiredKey(ctx context.Context) (int64, error) {
	v, err, _ := m.group.Do(expiredFlightID, func() (interface{}, error) {
		// shared by every waiting caller; the first one leaving must not abort it
		ctx := context.WithoutCancel(ctx)

		if k, err := m.store.FindBest(ctx, false); err == nil {
			return k.ID, nil
		} else if !errors.Is(err, ErrNotFound) {
			return int64(0), err
		}

		priv, err := m.gen.Generate()
		if err != nil {
			m.log.Error("key generation failed", zap.String("reason", "expired"), zap.Error(err))
			return int64(0), err
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		id, err := m.store.Insert(ctx, priv, m.now().Add(m.opts.KeyTTL))
		if err != nil {
			return int64(0), err
		}
		if err := m.store.ForceExpire(ctx, id); err != nil {
			// never leave the half-made key published
			if derr := m.store.Delete(ctx, id); derr != nil {
				m.log.Error("failed to remove key that could not be expired",
					logger.KeyID(id), zap.NamedError("delete_error", derr), zap.Error(err))
			}
			m.cache.Delete(jwksCacheKey)
			return int64(0), err
		}
		m.cache.Delete(jwksCacheKey)

		m.metrics.RecordKeyGenerated("expired")
		m.log.Info("synthesized expired key", logger.KeyID(id))
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// WithSigningKey runs fn w/ the best key of the requested class. The key
// cannot be swept while fn runs. Without a valid key it returns
// ErrNoValidKeys; without an expired key one is synthesized.
func (m *Manager) WithSigningKey(ctx context.Context, expired bool, fn func(*Key) error) error {
	for attempt := 1; ; attempt++ {
		found, err := m.useBest(ctx, !expired, fn)
		if found || !errors.Is(err, ErrNotFound) {
			return err
		}

		if !expired {
			m.metrics.RecordNoValidKeys()
			m.log.Error("no valid signing key available")
			return ErrNoValidKeys
		}
		if attempt > expiredLookupAttempts {
			return fmt.Errorf("expired key lookup: %w", ErrNotFound)
		}
		if _, err := m.EnsureExpiredKey(ctx); err != nil {
			return err
		}
	}
}

// run fn on the best match while holding the read lock
func (m *Manager) useBest(ctx context.Context, valid bool, fn func(*Key) error) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, err := m.store.FindBest(ctx, valid)
	if err != nil {
		return false, err
	}
	return true, fn(k)
}

// JWKS returns the public keys of every valid record.
func (m *Manager) JWKS(ctx context.Context) (JWKS, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.cache.Get(jwksCacheKey); ok {
		return v.(JWKS), nil
	}

	valid, err := m.store.ListValid(ctx)
	if err != nil {
		return JWKS{}, err
	}

	set := JWKS{Keys: make([]JWK, 0, len(valid))}
	var earliest time.Time
	for _, k := range valid {
		jwk, err := k.ToJWK()
		if err != nil {
			return JWKS{}, err
		}
		set.Keys = append(set.Keys, jwk)
		if earliest.IsZero() || k.Expiry.Before(earliest) {
			earliest = k.Expiry
		}
	}

	// never serve a cached key past its expiry
	ttl := m.opts.JWKSCacheTTL
	if !earliest.IsZero() {
		if until := earliest.Sub(m.now()); until < ttl {
			ttl = until
		}
	}
	if ttl > 0 {
		m.cache.Set(jwksCacheKey, set, ttl)
	}

	return set, nil
}

// Status reports the valid keys and the valid/expired counts.
func (m *Manager) Status(ctx context.Context) ([]*Key, int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	valid, err := m.store.ListValid(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	nValid, nExpired, err := m.store.Count(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	return valid, nValid, nExpired, nil
}

func (m *Manager) refreshGauges(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	valid, expired, err := m.store.Count(ctx)
	if err != nil {
		m.log.Warn("failed to count keys", zap.Error(err))
		return
	}
	m.metrics.SetStoreKeys(valid, expired)
}
