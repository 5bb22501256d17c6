// Package ratelimit throttles clients per key (normally the client IP).
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	rdb "github.com/redis/go-redis/v9"
)

const (
	DefaultLimit  = 10
	DefaultPeriod = time.Second

	// idle visitors are forgotten after this
	visitorTTL = 3 * time.Minute
)

type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// MemoryLimiter keeps a sliding log of hit times per visitor: a request is
// allowed while fewer than limit hits fall inside the trailing period.
type MemoryLimiter struct {
	mu       sync.Mutex
	visitors *gocache.Cache
	limit    int
	period   time.Duration
	now      func() time.Time
}

type window struct {
	mu   sync.Mutex
	hits []time.Time
}

func NewMemoryLimiter(limit int, period time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	// a visitor must outlive its own window
	ttl := max(visitorTTL, period)
	return &MemoryLimiter{
		visitors: gocache.New(ttl, ttl),
		limit:    limit,
		period:   period,
		now:      time.Now,
	}
}

func (l *MemoryLimiter) visitor(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.visitors.Get(key); ok {
		w := v.(*window)
		// touch so active visitors are kept
		l.visitors.SetDefault(key, w)
		return w
	}

	w := &window{hits: make([]time.Time, 0, l.limit)}
	l.visitors.SetDefault(key, w)
	return w
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	w := l.visitor(key)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	stale := 0
	for stale < len(w.hits) && now.Sub(w.hits[stale]) >= l.period {
		stale++
	}
	w.hits = w.hits[stale:]

	if len(w.hits) >= l.limit {
		return Result{Allowed: false, RetryAfter: w.hits[0].Add(l.period).Sub(now)}, nil
	}

	w.hits = append(w.hits, now)
	return Result{Allowed: true, Remaining: int64(l.limit - len(w.hits))}, nil
}

// RedisLimiter is the same sliding log kept in a sorted set, shared by
// every replica pointing at the same redis. Rejected hits are not kept.
type RedisLimiter struct {
	Client *rdb.Client
	Prefix string
	Max    int64
	Window time.Duration

	now func() time.Time
}

func NewRedisLimiter(client *rdb.Client, prefix string, max int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "jwks:rl:"
	}
	if max <= 0 {
		max = DefaultLimit
	}
	if window <= 0 {
		window = DefaultPeriod
	}
	return &RedisLimiter{
		Client: client,
		Prefix: prefix,
		Max:    int64(max),
		Window: window,
		now:    time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := l.now()
	redisKey := l.Prefix + strings.ReplaceAll(key, " ", "_")
	member := uuid.NewString()

	// scores are unix micros; anything at or before now-window is stale
	cutoff := now.Add(-l.Window).UnixMicro()

	var card *rdb.IntCmd
	_, err := l.Client.TxPipelined(ctx, func(pipe rdb.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, redisKey)
		pipe.ZAdd(ctx, redisKey, rdb.Z{Score: float64(now.UnixMicro()), Member: member})
		pipe.PExpire(ctx, redisKey, l.Window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	seen := card.Val()
	if seen < l.Max {
		return Result{Allowed: true, Remaining: l.Max - seen - 1}, nil
	}

	if err := l.Client.ZRem(ctx, redisKey, member).Err(); err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	res := Result{Allowed: false, RetryAfter: l.Window}
	oldest, err := l.Client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err == nil && len(oldest) == 1 {
		first := time.UnixMicro(int64(oldest[0].Score))
		if wait := first.Add(l.Window).Sub(now); wait > 0 {
			res.RetryAfter = wait
		}
	}
	return res, nil
}
