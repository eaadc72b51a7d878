package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// Redis, when set, holds the shared per-second counters.
	Redis redis.Cmdable
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) retryAfter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refillRate <= 0 {
		return 1
	}
	return int((1-b.tokens)/b.refillRate) + 1
}

// maxTrackedKeys bounds the local buckets; the least recently seen
// tenant/IP pairs are dropped first and start again with a full bucket.
const maxTrackedKeys = 10000

// rateLimiterStore holds per-key token buckets.
type rateLimiterStore struct {
	buckets *lru.Cache[string, *tokenBucket]
	config  RateLimitConfig
}

func newRateLimiterStore(cfg RateLimitConfig) *rateLimiterStore {
	buckets, _ := lru.New[string, *tokenBucket](maxTrackedKeys)
	return &rateLimiterStore{buckets: buckets, config: cfg}
}

func (s *rateLimiterStore) getBucket(key string) *tokenBucket {
	if b, ok := s.buckets.Get(key); ok {
		return b
	}
	b := newTokenBucket(s.config.RequestsPerSecond, s.config.BurstSize)
	if prev, ok, _ := s.buckets.PeekOrAdd(key, b); ok {
		return prev
	}
	return b
}

// sharedWindow counts requests per key in one-second Redis buckets so every
// API replica draws on the same budget.
type sharedWindow struct {
	rdb   redis.Cmdable
	limit int64
}

func (w *sharedWindow) allow(ctx context.Context, key string, now time.Time) (bool, error) {
	bucket := fmt.Sprintf("ratelimit:%s:%d", key, now.Unix())
	count, err := w.rdb.Incr(ctx, bucket).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		w.rdb.Expire(ctx, bucket, 2*time.Second)
	}
	return count <= w.limit, nil
}

// RateLimit limits requests per tenant and client IP. With cfg.Redis set the
// budget is shared across replicas; when Redis errors the local token bucket
// decides instead.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newRateLimiterStore(cfg)
	var shared *sharedWindow
	if cfg.Redis != nil {
		shared = &sharedWindow{rdb: cfg.Redis, limit: int64(cfg.BurstSize)}
	}
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if tenantID, ok := c.Get("jwt_tenant_id").(string); ok && tenantID != "" {
				key = tenantID + ":" + key
			}

			bucket := store.getBucket(key)
			allowed, retryAfter := false, 1
			if shared != nil {
				ok, err := shared.allow(c.Request().Context(), key, time.Now())
				if err == nil {
					allowed = ok
				} else {
					allowed = bucket.allow()
				}
			} else {
				allowed = bucket.allow()
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)
			if !allowed {
				if shared == nil {
					retryAfter = bucket.retryAfter()
				}
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
