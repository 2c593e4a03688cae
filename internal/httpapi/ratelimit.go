package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/reliefops/fieldsync/internal/auth"
)

// Per-coordinator token bucket rate limiting. Buckets refill continuously, so
// bursts are absorbed without a thundering herd at window boundaries.

// RateLimitInfo configures one limiter instance.
type RateLimitInfo struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxRequests   int `json:"maxRequests"`
	Burst         int `json:"burst"`
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow consumes a token when available. Returns (allowed, remaining,
// nextTokenTime) where nextTokenTime feeds Retry-After.
func (tb *tokenBucket) allow() (bool, int, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now
	}

	secondsUntilNext := (1.0 - tb.tokens) / tb.refillRate
	return false, 0, now.Add(time.Duration(secondsUntilNext * float64(time.Second)))
}

type rateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	config  RateLimitInfo
}

func newRateLimiter(config RateLimitInfo) *rateLimiter {
	rl := &rateLimiter{
		buckets: map[string]*tokenBucket{},
		config:  config,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) bucket(key string) *tokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[key]; ok {
		return b
	}
	b = newTokenBucket(rl.config.Burst, float64(rl.config.MaxRequests)/float64(rl.config.WindowSeconds))
	rl.buckets[key] = b
	return b
}

// cleanupLoop drops buckets idle for over an hour.
func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		for key, b := range rl.buckets {
			b.mu.Lock()
			if time.Since(b.lastRefill) > time.Hour {
				delete(rl.buckets, key)
			}
			b.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware enforces a per-coordinator limit. Each instance owns its
// limiter so routes can carry different budgets.
func RateLimitMiddleware(config RateLimitInfo) func(http.Handler) http.Handler {
	limiter := newRateLimiter(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := auth.UserID(r.Context())
			if key == "" {
				key = r.RemoteAddr
			}

			allowed, remaining, nextToken := limiter.bucket(key).allow()
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				retryAfter := int(time.Until(nextToken).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
