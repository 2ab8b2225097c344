package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm for rate limiting.
// One token is added every refillEvery, up to capacity.
type TokenBucket struct {
	mu          sync.Mutex
	capacity    int64
	tokens      int64
	refillEvery time.Duration
	lastRefill  time.Time
	lastUsed    time.Time
}

// NewTokenBucket creates a new full token bucket
func NewTokenBucket(capacity int64, refillEvery time.Duration, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:    capacity,
		tokens:      capacity,
		refillEvery: refillEvery,
		lastRefill:  now,
		lastUsed:    now,
	}
}

// AllowAt checks if a request is allowed at now and consumes a token if so.
// When denied it returns how long until the next token.
func (tb *TokenBucket) AllowAt(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	tb.lastUsed = now

	if tb.tokens > 0 {
		tb.tokens--
		return true, 0
	}
	return false, tb.refillEvery - now.Sub(tb.lastRefill)
}

// refill adds tokens based on elapsed time. Partial intervals carry over.
func (tb *TokenBucket) refill(now time.Time) {
	if tb.refillEvery <= 0 {
		return
	}
	elapsed := now.Sub(tb.lastRefill)
	n := int64(elapsed / tb.refillEvery)
	if n <= 0 {
		return
	}

	tb.tokens += n
	if tb.tokens >= tb.capacity {
		tb.tokens = tb.capacity
		tb.lastRefill = now
		return
	}
	tb.lastRefill = tb.lastRefill.Add(time.Duration(n) * tb.refillEvery)
}

func (tb *TokenBucket) idleSince(cutoff time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed.Before(cutoff)
}

// RateLimiter manages one token bucket per key (player id, client ip)
type RateLimiter struct {
	mu              sync.RWMutex
	buckets         map[string]*TokenBucket
	capacity        int64
	refillEvery     time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
}

// Option RateLimiter 옵션
type Option func(*RateLimiter)

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) {
		rl.now = now
	}
}

// NewRateLimiter creates a new rate limiter. Call Run to evict idle buckets.
func NewRateLimiter(capacity int64, refillEvery time.Duration, opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		buckets:         make(map[string]*TokenBucket),
		capacity:        capacity,
		refillEvery:     refillEvery,
		cleanupInterval: 10 * time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Capacity burst size per key
func (rl *RateLimiter) Capacity() int64 {
	return rl.capacity
}

// Allow checks if a request from the given key is allowed
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	return rl.getBucket(key).AllowAt(rl.now())
}

// getBucket gets or creates a token bucket for the given key
func (rl *RateLimiter) getBucket(key string) *TokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	bucket, exists = rl.buckets[key]
	if exists {
		return bucket
	}

	bucket = NewTokenBucket(rl.capacity, rl.refillEvery, rl.now())
	rl.buckets[key] = bucket
	return bucket
}

// Run periodically removes idle buckets until ctx is done
func (rl *RateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-ctx.Done():
			return nil
		}
	}
}

// Cleanup removes buckets unused for a full cleanup interval
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.cleanupInterval)
	removed := 0
	for key, bucket := range rl.buckets {
		if bucket.idleSince(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Reset resets the rate limit for a given key
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

// Len number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}
