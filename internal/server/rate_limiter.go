// Package server implements token bucket rate limiters: a per-connection
// frame limiter that protects the router from abuse, and a per-identity
// connect limiter that damps reconnect storms.
package server

import (
	"sync"
	"time"
)

type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	rate := float64(capacity) / interval.Seconds()
	if rate <= 0 {
		rate = float64(capacity)
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      rate,
		lastCheck: time.Now(),
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastCheck).Seconds()
	rl.lastCheck = now

	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}

	if rl.tokens < 1 {
		return false
	}

	rl.tokens--
	return true
}

// identityLimiter rate-limits connection attempts per user id. Buckets for
// identities that have gone quiet are swept once the table grows past
// sweepThreshold.
type identityLimiter struct {
	mu       sync.Mutex
	cfg      RateLimitConfig
	buckets  map[string]*rateLimiter
	lastSeen map[string]time.Time
}

const (
	identitySweepThreshold = 4096
	identityBucketIdle     = time.Minute
)

func newIdentityLimiter(cfg RateLimitConfig) *identityLimiter {
	return &identityLimiter{
		cfg:      cfg,
		buckets:  make(map[string]*rateLimiter),
		lastSeen: make(map[string]time.Time),
	}
}

func (l *identityLimiter) allow(userID string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = newRateLimiter(l.cfg.Burst, l.cfg.RefillInterval)
		l.buckets[userID] = bucket
	}
	l.lastSeen[userID] = time.Now()
	if len(l.buckets) > identitySweepThreshold {
		l.sweepLocked()
	}
	l.mu.Unlock()

	return bucket.allow()
}

func (l *identityLimiter) sweepLocked() {
	cutoff := time.Now().Add(-identityBucketIdle)
	for userID, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.buckets, userID)
			delete(l.lastSeen, userID)
		}
	}
}
