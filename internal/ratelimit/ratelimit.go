// Package ratelimit implements a token-bucket throughput governor shared by
// the dispatch pipeline. Refill is computed lazily from wall-clock time in
// whole refill intervals; the sub-interval remainder is carried forward so
// frequent polling never drifts or over-refills.
package ratelimit

import (
	"sync"
	"time"
)

const (
	defaultCapacity       = 10
	defaultRefillRate     = 1
	defaultRefillInterval = time.Second
)

// Config tunes a Limiter. Zero values fall back to defaults.
type Config struct {
	Capacity       int           // bucket size
	RefillRate     int           // tokens added per interval
	RefillInterval time.Duration // interval length
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.RefillRate <= 0 {
		c.RefillRate = defaultRefillRate
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = defaultRefillInterval
	}
	return c
}

// Limiter is a mutex-guarded token bucket. It starts full.
type Limiter struct {
	mu         sync.Mutex
	cfg        Config
	tokens     int
	lastRefill time.Time
}

// New creates a full bucket.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{cfg: cfg, tokens: cfg.Capacity, lastRefill: time.Now()}
}

// refill advances the bucket by the whole intervals elapsed since the last
// refill. The last-refill timestamp only moves by consumed intervals, keeping
// the remainder. Caller holds the lock.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill)
	intervals := int(elapsed / l.cfg.RefillInterval)
	if intervals <= 0 {
		return
	}

	l.tokens += intervals * l.cfg.RefillRate
	if l.tokens > l.cfg.Capacity {
		l.tokens = l.cfg.Capacity
	}
	l.lastRefill = l.lastRefill.Add(time.Duration(intervals) * l.cfg.RefillInterval)
}

// TryConsume deducts n tokens if available. On rejection no state changes
// beyond the refill itself.
func (l *Limiter) TryConsume(n int) bool {
	if n <= 0 {
		n = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())
	if l.tokens < n {
		return false
	}
	l.tokens -= n
	return true
}

// WaitTime returns how long until at least one token will be available, or 0
// when one already is. Callers use it as a single bounded sleep hint.
func (l *Limiter) WaitTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.refill(now)
	if l.tokens >= 1 {
		return 0
	}

	// Time until the next whole interval completes.
	elapsed := now.Sub(l.lastRefill)
	wait := l.cfg.RefillInterval - elapsed
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Tokens returns the currently available token count, for introspection.
func (l *Limiter) Tokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())
	return l.tokens
}
