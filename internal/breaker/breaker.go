// Package breaker implements a per-destination circuit breaker. Once a
// destination fails often enough the breaker opens and rejects traffic
// immediately; after a cooldown a bounded number of half-open trials probe
// whether the destination has recovered.
package breaker

import (
	"sync"
	"time"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
	defaultHalfOpenMax      = 1
)

// Config tunes a Breaker. Zero values fall back to defaults.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	ResetTimeout     time.Duration // open → half-open cooldown
	HalfOpenMax      int           // concurrent trial slots while half-open
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = defaultResetTimeout
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = defaultHalfOpenMax
	}
	return c
}

// Breaker is the failure-gating state machine for a single destination.
// There is no background timer: the open → half-open transition is computed
// lazily on the next availability check.
type Breaker struct {
	mu               sync.Mutex
	cfg              Config
	state            State
	failureCount     int
	halfOpenAttempts int
	lastFailureAt    time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// refresh applies the lazy open → half-open transition. Caller holds the lock.
func (b *Breaker) refresh(now time.Time) {
	if b.state == StateOpen && now.Sub(b.lastFailureAt) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.halfOpenAttempts = 0
	}
}

// CanAcquire reports whether a request would currently be admitted. It is
// read-only: a half-open trial slot is not consumed. Intended for health
// displays, not for gating actual traffic.
func (b *Breaker) CanAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh(time.Now())
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return b.halfOpenAttempts < b.cfg.HalfOpenMax
	default:
		return false
	}
}

// TryAcquire admits a request, atomically consuming one half-open trial slot
// when the breaker is half-open so concurrent callers cannot all pile into
// the trial window.
func (b *Breaker) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh(time.Now())
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenAttempts < b.cfg.HalfOpenMax {
			b.halfOpenAttempts++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets the failure counter; a success while half-open closes
// the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.halfOpenAttempts = 0
	}
	b.failureCount = 0
}

// RecordFailure counts a failure. Reaching the threshold while closed opens
// the circuit; any failure while half-open reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailureAt = now

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenAttempts = 0
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
}

// Reset forces the breaker closed with all counters zeroed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenAttempts = 0
	b.lastFailureAt = time.Time{}
}

// State returns the current state, applying the lazy transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh(time.Now())
	return b.state
}

// Group lazily creates one Breaker per destination key.
type Group struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewGroup creates an empty breaker group with a shared config.
func NewGroup(cfg Config) *Group {
	return &Group{cfg: cfg.withDefaults(), breakers: map[string]*Breaker{}}
}

// Get returns the breaker for key, creating it on first use.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[key]
	if !ok {
		b = New(g.cfg)
		g.breakers[key] = b
	}
	return b
}

// States returns a snapshot of every known breaker's state.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]State, len(g.breakers))
	for key, b := range g.breakers {
		out[key] = b.State()
	}
	return out
}
