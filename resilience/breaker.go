// Package resilience implements the retry and circuit-breaker wrappers
// guarding every call the rest of the core makes into the storage adapter.
package resilience

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit-breaker states.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a per-logical-backend, instance-local circuit breaker with
// single-probe HalfOpen semantics: once the cooldown elapses exactly one
// caller is let through as a probe, concurrent callers during the probe
// window are rejected, and the probe's own outcome decides the next state.
type Breaker struct {
	mu sync.Mutex

	name      string
	threshold int
	cooldown  time.Duration

	state            BreakerState
	consecutiveFails int
	openedAt         time.Time

	now func() time.Time
}

// NewBreaker creates a Breaker. threshold <= 0 disables tripping entirely.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     Closed,
		now:       time.Now,
	}
}

// Allow reports whether a call should be attempted. It returns false when
// the breaker is Open and the cooldown has not yet elapsed; it transitions
// Open -> HalfOpen when the cooldown has elapsed and lets this caller through
// as the single probe. While HalfOpen it returns false until the probe's
// outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.threshold <= 0 {
		return true
	}

	now := b.now()
	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.openedAt = now
		return true
	case HalfOpen:
		// A probe is already in flight; reject concurrent callers.
		return false
	}
	return true
}

// RecordSuccess closes the breaker and resets the consecutive-failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.state = Closed
}

// RecordFailure registers a failed call, tripping the breaker to Open once
// the consecutive-failure threshold is reached (or immediately, if the
// failing call was the HalfOpen probe).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.threshold <= 0 {
		return
	}
	now := b.now()
	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = now
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= b.threshold {
		b.state = Open
		b.openedAt = now
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry hands out one Breaker per logical backend name.
type Registry struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	breakers  map[string]*Breaker
}

// NewRegistry creates a Registry that lazily constructs breakers with the
// given threshold/cooldown on first use of a backend name.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{threshold: threshold, cooldown: cooldown, breakers: map[string]*Breaker{}}
}

// Get returns the Breaker for name, creating it if necessary.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.threshold, r.cooldown)
		r.breakers[name] = b
	}
	return b
}
