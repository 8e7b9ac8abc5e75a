// Package circuitbreaker implements a thread-safe circuit breaker gating
// durable async-job dispatch. When the workflow backend becomes unavailable,
// the breaker trips after a configurable number of consecutive failures and
// jobs run in-process for a cooldown period before the backend is probed
// again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// Closed is the normal operating state: jobs are dispatched durably.
	Closed State = iota
	// Open means the circuit has tripped: jobs run in-process.
	Open
	// HalfOpen allows a single probe job through to test recovery.
	HalfOpen
)

func (s State) String() string {
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

const (
	defaultThreshold = 3
	defaultCooldown  = 30 * time.Second
)

// Breaker tracks consecutive dispatch failures and transitions between
// Closed, Open, and HalfOpen states.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	failureThreshold int
	cooldown         time.Duration
	lastTripped      time.Time
	onStateChange    func(from, to State)

	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive-failure count that trips the breaker
// from Closed to Open. Default 3.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before transitioning to
// HalfOpen. Default 30 seconds.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a callback fired on every state transition.
// The callback runs with the breaker's mutex held; it must not call back
// into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a Breaker in the Closed state.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: defaultThreshold,
		cooldown:         defaultCooldown,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next job should be dispatched durably.
//
// Closed always allows. Open rejects until the cooldown elapses, then
// transitions to HalfOpen and allows a single probe. HalfOpen rejects
// while the probe is in flight.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.nowFunc().After(b.lastTripped.Add(b.cooldown)) {
			b.setState(HalfOpen)
			return true
		}
		return false
	default: // HalfOpen
		return false
	}
}

// RecordSuccess resets the failure counter; a successful HalfOpen probe
// closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == HalfOpen {
		b.setState(Closed)
	}
}

// RecordFailure counts a dispatch failure, tripping the breaker at the
// threshold. A failed HalfOpen probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++

	switch b.state {
	case Closed:
		if b.failureCount >= b.failureThreshold {
			b.setState(Open)
			b.lastTripped = b.nowFunc()
		}
	case HalfOpen:
		b.setState(Open)
		b.lastTripped = b.nowFunc()
	}
}

// CurrentState returns the breaker state. In Open state this does not check
// the cooldown timer; use Allow for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState transitions the breaker and fires the callback. Caller holds b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
