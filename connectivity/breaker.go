package connectivity

import (
	"context"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, calls pass through.
	BreakerOpen                         // Calls short-circuit to the fallback.
	BreakerHalfOpen                     // One probe call allowed to test recovery.
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreaker guards a flaky operation (container discovery and
// attach). Thread-safe: all state transitions use a mutex.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	state        BreakerState
	failures     int
	successes    int
	threshold    int           // consecutive failures before opening
	resetTimeout time.Duration // how long to stay open before half-open
	halfOpenMax  int           // successes in half-open before closing
	probing      bool          // a half-open probe is in flight
	lastFailure  time.Time
	now          func() time.Time // injectable clock for testing
	onChange     func(from, to BreakerState)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the failure count that trips the breaker open.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

// WithBreakerResetTimeout sets how long the breaker stays open before
// transitioning to half-open.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.resetTimeout = d }
}

// WithBreakerHalfOpenMax sets how many consecutive successes in half-open
// are needed to close the breaker.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.halfOpenMax = n }
}

// WithBreakerClock sets a custom clock function (for testing).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// WithBreakerName labels the breaker in ErrCircuitOpen.
func WithBreakerName(name string) BreakerOption {
	return func(cb *CircuitBreaker) { cb.name = name }
}

// WithBreakerStateChange registers a callback invoked (outside the lock)
// on every state transition.
func WithBreakerStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker creates a breaker with the discovery defaults:
// 3 consecutive failures to open, 30s cool-down, 1 success to close from
// half-open.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         "discovery",
		state:        BreakerClosed,
		threshold:    3,
		resetTimeout: 30 * time.Second,
		halfOpenMax:  1,
		now:          time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure counter.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Execute runs op through the breaker. While open (or while another
// half-open probe is in flight) op is not called: fallback runs with an
// *ErrCircuitOpen cause, or that error is returned when fallback is nil.
// Failures of op itself are recorded and returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error, fallback func(context.Context, error) error) error {
	if !cb.acquire() {
		cause := &ErrCircuitOpen{Service: cb.name}
		if fallback == nil {
			return cause
		}
		return fallback(ctx, cause)
	}
	err := op(ctx)
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// Allow reports whether a call would be let through right now, moving an
// expired open breaker to half-open. It does not reserve the probe slot.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	from, to := cb.maybeTransition()
	allowed := cb.state == BreakerClosed || (cb.state == BreakerHalfOpen && !cb.probing)
	cb.mu.Unlock()
	cb.notify(from, to)
	return allowed
}

func (cb *CircuitBreaker) acquire() bool {
	cb.mu.Lock()
	from, to := cb.maybeTransition()
	ok := false
	switch cb.state {
	case BreakerClosed:
		ok = true
	case BreakerHalfOpen:
		if !cb.probing {
			cb.probing = true
			ok = true
		}
	}
	cb.mu.Unlock()
	cb.notify(from, to)
	return ok
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case BreakerHalfOpen:
		cb.probing = false
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
		}
	case BreakerClosed:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.lastFailure = cb.now()
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = BreakerOpen
		}
	case BreakerHalfOpen:
		// Any failure in half-open goes back to open with a fresh cool-down.
		cb.failures++
		cb.probing = false
		cb.state = BreakerOpen
		cb.successes = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// Reset forces the breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = BreakerClosed
	cb.failures = 0
	cb.successes = 0
	cb.probing = false
	cb.mu.Unlock()
	cb.notify(from, BreakerClosed)
}

// maybeTransition checks if an open breaker should move to half-open.
// Must be called with mu held.
func (cb *CircuitBreaker) maybeTransition() (from, to BreakerState) {
	from = cb.state
	if cb.state == BreakerOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
		cb.probing = false
	}
	return from, cb.state
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if from != to && cb.onChange != nil {
		cb.onChange(from, to)
	}
}
