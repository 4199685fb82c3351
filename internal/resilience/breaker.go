package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls fail fast
	BreakerHalfOpen                     // one probe decides
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker counts consecutive failures of one dependency. After
// threshold failures it opens and rejects calls for the cool-down window,
// then lets a single probe through. Safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	name      string
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
	now       func() time.Time
	logger    *slog.Logger
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithThreshold sets the consecutive failure count that opens the breaker.
func WithThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays open before probing.
func WithCooldown(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.cooldown = d
		}
	}
}

// WithClock sets the time source (for testing).
func WithClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// WithBreakerLogger sets the logger used for state changes.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = l }
}

// NewCircuitBreaker returns a closed breaker for the named dependency.
// Defaults: 5 failures, 30s cool-down.
func NewCircuitBreaker(name string, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:      name,
		threshold: 5,
		cooldown:  30 * time.Second,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// Name returns the dependency this breaker protects.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state, promoting open to half-open once the
// cool-down has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Allow reserves permission for one call. It returns a *CircuitOpenError
// while open, and while a half-open probe is already in flight. Every nil
// return must be followed by exactly one of RecordSuccess, RecordFailure,
// or Release.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if cb.probing {
			return &CircuitOpenError{Dependency: cb.name}
		}
		cb.probing = true
		return nil
	}
	return &CircuitOpenError{Dependency: cb.name}
}

// RecordSuccess closes a half-open breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerHalfOpen {
		cb.logger.Info("circuit closed", "dependency", cb.name)
	}
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probing = false
}

// RecordFailure counts a failure. A failed probe re-opens the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerHalfOpen:
		cb.open()
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.open()
		}
	}
}

// Release gives back a reservation whose outcome says nothing about the
// dependency (for example a cancelled context).
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probing = false
}

// open must be called with mu held.
func (cb *CircuitBreaker) open() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.probing = false
	cb.logger.Warn("circuit opened", "dependency", cb.name, "failures", cb.failures, "cooldown", cb.cooldown)
}

// maybeHalfOpen must be called with mu held.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = BreakerHalfOpen
		cb.probing = false
		cb.logger.Info("circuit half-open", "dependency", cb.name)
	}
}
