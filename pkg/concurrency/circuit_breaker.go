package concurrency

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int32

const (
	// BreakerClosed lets every call through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the reset timeout has passed.
	BreakerOpen
	// BreakerHalfOpen lets calls through to probe the downstream.
	BreakerHalfOpen
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

// CircuitBreaker stops calls to a downstream after a run of failures.
type CircuitBreaker struct {
	mu                   sync.Mutex
	clock                clockz.Clock
	state                BreakerState
	failureThreshold     int
	successThreshold     int
	resetTimeout         time.Duration
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
}

// NewCircuitBreaker opens after failureThreshold consecutive failures and
// stays open for resetTimeout. Closing again takes successThreshold
// successes while half-open. A nil clock means the real clock.
func NewCircuitBreaker(failureThreshold, successThreshold int, resetTimeout time.Duration, clock clockz.Clock) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 1
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &CircuitBreaker{
		clock:            clock,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
	}
}

// Allow reports whether a call may go through now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerOpen {
		return true
	}
	if cb.clock.Now().Sub(cb.lastFailure) >= cb.resetTimeout {
		cb.state = BreakerHalfOpen
		cb.consecutiveSuccesses = 0
		return true
	}
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state != BreakerHalfOpen {
		return
	}
	cb.consecutiveSuccesses++
	if cb.consecutiveSuccesses >= cb.successThreshold {
		cb.state = BreakerClosed
		cb.consecutiveSuccesses = 0
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.lastFailure = cb.clock.Now()
	cb.consecutiveFailures++

	// any failure while probing reopens
	if cb.state == BreakerHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = BreakerOpen
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.lastFailure = time.Time{}
}
