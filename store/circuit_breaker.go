package store

import (
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitBreaker tracks consecutive store failures and opens after the
// configured threshold, rejecting calls for a cool-down period. A probe is
// allowed through once the cool-down elapses; its outcome decides whether
// the circuit closes again.
type CircuitBreaker struct {
	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	consecutiveOK    int
	lastFailure      time.Time
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		state:            CircuitClosed,
	}
}

// Allow reports whether a call may proceed. An open circuit transitions to
// half-open once the cool-down has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen {
		if time.Since(b.lastFailure) >= b.cooldown {
			b.state = CircuitHalfOpen
			b.consecutiveOK = 0
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	if b.state == CircuitHalfOpen {
		b.consecutiveOK++
		if b.consecutiveOK >= b.successThreshold {
			b.state = CircuitClosed
			b.consecutiveOK = 0
		}
	}
}

// RecordFailure records a failed call; reaching the threshold, or any
// failure while half-open, opens the circuit.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails++
	b.consecutiveOK = 0
	b.lastFailure = time.Now()

	if b.consecutiveFails >= b.failureThreshold || b.state == CircuitHalfOpen {
		b.state = CircuitOpen
	}
}

// State returns the current circuit state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
