package forwarder

import (
	"sync/atomic"
	"time"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed means the upstream is used normally
	StateClosed CircuitState = iota
	// StateOpen means the upstream is skipped until the cooldown elapses
	StateOpen
	// StateHalfOpen means the upstream is being tried again
	StateHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks consecutive failures of a single upstream
type CircuitBreaker struct {
	state     atomic.Int32
	failures  atomic.Int64
	successes atomic.Int64
	openedAt  atomic.Int64 // unix nanos

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: max(failureThreshold, 1),
		successThreshold: max(successThreshold, 1),
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Allow reports whether a query may be sent to the upstream.
// An open breaker moves to half-open once the cooldown has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitState(cb.state.Load()) {
	case StateOpen:
		if cb.now().Sub(time.Unix(0, cb.openedAt.Load())) < cb.cooldown {
			return false
		}
		if cb.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			cb.successes.Store(0)
		}
		return true
	default:
		return true
	}
}

// Failure records a failed query
func (cb *CircuitBreaker) Failure() {
	failures := cb.failures.Add(1)

	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		if failures >= int64(cb.failureThreshold) {
			cb.open(StateClosed)
		}
	case StateHalfOpen:
		// Any failure while probing reopens the circuit
		cb.open(StateHalfOpen)
	}
}

// Success records a successful query
func (cb *CircuitBreaker) Success() {
	cb.failures.Store(0)
	successes := cb.successes.Add(1)

	if CircuitState(cb.state.Load()) == StateHalfOpen && successes >= int64(cb.successThreshold) {
		cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed))
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

func (cb *CircuitBreaker) open(from CircuitState) {
	if cb.state.CompareAndSwap(int32(from), int32(StateOpen)) {
		cb.openedAt.Store(cb.now().UnixNano())
		cb.failures.Store(0)
		cb.successes.Store(0)
	}
}
