package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreaker.Call while calls are blocked.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the current state of the circuit breaker.
type CircuitState int32

const (
	// CircuitClosed lets every call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks calls until the timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets calls through to probe for recovery.
	CircuitHalfOpen
)

// String returns a string representation of the CircuitState.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker stops calling a failing collaborator for a while after too
// many consecutive failures. The plate publisher uses it so that an
// unreachable broker does not add its timeout to every saved plate.
type CircuitBreaker struct {
	state           atomic.Int32
	failureCount    atomic.Int64
	lastFailureTime atomic.Int64
	successCount    atomic.Int64

	// maxFailures is the number of consecutive failures that opens the circuit.
	maxFailures int64
	// timeout is how long the circuit stays open before probing.
	timeout time.Duration
	// recoveryThreshold is how many half-open successes close the circuit.
	recoveryThreshold int64

	now    func() time.Time
	logger *slog.Logger
}

// NewCircuitBreaker creates a closed circuit breaker. now may be nil.
func NewCircuitBreaker(maxFailures int64, timeout time.Duration, recoveryThreshold int64, now func() time.Time, logger *slog.Logger) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	if maxFailures < 1 {
		maxFailures = 1
	}
	if recoveryThreshold < 1 {
		recoveryThreshold = 1
	}
	cb := &CircuitBreaker{
		maxFailures:       maxFailures,
		timeout:           timeout,
		recoveryThreshold: recoveryThreshold,
		now:               now,
		logger:            logger,
	}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// Call runs fn unless the circuit is open. An open circuit whose timeout has
// elapsed moves to half-open and lets the call through as a probe.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if CircuitState(cb.state.Load()) == CircuitOpen {
		lastFailure := time.Unix(0, cb.lastFailureTime.Load())
		elapsed := cb.now().Sub(lastFailure)
		if elapsed <= cb.timeout {
			return fmt.Errorf("%w, last failure %v ago", ErrCircuitOpen, elapsed.Round(time.Millisecond))
		}
		if cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			cb.successCount.Store(0)
			cb.logger.Info("Circuit breaker state transition",
				"from", CircuitOpen,
				"to", CircuitHalfOpen,
				"timeout_elapsed", elapsed)
		}
	}

	err := fn()
	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailureTime.Store(cb.now().UnixNano())
	failures := cb.failureCount.Add(1)
	current := CircuitState(cb.state.Load())

	switch {
	case current == CircuitHalfOpen:
		cb.state.Store(int32(CircuitOpen))
		cb.successCount.Store(0)
		cb.logger.Warn("Circuit breaker state transition",
			"from", CircuitHalfOpen,
			"to", CircuitOpen,
			"reason", "failure_during_recovery")
	case current == CircuitClosed && failures >= cb.maxFailures:
		cb.state.Store(int32(CircuitOpen))
		cb.logger.Warn("Circuit breaker state transition",
			"from", CircuitClosed,
			"to", CircuitOpen,
			"failure_count", failures,
			"max_failures", cb.maxFailures)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount.Store(0)

	if CircuitState(cb.state.Load()) != CircuitHalfOpen {
		return
	}
	successes := cb.successCount.Add(1)
	if successes >= cb.recoveryThreshold && cb.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitClosed)) {
		cb.logger.Info("Circuit breaker state transition",
			"from", CircuitHalfOpen,
			"to", CircuitClosed,
			"success_count", successes,
			"recovery_threshold", cb.recoveryThreshold)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int64 {
	return cb.failureCount.Load()
}
