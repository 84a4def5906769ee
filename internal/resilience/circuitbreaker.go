// Package resilience provides the windowed circuit breaker that the
// provider fallback chain uses to bypass an upstream that keeps failing.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Allow] callers when the
// breaker is open and the cooldown has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state; calls are allowed.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected until
	// the cooldown elapses, after which the breaker closes again.
	StateOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// FailureThreshold is the number of failures within FailureWindow that
	// trips the breaker. Default: 3.
	FailureThreshold int

	// FailureWindow is the sliding window failures are counted over.
	// Default: 5m.
	FailureWindow time.Duration

	// Cooldown is how long the breaker stays open after tripping.
	// Default: 5m.
	Cooldown time.Duration
}

// CircuitBreaker is a two-state windowed breaker: it trips after
// FailureThreshold failures inside the sliding FailureWindow and rejects
// calls for Cooldown, then closes again with a clean slate. A success in
// the closed state clears the failure window.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	failureWindow    time.Duration
	cooldown         time.Duration

	mu       sync.Mutex
	failures []time.Time
	openedAt time.Time
	open     bool
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 5 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		failureWindow:    cfg.FailureWindow,
		cooldown:         cfg.Cooldown,
	}
}

// Allow reports whether a call may proceed. When an open breaker's cooldown
// has elapsed, the breaker closes and the call is allowed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return true
	}
	if time.Since(cb.openedAt) < cb.cooldown {
		return false
	}

	cb.open = false
	cb.failures = cb.failures[:0]
	slog.Info("circuit breaker closed after cooldown", "name", cb.name)
	return true
}

// RecordFailure adds a failure to the window and trips the breaker when the
// threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.pruneLocked(now)
	cb.failures = append(cb.failures, now)

	if !cb.open && len(cb.failures) >= cb.failureThreshold {
		cb.open = true
		cb.openedAt = now
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"failures_in_window", len(cb.failures),
			"cooldown", cb.cooldown)
	}
}

// RecordSuccess clears the failure window. A success while open does not
// close the breaker early; the cooldown governs that.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		cb.failures = cb.failures[:0]
	}
}

// State returns the current [State]. An open breaker whose cooldown has
// elapsed reports [StateClosed]; the transition happens on the next Allow.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.open && time.Since(cb.openedAt) < cb.cooldown {
		return StateOpen
	}
	return StateClosed
}

// Reset manually forces the breaker back to closed with an empty window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.open = false
	cb.failures = cb.failures[:0]
	slog.Info("circuit breaker manually reset", "name", cb.name)
}

// pruneLocked drops failures that have aged out of the window. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.failureWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}
