// Package health tracks upstream provider status for the /health endpoint.
//
// The [Tracker] observes synthesis outcomes from the fallback chain: a
// provider that has served at least one request is "available", one whose
// last attempt failed is "unavailable", and one that has never been tried
// stays "unknown".
package health

import (
	"sync"
	"time"
)

// Provider status values reported by Snapshot.
const (
	StatusUnknown     = "unknown"
	StatusAvailable   = "available"
	StatusUnavailable = "unavailable"
)

// Snapshot is the provider-status portion of the /health payload.
type Snapshot struct {
	// ProviderStatus maps provider name to its last observed status.
	ProviderStatus map[string]string

	// LastErrorTime is when the most recent provider failure happened;
	// zero when no failure has been observed.
	LastErrorTime time.Time
}

// Aggregate collapses the per-provider map into one status: available when
// any provider is serving, unavailable when every tried provider has
// failed, unknown when nothing has been tried yet.
func (s Snapshot) Aggregate() string {
	anyAvailable, anyUnavailable := false, false
	for _, status := range s.ProviderStatus {
		switch status {
		case StatusAvailable:
			anyAvailable = true
		case StatusUnavailable:
			anyUnavailable = true
		}
	}
	switch {
	case anyAvailable:
		return StatusAvailable
	case anyUnavailable:
		return StatusUnavailable
	default:
		return StatusUnknown
	}
}

// Tracker records per-provider outcomes. It implements the gateway's
// Observer interface and is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	status    map[string]string
	lastError time.Time
}

// NewTracker creates a tracker with every named provider in the unknown
// state.
func NewTracker(providers ...string) *Tracker {
	status := make(map[string]string, len(providers))
	for _, p := range providers {
		status[p] = StatusUnknown
	}
	return &Tracker{status: status}
}

// ProviderSucceeded marks the provider available.
func (t *Tracker) ProviderSucceeded(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[name] = StatusAvailable
}

// ProviderFailed marks the provider unavailable and stamps the error time.
func (t *Tracker) ProviderFailed(name string, _ error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[name] = StatusUnavailable
	t.lastError = time.Now()
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := make(map[string]string, len(t.status))
	for k, v := range t.status {
		status[k] = v
	}
	return Snapshot{ProviderStatus: status, LastErrorTime: t.lastError}
}

// Degraded reports whether any provider is currently unavailable.
func (t *Tracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.status {
		if s == StatusUnavailable {
			return true
		}
	}
	return false
}
