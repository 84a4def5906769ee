// Package gateway orchestrates the ordered TTS provider fallback chain.
//
// Each provider carries its own windowed circuit breaker. A request walks
// the chain in order, skipping open breakers, and moves on only when the
// failure is the transient kind a different upstream could absorb; caller
// errors propagate immediately.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cachevoice/cachevoice/internal/resilience"
	"github.com/cachevoice/cachevoice/pkg/provider/tts"
)

// ErrUpstreamUnavailable is returned when every provider in the chain
// failed or was skipped. The HTTP layer maps it to 503.
var ErrUpstreamUnavailable = errors.New("gateway: all upstream providers unavailable")

// ErrNoProvider is returned by a chain configured with zero providers.
var ErrNoProvider = errors.New("gateway: no providers configured")

// Observer receives per-provider outcomes. The health tracker implements it.
type Observer interface {
	ProviderSucceeded(name string)
	ProviderFailed(name string, err error)
}

type entry struct {
	name     string
	provider tts.Provider
	breaker  *resilience.CircuitBreaker
}

// Orchestrator walks an ordered provider chain with per-provider circuit
// breakers. Safe for concurrent use.
type Orchestrator struct {
	entries  []entry
	logger   *slog.Logger
	observer Observer

	breakerCfg resilience.CircuitBreakerConfig
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithObserver registers an outcome observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithBreakerConfig overrides the circuit breaker tuning applied to every
// provider added after this option runs.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(o *Orchestrator) { o.breakerCfg = cfg }
}

// New creates an empty orchestrator; providers are added with Add in
// fallback order.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger: slog.Default(),
		breakerCfg: resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			FailureWindow:    5 * time.Minute,
			Cooldown:         5 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Add appends a provider to the end of the chain with its own breaker.
func (o *Orchestrator) Add(name string, p tts.Provider) {
	cfg := o.breakerCfg
	cfg.Name = name
	o.entries = append(o.entries, entry{
		name:     name,
		provider: p,
		breaker:  resilience.NewCircuitBreaker(cfg),
	})
}

// Names returns the chain's provider names in order.
func (o *Orchestrator) Names() []string {
	names := make([]string, len(o.entries))
	for i, e := range o.entries {
		names[i] = e.name
	}
	return names
}

// Available returns the providers whose breaker currently admits calls.
func (o *Orchestrator) Available() []string {
	var names []string
	for _, e := range o.entries {
		if e.breaker.State() == resilience.StateClosed {
			names = append(names, e.name)
		}
	}
	return names
}

// Synthesize walks the chain until a provider succeeds, returning the audio
// and the winning provider's name. Open breakers are skipped; ineligible
// errors (the caller's fault) propagate from whichever provider raised
// them. When the whole chain is exhausted the last error is wrapped in
// [ErrUpstreamUnavailable].
func (o *Orchestrator) Synthesize(ctx context.Context, req tts.Request) ([]byte, string, error) {
	if len(o.entries) == 0 {
		return nil, "", ErrNoProvider
	}

	var lastErr error
	for i := range o.entries {
		e := &o.entries[i]

		if !e.breaker.Allow() {
			o.logger.Debug("skipping provider, circuit open", "provider", e.name)
			continue
		}

		start := time.Now()
		audio, err := e.provider.Synthesize(ctx, req)
		if err == nil {
			e.breaker.RecordSuccess()
			if o.observer != nil {
				o.observer.ProviderSucceeded(e.name)
			}
			o.logger.Debug("provider synthesized",
				"provider", e.name,
				"bytes", len(audio),
				"duration_ms", time.Since(start).Milliseconds())
			return audio, e.name, nil
		}

		e.breaker.RecordFailure()
		if o.observer != nil {
			o.observer.ProviderFailed(e.name, err)
		}

		if !IsFallbackEligible(err) {
			// The request itself is bad; a different upstream would reject
			// it the same way.
			return nil, e.name, err
		}

		o.logger.Warn("provider failed, trying next",
			"provider", e.name,
			"error", err)
		lastErr = err
	}

	if lastErr == nil {
		return nil, "", ErrUpstreamUnavailable
	}
	return nil, "", errors.Join(ErrUpstreamUnavailable, lastErr)
}

// IsFallbackEligible reports whether err is the kind of failure the next
// provider in the chain could absorb: rate limits, server-side errors,
// timeouts, network faults, and missing deployments qualify; client errors
// such as 400/401/403/422 do not.
func IsFallbackEligible(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, tts.ErrNoDeployment) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if se, ok := tts.AsStatusError(err); ok {
		switch {
		case se.StatusCode == 429:
			return true
		case se.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	// Unclassified errors (connection resets surfacing as plain errors,
	// unexpected payloads) are treated as transient.
	return true
}

// HasCredentials reports whether an API key value is usable: non-empty
// after trimming and not an unresolved ${VAR} placeholder.
func HasCredentials(apiKey string) bool {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return false
	}
	if strings.HasPrefix(key, "${") && strings.HasSuffix(key, "}") {
		return false
	}
	return true
}
