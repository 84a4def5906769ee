// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio bytes or errors and to verify what
// the cache pipeline and fallback orchestrator pass to a TTS backend.
//
// Example:
//
//	p := &mock.Provider{SynthesizeResult: []byte("mp3-bytes")}
//	audio, _ := p.Synthesize(ctx, tts.Request{Text: "hello", Voice: "v1"})
package mock

import (
	"context"
	"sync"

	"github.com/cachevoice/cachevoice/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeResult is the audio returned by Synthesize when SynthesizeErr
	// is nil and SynthesizeFunc is not set.
	SynthesizeResult []byte

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeFunc, if set, overrides SynthesizeResult/SynthesizeErr
	// entirely. Useful for per-call behaviour (first call fails, second
	// succeeds) or for blocking until ctx is done.
	SynthesizeFunc func(ctx context.Context, req tts.Request) ([]byte, error)

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns the configured result.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	fn := p.SynthesizeFunc
	result := p.SynthesizeResult
	err := p.SynthesizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(result))
	copy(out, result)
	return out, nil
}

// Calls returns a snapshot of all recorded Synthesize calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// CallCount returns the number of Synthesize invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}
