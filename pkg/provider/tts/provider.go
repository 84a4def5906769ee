// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI, ElevenLabs,
// or a MiniMax-compatible endpoint) and presents a uniform batch interface:
// one Synthesize call produces one complete audio rendering, which the
// caller persists and serves as a whole.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request carries one synthesis job to a provider.
type Request struct {
	// Text is the content to synthesise. Never empty.
	Text string

	// Voice is the provider-specific voice identifier. When empty, the
	// provider falls back to its configured default voice.
	Voice string

	// Model selects a model within the provider (e.g., "tts-1"). When empty,
	// the provider falls back to its configured default model.
	Model string

	// Format is the desired audio container (e.g., "mp3"). Providers that
	// cannot honour it return their native format; the caller converts.
	Format string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (cache misses and background warm-ups).
type Provider interface {
	// Synthesize renders req.Text as audio and returns the complete encoded
	// bytes. It blocks until the rendering is finished or ctx is done.
	//
	// HTTP-level rejections from the upstream API are returned as a
	// [*StatusError] so the fallback orchestrator can decide whether the
	// failure is fallback-eligible or terminal for the request.
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}
