// Package pipeline implements the request path for speech synthesis: cache
// lookup, provider fallback on miss, write-back, format conversion, and
// background variety warm-up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/cachevoice/cachevoice/internal/cache"
	"github.com/cachevoice/cachevoice/internal/gateway"
	"github.com/cachevoice/cachevoice/internal/observe"
	"github.com/cachevoice/cachevoice/pkg/audio"
	"github.com/cachevoice/cachevoice/pkg/provider/tts"
)

// Reason codes for the miss and bypass paths; hit reasons come from the
// cache package.
const (
	ReasonMiss            = cache.ReasonMiss
	ReasonMissNoCache     = "miss_no_cache"
	ReasonMissTextTooLong = "miss_text_too_long"
	ReasonErrFileNotFound = "error_file_not_found"
)

// storedFormat is the container every provider returns and every cache file
// is written in; other formats are transcoded on the way out.
const storedFormat = audio.FormatMP3

// textPreviewLen caps the request text length in log records.
const textPreviewLen = 50

// Request is one synthesis request from the HTTP layer.
type Request struct {
	Text   string
	Voice  string
	Model  string
	Format string
}

// Result is the outcome of Speak.
type Result struct {
	// Audio is the synthesized (or cached) clip in the requested format.
	Audio []byte

	// Format is the container of Audio.
	Format string

	// CacheHit reports whether the clip came from the cache.
	CacheHit bool

	// Reason is the lookup outcome code, also sent as the X-Cache-Reason
	// response header.
	Reason string

	// Provider names the upstream that synthesized the clip; empty on a
	// cache hit.
	Provider string
}

// Pipeline drives a synthesis request through the cache and the provider
// chain. A nil storage means the cache is disabled and every request goes
// upstream.
type Pipeline struct {
	storage *cache.Storage
	orch    *gateway.Orchestrator
	warmer  *Warmer
	metrics *observe.Metrics
	logger  *slog.Logger

	maxTextLength int
	varietyDepth  int
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithWarmer enables background variety warm-up on cache misses.
func WithWarmer(w *Warmer) Option {
	return func(p *Pipeline) { p.warmer = w }
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMaxTextLength sets the longest text the cache will hold; longer
// requests bypass it.
func WithMaxTextLength(n int) Option {
	return func(p *Pipeline) { p.maxTextLength = n }
}

// WithVarietyDepth sets how many renderings per (text, voice) pair warm-up
// aims for.
func WithVarietyDepth(depth int) Option {
	return func(p *Pipeline) {
		if depth < 1 {
			depth = 1
		}
		p.varietyDepth = depth
	}
}

// New creates a pipeline. storage may be nil to disable caching entirely.
func New(storage *cache.Storage, orch *gateway.Orchestrator, opts ...Option) *Pipeline {
	p := &Pipeline{
		storage:       storage,
		orch:          orch,
		metrics:       observe.DefaultMetrics(),
		logger:        slog.Default(),
		maxTextLength: 500,
		varietyDepth:  1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Speak resolves a synthesis request: cached audio when available,
// upstream synthesis otherwise. The returned clip is in the requested
// format (default mp3).
func (p *Pipeline) Speak(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	format := req.Format
	if format == "" {
		format = storedFormat
	}
	if !audio.IsSupported(format) {
		return nil, fmt.Errorf("pipeline: unsupported audio format %q", format)
	}

	res, err := p.resolve(ctx, req, format)
	if err != nil {
		return nil, err
	}

	p.metrics.RecordLookup(ctx, res.Reason)
	p.logger.Info("speech request served",
		"text_preview", preview(req.Text),
		"voice", req.Voice,
		"reason", res.Reason,
		"cache_hit", res.CacheHit,
		"provider", res.Provider,
		"bytes", len(res.Audio),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (p *Pipeline) resolve(ctx context.Context, req Request, format string) (*Result, error) {
	if p.storage == nil {
		return p.synthesize(ctx, req, format, ReasonMissNoCache)
	}
	if len([]rune(req.Text)) > p.maxTextLength {
		// Bypassed requests still count toward the miss stats.
		p.storage.DB().RecordMiss()
		return p.synthesize(ctx, req, format, ReasonMissTextTooLong)
	}

	lookup := p.storage.Lookup(ctx, req.Text, req.Voice)
	if lookup.Path != "" {
		data, err := os.ReadFile(lookup.Path)
		if err == nil {
			out, err := audio.Convert(ctx, data, storedFormat, format)
			if err != nil {
				return nil, err
			}
			if lookup.Reason == cache.ReasonExactHit {
				p.maybeWarm(req, lookup.MatchedText)
			}
			return &Result{
				Audio:    out,
				Format:   format,
				CacheHit: true,
				Reason:   lookup.Reason,
			}, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("pipeline: read cached audio: %w", err)
		}

		// The row survived but the file is gone. Drop the stale entry and
		// synthesize fresh.
		p.logger.Warn("cached audio file missing, re-synthesizing",
			"path", lookup.Path,
			"voice", req.Voice)
		p.storage.Forget(ctx, lookup.MatchedText, req.Voice)
		return p.synthesizeAndStore(ctx, req, format, ReasonErrFileNotFound)
	}

	return p.synthesizeAndStore(ctx, req, format, ReasonMiss)
}

// maybeWarm schedules variety warm-up for a pair served from the cache that
// is still short of the depth. Without it a pair left underfilled by a
// restart or a failed warm-up stays short forever: exact hits are the only
// traffic it sees afterwards. Fuzzy hits do not warm; the request text would
// seed its own pool instead of filling the matched one.
func (p *Pipeline) maybeWarm(req Request, textNormalized string) {
	if p.warmer == nil || p.varietyDepth <= 1 {
		return
	}
	if len(p.storage.Hot().Paths(textNormalized, req.Voice)) >= p.varietyDepth {
		return
	}
	p.warmer.Schedule(req)
}

// synthesize goes upstream without touching the cache.
func (p *Pipeline) synthesize(ctx context.Context, req Request, format, reason string) (*Result, error) {
	data, provider, err := p.callChain(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := audio.Convert(ctx, data, storedFormat, format)
	if err != nil {
		return nil, err
	}
	return &Result{Audio: out, Format: format, Reason: reason, Provider: provider}, nil
}

// synthesizeAndStore goes upstream, writes the rendering back to the cache,
// and schedules variety warm-up when the pair is still short of the depth.
func (p *Pipeline) synthesizeAndStore(ctx context.Context, req Request, format, reason string) (*Result, error) {
	data, provider, err := p.callChain(ctx, req)
	if err != nil {
		return nil, err
	}

	if _, err := p.storage.Store(ctx, req.Text, req.Voice, storedFormat, data); err != nil {
		// A failed write-back must not fail the request the caller is
		// still waiting on.
		p.logger.Warn("failed to store synthesized audio",
			"text_preview", preview(req.Text),
			"voice", req.Voice,
			"error", err)
	} else {
		p.metrics.CacheWrites.Add(ctx, 1)
		if p.warmer != nil && p.varietyDepth > 1 {
			p.warmer.Schedule(req)
		}
	}

	out, err := audio.Convert(ctx, data, storedFormat, format)
	if err != nil {
		return nil, err
	}
	return &Result{Audio: out, Format: format, Reason: reason, Provider: provider}, nil
}

// callChain runs the fallback chain and records synthesis metrics.
func (p *Pipeline) callChain(ctx context.Context, req Request) ([]byte, string, error) {
	start := time.Now()
	data, provider, err := p.orch.Synthesize(ctx, tts.Request{
		Text:   req.Text,
		Voice:  req.Voice,
		Model:  req.Model,
		Format: storedFormat,
	})
	elapsed := time.Since(start).Seconds()
	if err != nil {
		if provider != "" {
			p.metrics.RecordSynthesis(ctx, provider, "error", elapsed)
			p.metrics.RecordProviderError(ctx, provider)
		}
		return nil, "", err
	}
	p.metrics.RecordSynthesis(ctx, provider, "ok", elapsed)
	return data, provider, nil
}

// preview truncates text for log records.
func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= textPreviewLen {
		return text
	}
	return string(runes[:textPreviewLen]) + "…"
}
