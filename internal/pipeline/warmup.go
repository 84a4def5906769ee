package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cachevoice/cachevoice/internal/cache"
	"github.com/cachevoice/cachevoice/internal/gateway"
	"github.com/cachevoice/cachevoice/pkg/provider/tts"
)

// DefaultWarmupTimeout bounds a single background warm-up synthesis.
const DefaultWarmupTimeout = 30 * time.Second

// Warmer fills out the variety pool for cached texts in the background.
// After a miss stores the first rendering, Schedule fires a goroutine per
// missing version; duplicate requests for a (text, voice) pair coalesce
// through the in-flight set. Failures are logged and never surface to any
// request.
type Warmer struct {
	storage *cache.Storage
	orch    *gateway.Orchestrator
	logger  *slog.Logger

	varietyDepth int
	timeout      time.Duration

	mu       sync.Mutex
	inFlight map[warmKey]bool
	wg       sync.WaitGroup
}

type warmKey struct {
	textNormalized string
	voiceID        string
}

// WarmerOption customizes a Warmer.
type WarmerOption func(*Warmer)

// WithWarmupTimeout overrides the per-synthesis deadline.
func WithWarmupTimeout(d time.Duration) WarmerOption {
	return func(w *Warmer) { w.timeout = d }
}

// WithWarmerLogger sets the logger.
func WithWarmerLogger(logger *slog.Logger) WarmerOption {
	return func(w *Warmer) { w.logger = logger }
}

// NewWarmer creates a warmer targeting varietyDepth renderings per pair.
func NewWarmer(storage *cache.Storage, orch *gateway.Orchestrator, varietyDepth int, opts ...WarmerOption) *Warmer {
	if varietyDepth < 1 {
		varietyDepth = 1
	}
	w := &Warmer{
		storage:      storage,
		orch:         orch,
		logger:       slog.Default(),
		varietyDepth: varietyDepth,
		timeout:      DefaultWarmupTimeout,
		inFlight:     make(map[warmKey]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Schedule starts a background warm-up for req's (text, voice) pair unless
// one is already running. It returns immediately.
func (w *Warmer) Schedule(req Request) {
	key := warmKey{
		textNormalized: w.storage.Normalize(req.Text),
		voiceID:        req.Voice,
	}
	if key.textNormalized == "" {
		return
	}

	w.mu.Lock()
	if w.inFlight[key] {
		w.mu.Unlock()
		return
	}
	w.inFlight[key] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inFlight, key)
			w.mu.Unlock()
		}()
		w.warm(req, key)
	}()
}

// warm synthesizes renderings until the pair reaches the variety depth.
// Detached from the request context: the caller has already been answered.
func (w *Warmer) warm(req Request, key warmKey) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		count, err := w.storage.DB().VersionCount(ctx, key.textNormalized, key.voiceID)
		if err != nil {
			cancel()
			w.logger.Warn("warm-up version count failed", "error", err)
			return
		}
		if count >= w.varietyDepth {
			cancel()
			return
		}

		data, provider, err := w.orch.Synthesize(ctx, tts.Request{
			Text:   req.Text,
			Voice:  req.Voice,
			Model:  req.Model,
			Format: storedFormat,
		})
		if err != nil {
			cancel()
			w.logger.Warn("warm-up synthesis failed",
				"text_preview", preview(req.Text),
				"voice", req.Voice,
				"error", err)
			return
		}

		if _, err := w.storage.Store(ctx, req.Text, req.Voice, storedFormat, data); err != nil {
			cancel()
			w.logger.Warn("warm-up store failed",
				"voice", req.Voice,
				"error", err)
			return
		}
		cancel()

		w.logger.Debug("warm-up rendering stored",
			"voice", req.Voice,
			"provider", provider,
			"version", count+1)
	}
}

// Wait blocks until all in-flight warm-ups finish. Intended for tests and
// orderly shutdown; production shutdown may simply abandon them.
func (w *Warmer) Wait() {
	w.wg.Wait()
}

// InFlight returns the number of pairs currently being warmed.
func (w *Warmer) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}
