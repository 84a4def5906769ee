// Package app wires all CacheVoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and background workers until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock providers via WithProviders. When the option is
// not provided, New builds real providers from the config, skipping chain
// entries without usable credentials.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cachevoice/cachevoice/internal/cache"
	"github.com/cachevoice/cachevoice/internal/config"
	"github.com/cachevoice/cachevoice/internal/fillers"
	"github.com/cachevoice/cachevoice/internal/gateway"
	"github.com/cachevoice/cachevoice/internal/health"
	"github.com/cachevoice/cachevoice/internal/metadata"
	"github.com/cachevoice/cachevoice/internal/observe"
	"github.com/cachevoice/cachevoice/internal/pipeline"
	"github.com/cachevoice/cachevoice/internal/server"
	"github.com/cachevoice/cachevoice/pkg/provider/tts"
	"github.com/cachevoice/cachevoice/pkg/provider/tts/elevenlabs"
	"github.com/cachevoice/cachevoice/pkg/provider/tts/minimax"
	"github.com/cachevoice/cachevoice/pkg/provider/tts/openai"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// injected providers, keyed by chain name. Nil means build from config.
	providers map[string]tts.Provider

	// Subsystems initialised in New and torn down in Shutdown.
	db       *metadata.DB
	storage  *cache.Storage // nil when the cache is disabled
	evictor  *cache.Evictor // nil when the cache is disabled
	orch     *gateway.Orchestrator
	tracker  *health.Tracker
	warmer   *pipeline.Warmer
	pipeline *pipeline.Pipeline
	fillers  *fillers.Manager
	metrics  *observe.Metrics
	httpSrv  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProviders injects provider implementations keyed by fallback-chain
// name instead of constructing them from config. Chain entries without a
// matching key are skipped.
func WithProviders(p map[string]tts.Provider) Option {
	return func(a *App) { a.providers = p }
}

// WithMetrics injects a metrics instance instead of the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: metadata DB and
// migration, integrity reconcile, hot index load, provider chain with
// credential filtering, pipeline, warmer, evictor, fillers, and the HTTP
// server.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Cache tiers ───────────────────────────────────────────────────
	if cfg.Cache.Enabled {
		if err := a.initCache(ctx); err != nil {
			return nil, fmt.Errorf("app: init cache: %w", err)
		}
	} else {
		slog.Info("cache disabled, all requests go upstream")
	}

	// ── 2. Provider chain ────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 3. Pipeline + warmer ─────────────────────────────────────────────
	a.initPipeline()

	// ── 4. Fillers ───────────────────────────────────────────────────────
	if a.storage != nil {
		var fopts []fillers.Option
		if len(cfg.Fillers.Templates) > 0 {
			tmpls := make([]fillers.Template, len(cfg.Fillers.Templates))
			for i, text := range cfg.Fillers.Templates {
				tmpls[i] = fillers.Template{ID: fmt.Sprintf("filler_%02d", i+1), Text: text}
			}
			fopts = append(fopts, fillers.WithTemplates(tmpls))
		}
		a.fillers = fillers.New(a.storage, a.orch, fopts...)
	}

	// ── 5. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCache opens the metadata DB, reconciles it against the audio
// directory, and loads the hot index.
func (a *App) initCache(ctx context.Context) error {
	db, err := metadata.Open(a.cfg.Cache.DBPath)
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	hot := cache.NewHotIndex(a.cfg.Cache.VarietyDepth)

	sopts := []cache.StorageOption{
		cache.WithNormalizeConfig(cache.NormalizeConfig{
			Lowercase:          a.cfg.Cache.Normalize.Lowercase,
			StripPunctuation:   a.cfg.Cache.Normalize.StripPunctuation,
			CollapseWhitespace: a.cfg.Cache.Normalize.CollapseWhitespace,
			ReplaceNumbers:     a.cfg.Cache.Normalize.ReplaceNumbers,
			StripMinimax:       a.cfg.Cache.Normalize.StripMinimax,
		}),
		cache.WithVarietyDepth(a.cfg.Cache.VarietyDepth),
	}
	if a.cfg.Cache.Fuzzy.Enabled {
		matcher := cache.NewFuzzyMatcher(hot,
			cache.WithScorer(a.cfg.Cache.Fuzzy.Scorer),
			cache.WithThreshold(a.cfg.Cache.Fuzzy.Threshold),
		)
		sopts = append(sopts, cache.WithFuzzyMatcher(matcher))
	}

	storage, err := cache.NewStorage(db, hot, a.cfg.Cache.AudioDir, sopts...)
	if err != nil {
		return err
	}
	a.storage = storage

	if _, err := cache.Reconcile(ctx, storage, slog.Default()); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := storage.LoadHot(ctx); err != nil {
		return fmt.Errorf("load hot index: %w", err)
	}

	a.evictor = cache.NewEvictor(storage,
		a.cfg.Cache.MaxEntries,
		a.cfg.Cache.MinAge(),
		a.cfg.Cache.CleanupInterval(),
		slog.Default(),
	)
	return nil
}

// initProviders builds the fallback chain from config (or the injected
// map), skipping entries without usable credentials.
func (a *App) initProviders() error {
	a.tracker = health.NewTracker(a.cfg.Providers.FallbackChain...)
	a.orch = gateway.New(gateway.WithObserver(a.tracker))

	added := 0
	for _, name := range a.cfg.Providers.FallbackChain {
		if a.providers != nil {
			if p, ok := a.providers[name]; ok {
				a.orch.Add(name, p)
				added++
			}
			continue
		}

		pc := a.cfg.Providers.Configs[name]
		if !gateway.HasCredentials(pc.APIKey) {
			slog.Warn("skipping provider without credentials", "provider", name)
			continue
		}
		p, err := buildProvider(name, pc)
		if err != nil {
			return err
		}
		a.orch.Add(name, p)
		added++
	}

	if added == 0 {
		slog.Warn("no providers in the fallback chain have credentials; synthesis will fail")
	} else {
		slog.Info("provider chain ready", "providers", a.orch.Names())
	}
	return nil
}

// buildProvider constructs one real provider from its config block.
func buildProvider(name string, pc config.ProviderConfig) (tts.Provider, error) {
	switch name {
	case "openai":
		opts := []openai.Option{openai.WithTimeout(pc.Timeout())}
		if pc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pc.BaseURL))
		}
		if pc.DefaultVoice != "" {
			opts = append(opts, openai.WithDefaultVoice(pc.DefaultVoice))
		}
		if pc.DefaultModel != "" {
			opts = append(opts, openai.WithDefaultModel(pc.DefaultModel))
		}
		return openai.New(pc.APIKey, opts...)

	case "elevenlabs":
		opts := []elevenlabs.Option{elevenlabs.WithTimeout(pc.Timeout())}
		if pc.DefaultVoice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(pc.DefaultVoice))
		}
		if pc.DefaultModel != "" {
			opts = append(opts, elevenlabs.WithModel(pc.DefaultModel))
		}
		return elevenlabs.New(pc.APIKey, opts...)

	case "minimax":
		opts := []minimax.Option{minimax.WithTimeout(pc.Timeout())}
		if pc.DefaultVoice != "" {
			opts = append(opts, minimax.WithDefaultVoice(pc.DefaultVoice))
		}
		if pc.DefaultModel != "" {
			opts = append(opts, minimax.WithDefaultModel(pc.DefaultModel))
		}
		return minimax.New(pc.BaseURL, pc.APIKey, opts...)

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// initPipeline builds the request pipeline and, when the variety depth
// calls for it, the background warmer.
func (a *App) initPipeline() {
	popts := []pipeline.Option{
		pipeline.WithMetrics(a.metrics),
		pipeline.WithMaxTextLength(a.cfg.Cache.MaxTextLength),
		pipeline.WithVarietyDepth(a.cfg.Cache.VarietyDepth),
	}
	if a.storage != nil && a.cfg.Cache.VarietyDepth > 1 {
		a.warmer = pipeline.NewWarmer(a.storage, a.orch, a.cfg.Cache.VarietyDepth)
		popts = append(popts, pipeline.WithWarmer(a.warmer))
	}
	a.pipeline = pipeline.New(a.storage, a.orch, popts...)
}

// initServer assembles the HTTP handler and listener.
func (a *App) initServer() {
	defaultVoice := a.cfg.Fillers.VoiceID
	defaultModel := ""
	if len(a.cfg.Providers.FallbackChain) > 0 {
		pc := a.cfg.Providers.Configs[a.cfg.Providers.FallbackChain[0]]
		if defaultVoice == "" {
			defaultVoice = pc.DefaultVoice
		}
		defaultModel = pc.DefaultModel
	}

	sopts := []server.Option{
		server.WithHealthTracker(a.tracker),
		server.WithDefaults(defaultVoice, defaultModel),
	}
	if a.storage != nil {
		sopts = append(sopts, server.WithStorage(a.storage), server.WithEvictor(a.evictor))
	}
	if a.fillers != nil {
		sopts = append(sopts, server.WithFillers(a.fillers))
	}

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           server.New(a.pipeline, a.metrics, sopts...),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and background workers until ctx is cancelled. The
// eviction ticker runs alongside the listener; filler auto-generation runs
// once at startup when configured.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	if a.evictor != nil {
		g.Go(func() error {
			if err := a.evictor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if a.fillers != nil && a.cfg.Fillers.AutoGenerateOnStartup {
		g.Go(func() error {
			voice := a.cfg.Fillers.VoiceID
			results := a.fillers.GenerateAll(ctx, voice)
			generated := 0
			for _, r := range results {
				if r.Status == fillers.StatusGenerated {
					generated++
				}
			}
			slog.Info("filler auto-generation finished",
				"generated", generated,
				"total", len(results))
			return nil
		})
	}

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. In-flight
// warm-ups are abandoned; they hold no resources beyond their goroutines.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Handler exposes the HTTP handler for tests.
func (a *App) Handler() http.Handler {
	return a.httpSrv.Handler
}
