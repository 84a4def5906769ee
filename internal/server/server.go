// Package server exposes the HTTP surface: the OpenAI-compatible speech
// endpoint, health, cache statistics and management, the filler pool, and
// Prometheus metrics.
package server

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cachevoice/cachevoice/internal/cache"
	"github.com/cachevoice/cachevoice/internal/fillers"
	"github.com/cachevoice/cachevoice/internal/gateway"
	"github.com/cachevoice/cachevoice/internal/health"
	"github.com/cachevoice/cachevoice/internal/observe"
	"github.com/cachevoice/cachevoice/internal/pipeline"
	"github.com/cachevoice/cachevoice/pkg/audio"
	"github.com/cachevoice/cachevoice/pkg/provider/tts"
)

// writeEvictionThreshold is how many cache writes trigger an extra
// eviction pass on top of the periodic timer.
const writeEvictionThreshold = 100

// Server wires the pipeline and cache management into an http.Handler.
type Server struct {
	pipeline *pipeline.Pipeline
	storage  *cache.Storage // nil when the cache is disabled
	evictor  *cache.Evictor // nil when the cache is disabled
	fillers  *fillers.Manager
	tracker  *health.Tracker
	logger   *slog.Logger

	defaultVoice string
	defaultModel string

	// lastEvictAt is the storage write count at the last write-triggered
	// eviction pass.
	lastEvictAt atomic.Int64

	mux http.Handler
}

// Option customizes a Server.
type Option func(*Server)

// WithStorage enables the cache management endpoints.
func WithStorage(s *cache.Storage) Option {
	return func(srv *Server) { srv.storage = s }
}

// WithEvictor enables write-triggered eviction passes.
func WithEvictor(e *cache.Evictor) Option {
	return func(srv *Server) { srv.evictor = e }
}

// WithFillers enables the filler pool endpoints.
func WithFillers(m *fillers.Manager) Option {
	return func(srv *Server) { srv.fillers = m }
}

// WithHealthTracker feeds provider status into /health.
func WithHealthTracker(t *health.Tracker) Option {
	return func(srv *Server) { srv.tracker = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(srv *Server) { srv.logger = logger }
}

// WithDefaults sets the voice and model used when a request omits them.
func WithDefaults(voice, model string) Option {
	return func(srv *Server) {
		srv.defaultVoice = voice
		srv.defaultModel = model
	}
}

// New creates a Server and builds its route table.
func New(p *pipeline.Pipeline, metrics *observe.Metrics, opts ...Option) *Server {
	srv := &Server{
		pipeline:     p,
		logger:       slog.Default(),
		defaultModel: "tts-1",
	}
	for _, opt := range opts {
		opt(srv)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/audio/speech", srv.handleSpeech)
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /v1/cache/stats", srv.handleStats)
	mux.HandleFunc("DELETE /v1/cache", srv.handleClear)
	mux.HandleFunc("GET /v1/cache/fillers", srv.handleFillerList)
	mux.HandleFunc("POST /v1/cache/fillers/generate", srv.handleFillerGenerate)
	mux.HandleFunc("GET /v1/fillers", srv.handleFillerPool)
	mux.HandleFunc("GET /v1/fillers/{name}", srv.handleFillerDownload)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv.mux = observe.Middleware(metrics)(mux)
	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// speechRequest is the OpenAI-compatible request body.
type speechRequest struct {
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	Model          string `json:"model"`
	ResponseFormat string `json:"response_format"`
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	if req.Voice == "" {
		req.Voice = s.defaultVoice
	}
	if req.Model == "" {
		req.Model = s.defaultModel
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = audio.FormatMP3
	}
	if !audio.IsSupported(req.ResponseFormat) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported response_format %q", req.ResponseFormat))
		return
	}

	res, err := s.pipeline.Speak(r.Context(), pipeline.Request{
		Text:   req.Input,
		Voice:  req.Voice,
		Model:  req.Model,
		Format: req.ResponseFormat,
	})
	if err != nil {
		s.writeSpeechError(w, err)
		return
	}

	if !res.CacheHit {
		s.maybeEvict()
	}

	w.Header().Set("Content-Type", audio.ContentType(res.Format))
	if res.CacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("X-Cache-Reason", res.Reason)
	w.Write(res.Audio)
}

// writeSpeechError maps pipeline errors to HTTP status codes: exhausted or
// empty chains are 503, provider rejections forward 4xx for caller mistakes
// and 502 for upstream faults, anything unexpected is a plain 500.
func (s *Server) writeSpeechError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrNoProvider), errors.Is(err, gateway.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		if se, ok := tts.AsStatusError(err); ok {
			if se.StatusCode >= 400 && se.StatusCode < 500 {
				writeError(w, se.StatusCode, se.Error())
			} else {
				writeError(w, http.StatusBadGateway, se.Error())
			}
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// maybeEvict runs an eviction pass once every writeEvictionThreshold cache
// writes, detached from the request.
func (s *Server) maybeEvict() {
	if s.storage == nil || s.evictor == nil {
		return
	}
	writes := s.storage.Writes()
	last := s.lastEvictAt.Load()
	if writes-last < writeEvictionThreshold {
		return
	}
	if !s.lastEvictAt.CompareAndSwap(last, writes) {
		return
	}
	go func() {
		removed, err := s.evictor.RunOnce(context.Background())
		if err != nil {
			s.logger.Error("write-triggered eviction failed", "error", err)
			return
		}
		if removed > 0 {
			s.logger.Info("write-triggered eviction removed entries", "removed", removed)
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok"}
	if s.storage != nil {
		payload["cache_size"] = s.storage.Hot().Size()
	}
	if s.tracker != nil {
		snap := s.tracker.Snapshot()
		payload["provider_status"] = snap.Aggregate()
		payload["providers"] = snap.ProviderStatus
		if !snap.LastErrorTime.IsZero() {
			payload["last_error_time"] = snap.LastErrorTime.UTC()
		}
		if s.tracker.Degraded() {
			payload["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		writeError(w, http.StatusServiceUnavailable, "cache is disabled")
		return
	}
	stats, err := s.storage.DB().Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_entries":     stats.TotalEntries,
		"total_hits":        stats.TotalHits,
		"total_misses":      stats.TotalMisses,
		"hit_rate":          stats.HitRate,
		"cache_age_seconds": stats.CacheAgeSeconds,
		"per_voice":         stats.PerVoice,
		"hot_cache_size":    s.storage.Hot().Size(),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		writeError(w, http.StatusServiceUnavailable, "cache is disabled")
		return
	}
	cleared, err := s.storage.Clear(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("cache cleared", "entries", cleared)
	writeJSON(w, http.StatusOK, map[string]any{"cleared_entries": cleared})
}

func (s *Server) handleFillerList(w http.ResponseWriter, r *http.Request) {
	if s.fillers == nil {
		writeError(w, http.StatusServiceUnavailable, "fillers are not configured")
		return
	}
	voice := r.URL.Query().Get("voice_id")
	if voice == "" {
		voice = s.defaultVoice
	}
	writeJSON(w, http.StatusOK, map[string]any{"fillers": s.fillers.List(voice)})
}

func (s *Server) handleFillerGenerate(w http.ResponseWriter, r *http.Request) {
	if s.fillers == nil {
		writeError(w, http.StatusServiceUnavailable, "fillers are not configured")
		return
	}
	var body struct {
		VoiceID string `json:"voice_id"`
	}
	// An empty body means "use the default voice".
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.VoiceID == "" {
		body.VoiceID = s.defaultVoice
	}
	results := s.fillers.GenerateAll(r.Context(), body.VoiceID)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleFillerPool(w http.ResponseWriter, r *http.Request) {
	if s.fillers == nil {
		writeError(w, http.StatusServiceUnavailable, "fillers are not configured")
		return
	}
	names, err := s.fillers.PoolNames()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"fillers": names})
}

func (s *Server) handleFillerDownload(w http.ResponseWriter, r *http.Request) {
	if s.fillers == nil {
		writeError(w, http.StatusServiceUnavailable, "fillers are not configured")
		return
	}
	name := r.PathValue("name")
	path, contentType, ok := s.fillers.Resolve(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("filler %q not found", name))
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	etag := fillerETag(info.ModTime().UnixNano(), info.Size())
	if match := r.Header.Get("If-None-Match"); match != "" && trimQuotes(match) == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+etag+`"`)
	w.Write(data)
}

// fillerETag derives a weak validator from the file's mtime and size.
func fillerETag(mtimeNanos, size int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d:%d", mtimeNanos, size)))
	return hex.EncodeToString(sum[:])
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
