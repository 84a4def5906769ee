package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cachevoice/cachevoice/internal/cache"
	"github.com/cachevoice/cachevoice/internal/gateway"
	"github.com/cachevoice/cachevoice/internal/metadata"
	"github.com/cachevoice/cachevoice/pkg/provider/tts"
	"github.com/cachevoice/cachevoice/pkg/provider/tts/mock"
)

func newTestStorage(t *testing.T, opts ...cache.StorageOption) *cache.Storage {
	t.Helper()

	dir := t.TempDir()
	db, err := metadata.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("open metadata db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := cache.NewStorage(db, cache.NewHotIndex(3), filepath.Join(dir, "audio"), opts...)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return s
}

func newTestOrchestrator(p tts.Provider) *gateway.Orchestrator {
	o := gateway.New()
	o.Add("mock", p)
	return o
}

func TestSpeak_MissThenExactHit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &mock.Provider{SynthesizeResult: []byte("mp3-bytes")}
	storage := newTestStorage(t)
	p := New(storage, newTestOrchestrator(provider))

	req := Request{Text: "Merhaba dünya", Voice: "v1"}

	first, err := p.Speak(ctx, req)
	if err != nil {
		t.Fatalf("first speak: %v", err)
	}
	if first.CacheHit || first.Reason != ReasonMiss {
		t.Errorf("first = hit=%v reason=%q, want miss", first.CacheHit, first.Reason)
	}
	if first.Provider != "mock" {
		t.Errorf("provider = %q, want mock", first.Provider)
	}
	if string(first.Audio) != "mp3-bytes" {
		t.Errorf("audio = %q", first.Audio)
	}

	second, err := p.Speak(ctx, req)
	if err != nil {
		t.Fatalf("second speak: %v", err)
	}
	if !second.CacheHit || second.Reason != cache.ReasonExactHit {
		t.Errorf("second = hit=%v reason=%q, want exact hit", second.CacheHit, second.Reason)
	}
	if second.Provider != "" {
		t.Errorf("provider = %q, want empty on a hit", second.Provider)
	}
	if got := provider.CallCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestSpeak_NilStorageBypassesCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &mock.Provider{SynthesizeResult: []byte("audio")}
	p := New(nil, newTestOrchestrator(provider))

	for i := 1; i <= 2; i++ {
		res, err := p.Speak(ctx, Request{Text: "merhaba", Voice: "v1"})
		if err != nil {
			t.Fatalf("speak %d: %v", i, err)
		}
		if res.CacheHit || res.Reason != ReasonMissNoCache {
			t.Errorf("speak %d = hit=%v reason=%q, want %q", i, res.CacheHit, res.Reason, ReasonMissNoCache)
		}
	}
	if got := provider.CallCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
}

func TestSpeak_LongTextBypassesCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &mock.Provider{SynthesizeResult: []byte("audio")}
	storage := newTestStorage(t)
	p := New(storage, newTestOrchestrator(provider), WithMaxTextLength(5))

	res, err := p.Speak(ctx, Request{Text: "bu metin cok uzun", Voice: "v1"})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if res.Reason != ReasonMissTextTooLong {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonMissTextTooLong)
	}
	if got := storage.Writes(); got != 0 {
		t.Errorf("writes = %d, want 0 for bypassed text", got)
	}
	if got := storage.DB().Misses(); got != 1 {
		t.Errorf("misses = %d, want bypassed request counted", got)
	}
}

func TestSpeak_MissingFileRecovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &mock.Provider{SynthesizeResult: []byte("audio")}
	storage := newTestStorage(t)
	p := New(storage, newTestOrchestrator(provider))

	req := Request{Text: "merhaba", Voice: "v1"}
	if _, err := p.Speak(ctx, req); err != nil {
		t.Fatalf("first speak: %v", err)
	}

	// Delete the cached file behind the cache's back.
	lookup := storage.Lookup(ctx, req.Text, req.Voice)
	if lookup.Path == "" {
		t.Fatal("expected a cached path")
	}
	if err := os.Remove(lookup.Path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	res, err := p.Speak(ctx, req)
	if err != nil {
		t.Fatalf("recovery speak: %v", err)
	}
	if res.Reason != ReasonErrFileNotFound {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonErrFileNotFound)
	}
	if res.CacheHit {
		t.Error("recovery served as a cache hit")
	}
	if got := provider.CallCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}

	// The fresh rendering is cached again.
	if _, err := os.Stat(storage.Lookup(ctx, req.Text, req.Voice).Path); err != nil {
		t.Errorf("re-stored file missing: %v", err)
	}
}

func TestSpeak_UnsupportedFormat(t *testing.T) {
	t.Parallel()

	p := New(nil, newTestOrchestrator(&mock.Provider{}))
	if _, err := p.Speak(context.Background(), Request{Text: "x", Voice: "v1", Format: "flac"}); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestSpeak_ProviderErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("upstream down")
	p := New(newTestStorage(t), newTestOrchestrator(&mock.Provider{SynthesizeErr: boom}))

	_, err := p.Speak(context.Background(), Request{Text: "merhaba", Voice: "v1"})
	if !errors.Is(err, gateway.ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestWarmer_FillsVarietyPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &mock.Provider{SynthesizeResult: []byte("audio")}
	storage := newTestStorage(t, cache.WithVarietyDepth(3))
	orch := newTestOrchestrator(provider)

	warmer := NewWarmer(storage, orch, 3)
	p := New(storage, orch, WithWarmer(warmer), WithVarietyDepth(3))

	req := Request{Text: "merhaba", Voice: "v1"}
	if _, err := p.Speak(ctx, req); err != nil {
		t.Fatalf("speak: %v", err)
	}
	warmer.Wait()

	norm := storage.Normalize(req.Text)
	n, err := storage.DB().VersionCount(ctx, norm, "v1")
	if err != nil {
		t.Fatalf("version count: %v", err)
	}
	if n != 3 {
		t.Errorf("version count = %d, want 3", n)
	}
	// One foreground call plus two warm-up renderings.
	if got := provider.CallCount(); got != 3 {
		t.Errorf("provider calls = %d, want 3", got)
	}
	if got := warmer.InFlight(); got != 0 {
		t.Errorf("in flight = %d, want 0 after Wait", got)
	}
}

func TestSpeak_HitRefillsShortVarietyPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &mock.Provider{SynthesizeResult: []byte("audio")}
	storage := newTestStorage(t, cache.WithVarietyDepth(3))
	orch := newTestOrchestrator(provider)

	// Seed a single rendering, as if a previous process stored v1 and died
	// before its warm-up finished.
	req := Request{Text: "merhaba", Voice: "v1"}
	if _, err := storage.Store(ctx, req.Text, req.Voice, "mp3", []byte("audio")); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	warmer := NewWarmer(storage, orch, 3)
	p := New(storage, orch, WithWarmer(warmer), WithVarietyDepth(3))

	res, err := p.Speak(ctx, req)
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if !res.CacheHit || res.Reason != cache.ReasonExactHit {
		t.Fatalf("res = hit=%v reason=%q, want exact hit", res.CacheHit, res.Reason)
	}
	warmer.Wait()

	n, err := storage.DB().VersionCount(ctx, storage.Normalize(req.Text), "v1")
	if err != nil {
		t.Fatalf("version count: %v", err)
	}
	if n != 3 {
		t.Errorf("version count = %d, want the hit to refill the pool to 3", n)
	}
	// Two warm-up renderings; the request itself was served from the cache.
	if got := provider.CallCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
}

func TestSpeak_HitAtFullDepthDoesNotWarm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &mock.Provider{SynthesizeResult: []byte("audio")}
	storage := newTestStorage(t, cache.WithVarietyDepth(2))
	orch := newTestOrchestrator(provider)
	warmer := NewWarmer(storage, orch, 2)
	p := New(storage, orch, WithWarmer(warmer), WithVarietyDepth(2))

	req := Request{Text: "merhaba", Voice: "v1"}
	if _, err := p.Speak(ctx, req); err != nil {
		t.Fatalf("miss speak: %v", err)
	}
	warmer.Wait()

	before := provider.CallCount()
	if _, err := p.Speak(ctx, req); err != nil {
		t.Fatalf("hit speak: %v", err)
	}
	warmer.Wait()
	if got := provider.CallCount(); got != before {
		t.Errorf("provider calls = %d, want %d (full pool must not re-warm)", got, before)
	}
}

func TestWarmer_FailureStopsQuietly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	calls := 0
	provider := &mock.Provider{
		SynthesizeFunc: func(ctx context.Context, req tts.Request) ([]byte, error) {
			calls++
			if calls == 1 {
				return []byte("audio"), nil
			}
			return nil, errors.New("quota exceeded")
		},
	}
	storage := newTestStorage(t, cache.WithVarietyDepth(2))
	orch := newTestOrchestrator(provider)
	warmer := NewWarmer(storage, orch, 2)
	p := New(storage, orch, WithWarmer(warmer), WithVarietyDepth(2))

	res, err := p.Speak(ctx, Request{Text: "merhaba", Voice: "v1"})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if res.Reason != ReasonMiss {
		t.Errorf("reason = %q, want miss", res.Reason)
	}
	warmer.Wait()

	// The warm-up failure left the pool at one version; the request itself
	// was unaffected.
	n, err := storage.DB().VersionCount(ctx, storage.Normalize("merhaba"), "v1")
	if err != nil {
		t.Fatalf("version count: %v", err)
	}
	if n != 1 {
		t.Errorf("version count = %d, want 1", n)
	}
}

func TestWarmer_EmptyTextIgnored(t *testing.T) {
	t.Parallel()

	storage := newTestStorage(t)
	warmer := NewWarmer(storage, newTestOrchestrator(&mock.Provider{}), 2)

	warmer.Schedule(Request{Text: "  !!! ", Voice: "v1"})
	warmer.Wait()
	if got := warmer.InFlight(); got != 0 {
		t.Errorf("in flight = %d, want 0", got)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	if got := preview("short"); got != "short" {
		t.Errorf("preview = %q", got)
	}
	long := ""
	for range 60 {
		long += "a"
	}
	got := preview(long)
	if len([]rune(got)) != textPreviewLen+1 {
		t.Errorf("preview length = %d runes, want %d", len([]rune(got)), textPreviewLen+1)
	}
}
