package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestMiddleware builds a Middleware over isolated metric and trace
// providers and returns the readers for inspecting what it recorded.
func newTestMiddleware(t *testing.T) (func(http.Handler) http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	return Middleware(m), reader, exp
}

func TestMiddleware_CorrelationIDHeader(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	var inHandler string
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if inHandler == "" || len(inHandler) != 32 {
		t.Fatalf("correlation ID in handler = %q, want 32 hex chars", inHandler)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inHandler {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inHandler)
	}
}

func TestMiddleware_ContinuesCallerTrace(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	var inHandler string
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/audio/speech", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	const want = "4bf92f3577b34da6a3ce929d0e0e4736"
	if inHandler != want {
		t.Errorf("correlation ID = %q, want the caller's trace ID %q", inHandler, want)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != want {
		t.Errorf("X-Correlation-ID = %q, want %q", got, want)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	mw, reader, _ := newTestMiddleware(t)

	h := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "cachevoice.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("duration metric has no data points")
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	foundMethod, foundPath := false, false
	for _, kv := range dp.Attributes.ToSlice() {
		switch {
		case string(kv.Key) == "method" && kv.Value.AsString() == http.MethodGet:
			foundMethod = true
		case string(kv.Key) == "path" && kv.Value.AsString() == "/v1/cache/stats":
			foundPath = true
		}
	}
	if !foundMethod || !foundPath {
		t.Errorf("attributes incomplete: method=%v path=%v", foundMethod, foundPath)
	}
}

func TestMiddleware_SpanCarriesStatusAndCacheReason(t *testing.T) {
	mw, _, exp := newTestMiddleware(t)

	h := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Cache-Reason", "exact_hit")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("mp3-audio"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/audio/speech", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP POST /v1/audio/speech" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	gotStatus, gotReason := false, false
	for _, a := range spans[0].Attributes {
		switch {
		case string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 200:
			gotStatus = true
		case string(a.Key) == "cache.reason" && a.Value.AsString() == "exact_hit":
			gotReason = true
		}
	}
	if !gotStatus {
		t.Error("span missing http.response.status_code")
	}
	if !gotReason {
		t.Error("span missing cache.reason")
	}
}

func TestMiddleware_CapturesErrorStatus(t *testing.T) {
	mw, _, exp := newTestMiddleware(t)

	h := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/audio/speech", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 503 {
			found = true
		}
	}
	if !found {
		t.Error("span missing the error status code")
	}
}
