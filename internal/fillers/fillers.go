// Package fillers manages the pool of short acknowledgement phrases that a
// voice agent plays while a slow answer is being prepared. Fillers are
// synthesized once per voice through the regular provider chain, cached
// like any other text, and additionally written as named files under
// <audio_dir>/fillers/ for direct download.
package fillers

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cachevoice/cachevoice/internal/cache"
	"github.com/cachevoice/cachevoice/internal/gateway"
	"github.com/cachevoice/cachevoice/pkg/provider/tts"
)

// Template is one filler phrase.
type Template struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// DefaultTemplates is the built-in Turkish phrase pool.
var DefaultTemplates = []Template{
	{ID: "ack_listening", Text: "Evet, dinliyorum"},
	{ID: "ack_thinking", Text: "Hmm, bir saniye"},
	{ID: "ack_searching", Text: "Bakıyorum"},
	{ID: "ack_found", Text: "Buldum, bir saniye"},
	{ID: "ack_analyzing", Text: "Analiz ediyorum"},
	{ID: "ack_summarizing", Text: "Özetliyorum"},
	{ID: "ack_started", Text: "Hemen bakıyorum"},
	{ID: "ack_wait", Text: "Bir dakika"},
}

// Generation statuses reported by GenerateAll.
const (
	StatusExists    = "exists"
	StatusGenerated = "generated"
	StatusError     = "error"
)

// Result is the outcome for one template during generation.
type Result struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Info describes one template's cache state for listing.
type Info struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Cached    bool   `json:"cached"`
	AudioPath string `json:"audio_path,omitempty"`
}

// Manager generates and lists the filler pool.
type Manager struct {
	storage   *cache.Storage
	orch      *gateway.Orchestrator
	templates []Template
	logger    *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTemplates replaces the built-in phrase pool.
func WithTemplates(templates []Template) Option {
	return func(m *Manager) {
		if len(templates) > 0 {
			m.templates = templates
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New creates a Manager over the cache storage and provider chain.
func New(storage *cache.Storage, orch *gateway.Orchestrator, opts ...Option) *Manager {
	m := &Manager{
		storage:   storage,
		orch:      orch,
		templates: DefaultTemplates,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Templates returns the configured phrase pool.
func (m *Manager) Templates() []Template {
	out := make([]Template, len(m.templates))
	copy(out, m.templates)
	return out
}

// PoolDir is the directory of named filler files under the audio store.
func (m *Manager) PoolDir() string {
	return filepath.Join(m.storage.AudioDir(), "fillers")
}

// GenerateAll synthesizes every template that is not yet cached for the
// voice. One template failing does not stop the rest; its Result carries
// the error string.
func (m *Manager) GenerateAll(ctx context.Context, voiceID string) []Result {
	results := make([]Result, 0, len(m.templates))
	for _, tmpl := range m.templates {
		res := Result{ID: tmpl.ID, Text: tmpl.Text}

		norm := m.storage.Normalize(tmpl.Text)
		if _, ok := m.storage.Hot().ExactLookup(norm, voiceID); ok {
			m.logger.Info("filler already cached", "filler", tmpl.ID, "voice", voiceID)
			res.Status = StatusExists
			results = append(results, res)
			continue
		}

		data, _, err := m.orch.Synthesize(ctx, tts.Request{
			Text:   tmpl.Text,
			Voice:  voiceID,
			Format: "mp3",
		})
		if err != nil {
			m.logger.Error("failed to generate filler",
				"filler", tmpl.ID,
				"voice", voiceID,
				"error", err)
			res.Status = StatusError
			res.Error = err.Error()
			results = append(results, res)
			continue
		}

		if _, err := m.storage.Store(ctx, tmpl.Text, voiceID, "mp3", data); err != nil {
			res.Status = StatusError
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		if err := m.writeNamed(tmpl.ID, data); err != nil {
			m.logger.Warn("failed to write named filler copy",
				"filler", tmpl.ID,
				"error", err)
		}

		m.logger.Info("generated filler", "filler", tmpl.ID, "voice", voiceID)
		res.Status = StatusGenerated
		results = append(results, res)
	}
	return results
}

// writeNamed drops a named copy into the pool directory for the download
// endpoint.
func (m *Manager) writeNamed(id string, data []byte) error {
	dir := m.PoolDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, id+".mp3"), data, 0o644)
}

// List reports each template's cache state for the voice.
func (m *Manager) List(voiceID string) []Info {
	infos := make([]Info, 0, len(m.templates))
	for _, tmpl := range m.templates {
		info := Info{ID: tmpl.ID, Text: tmpl.Text}
		norm := m.storage.Normalize(tmpl.Text)
		if path, ok := m.storage.Hot().ExactLookup(norm, voiceID); ok {
			info.Cached = true
			info.AudioPath = path
		}
		infos = append(infos, info)
	}
	return infos
}

// PoolNames lists the named files in the pool directory, sorted, without
// extensions. A missing directory is an empty pool.
func (m *Manager) PoolNames() ([]string, error) {
	entries, err := os.ReadDir(m.PoolDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".mp3" && ext != ".ogg" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

// Resolve finds the pool file for a named filler, trying .mp3 then .ogg.
// ok is false when neither exists. Names carrying a path separator are
// rejected so a crafted URL segment cannot escape the pool directory.
func (m *Manager) Resolve(name string) (path, contentType string, ok bool) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", "", false
	}
	for _, c := range []struct{ ext, mime string }{
		{".mp3", "audio/mpeg"},
		{".ogg", "audio/ogg"},
	} {
		p := filepath.Join(m.PoolDir(), name+c.ext)
		if _, err := os.Stat(p); err == nil {
			return p, c.mime, true
		}
	}
	return "", "", false
}
