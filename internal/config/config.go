// Package config provides the configuration schema and YAML loader for the
// CacheVoice server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Providers ProvidersConfig `yaml:"providers"`
	Fillers   FillersConfig   `yaml:"fillers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8844").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// CacheConfig tunes the cache tiers, eviction, and lookup behavior.
type CacheConfig struct {
	// Enabled turns the cache off entirely when false; every request goes
	// straight to the provider chain.
	Enabled bool `yaml:"enabled"`

	// AudioDir is the root directory of the on-disk audio store.
	AudioDir string `yaml:"audio_dir"`

	// DBPath is the SQLite metadata database file.
	DBPath string `yaml:"db_path"`

	// MaxEntries caps the number of cached renderings; overflow evicts the
	// least-hit rows.
	MaxEntries int `yaml:"max_entries"`

	// MinAgeDays is the age past which entries are always evicted.
	MinAgeDays int `yaml:"min_age_days"`

	// MaxTextLength is the longest text the cache will store; longer
	// requests bypass the cache.
	MaxTextLength int `yaml:"max_text_length"`

	// VarietyDepth is how many alternate renderings to keep per
	// (text, voice) pair.
	VarietyDepth int `yaml:"variety_depth"`

	// CleanupIntervalHours is the eviction timer period.
	CleanupIntervalHours int `yaml:"cleanup_interval_hours"`

	Fuzzy     FuzzyConfig     `yaml:"fuzzy"`
	Normalize NormalizeConfig `yaml:"normalize"`
}

// MinAge returns MinAgeDays as a duration.
func (c CacheConfig) MinAge() time.Duration {
	return time.Duration(c.MinAgeDays) * 24 * time.Hour
}

// CleanupInterval returns CleanupIntervalHours as a duration.
func (c CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

// FuzzyConfig tunes near-duplicate lookup matching.
type FuzzyConfig struct {
	// Enabled turns fuzzy fallback matching on.
	Enabled bool `yaml:"enabled"`

	// Threshold is the minimum similarity score (0..100) for a match.
	Threshold int `yaml:"threshold"`

	// Scorer names the similarity algorithm: ratio, partial_ratio,
	// token_sort_ratio, token_set_ratio, or jaro_winkler.
	Scorer string `yaml:"scorer"`
}

// NormalizeConfig toggles the text normalization stages.
type NormalizeConfig struct {
	Lowercase          bool `yaml:"lowercase"`
	StripPunctuation   bool `yaml:"strip_punctuation"`
	CollapseWhitespace bool `yaml:"collapse_whitespace"`
	ReplaceNumbers     bool `yaml:"replace_numbers"`
	StripMinimax       bool `yaml:"strip_minimax"`
}

// ProvidersConfig declares the fallback chain and per-provider settings.
type ProvidersConfig struct {
	// FallbackChain lists provider names in the order they are tried.
	FallbackChain []string `yaml:"fallback_chain"`

	// Configs maps provider name to its settings.
	Configs map[string]ProviderConfig `yaml:"configs"`
}

// ProviderConfig is the common configuration block shared by all TTS
// providers.
type ProviderConfig struct {
	// APIKey authenticates against the provider. ${ENV_VAR} placeholders
	// are resolved at load time; an unresolved placeholder means the
	// provider has no credentials and is skipped when building the chain.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// DefaultVoice is used when a request names no voice.
	DefaultVoice string `yaml:"default_voice"`

	// DefaultModel is used when a request names no model.
	DefaultModel string `yaml:"default_model"`

	// TimeoutSeconds bounds a single synthesis call.
	TimeoutSeconds int `yaml:"timeout_s"`
}

// Timeout returns TimeoutSeconds as a duration, defaulting to 15s.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// FillersConfig tunes the pre-generated filler phrase pool.
type FillersConfig struct {
	// AutoGenerateOnStartup synthesizes any missing filler phrases when
	// the server boots.
	AutoGenerateOnStartup bool `yaml:"auto_generate_on_startup"`

	// VoiceID is the voice fillers are generated with; empty uses the
	// first chain provider's default voice.
	VoiceID string `yaml:"voice_id"`

	// Templates overrides the built-in filler phrase list.
	Templates []string `yaml:"templates"`
}

// Default returns the configuration used when no file is given: cache on,
// local data directory, all normalization stages enabled, fuzzy off.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8844",
			LogLevel:   LogInfo,
		},
		Cache: CacheConfig{
			Enabled:              true,
			AudioDir:             "./data/audio",
			DBPath:               "./data/cache.db",
			MaxEntries:           50000,
			MinAgeDays:           7,
			MaxTextLength:        500,
			VarietyDepth:         1,
			CleanupIntervalHours: 1,
			Fuzzy: FuzzyConfig{
				Enabled:   false,
				Threshold: 90,
				Scorer:    "token_sort_ratio",
			},
			Normalize: NormalizeConfig{
				Lowercase:          true,
				StripPunctuation:   true,
				CollapseWhitespace: true,
				ReplaceNumbers:     true,
				StripMinimax:       true,
			},
		},
		Providers: ProvidersConfig{
			FallbackChain: []string{"openai"},
			Configs:       map[string]ProviderConfig{},
		},
	}
}
