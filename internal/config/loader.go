package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownProviders lists the TTS provider names the server can construct.
// Used by [Validate] to reject unbuildable fallback chains.
var KnownProviders = []string{"openai", "elevenlabs", "minimax", "mock"}

// KnownScorers lists the fuzzy scorer names. Unknown names are accepted
// with a warning; the matcher falls back to its default.
var KnownScorers = []string{"ratio", "partial_ratio", "token_sort_ratio", "token_set_ratio", "jaro_winkler"}

// envPlaceholderRe matches ${VAR_NAME} placeholders in config values.
var envPlaceholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, resolves environment
// placeholders, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ResolveEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveEnv replaces ${VAR} placeholders in provider credentials and URLs
// with the environment's values. Placeholders whose variable is unset are
// left as-is, which downstream credential checks treat as "no credentials".
func ResolveEnv(cfg *Config) {
	for name, pc := range cfg.Providers.Configs {
		pc.APIKey = resolvePlaceholders(pc.APIKey)
		pc.BaseURL = resolvePlaceholders(pc.BaseURL)
		cfg.Providers.Configs[name] = pc
	}
}

func resolvePlaceholders(s string) string {
	return envPlaceholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Cache.Enabled {
		if cfg.Cache.AudioDir == "" {
			errs = append(errs, errors.New("cache.audio_dir is required when the cache is enabled"))
		}
		if cfg.Cache.DBPath == "" {
			errs = append(errs, errors.New("cache.db_path is required when the cache is enabled"))
		}
		if cfg.Cache.MaxEntries <= 0 {
			errs = append(errs, fmt.Errorf("cache.max_entries %d must be positive", cfg.Cache.MaxEntries))
		}
		if cfg.Cache.MinAgeDays < 0 {
			errs = append(errs, fmt.Errorf("cache.min_age_days %d must not be negative", cfg.Cache.MinAgeDays))
		}
		if cfg.Cache.MaxTextLength <= 0 {
			errs = append(errs, fmt.Errorf("cache.max_text_length %d must be positive", cfg.Cache.MaxTextLength))
		}
		if cfg.Cache.VarietyDepth < 1 {
			errs = append(errs, fmt.Errorf("cache.variety_depth %d must be at least 1", cfg.Cache.VarietyDepth))
		}
		if cfg.Cache.CleanupIntervalHours <= 0 {
			errs = append(errs, fmt.Errorf("cache.cleanup_interval_hours %d must be positive", cfg.Cache.CleanupIntervalHours))
		}
		if t := cfg.Cache.Fuzzy.Threshold; t < 0 || t > 100 {
			errs = append(errs, fmt.Errorf("cache.fuzzy.threshold %d is out of range [0, 100]", t))
		}
		if s := cfg.Cache.Fuzzy.Scorer; s != "" && !slices.Contains(KnownScorers, s) {
			slog.Warn("unknown fuzzy scorer, the default will be used",
				"scorer", s,
				"known", KnownScorers)
		}
	}

	if len(cfg.Providers.FallbackChain) == 0 {
		errs = append(errs, errors.New("providers.fallback_chain must name at least one provider"))
	}
	seen := make(map[string]bool, len(cfg.Providers.FallbackChain))
	for i, name := range cfg.Providers.FallbackChain {
		prefix := fmt.Sprintf("providers.fallback_chain[%d]", i)
		if !slices.Contains(KnownProviders, name) {
			errs = append(errs, fmt.Errorf("%s: unknown provider %q; valid values: %v", prefix, name, KnownProviders))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("%s: provider %q appears twice in the chain", prefix, name))
		}
		seen[name] = true
	}

	return errors.Join(errs...)
}
