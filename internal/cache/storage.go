package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	natomic "github.com/natefinch/atomic"

	"github.com/cachevoice/cachevoice/internal/metadata"
)

// Reason codes attached to every lookup outcome.
const (
	ReasonExactHit = "exact_hit"
	ReasonFuzzyHit = "fuzzy_hit"
	ReasonMiss     = "miss"
)

// LookupResult describes one cache lookup.
type LookupResult struct {
	// Path is the audio file to serve. Empty on a miss.
	Path string

	// TextNormalized is the normalized form of the request text. On a
	// fuzzy hit this is still the REQUEST's normalized text; MatchedText
	// carries the cached key that matched.
	TextNormalized string

	// MatchedText is the cached normalized text the hit resolved to.
	// Equal to TextNormalized on an exact hit, empty on a miss.
	MatchedText string

	// Reason is one of the Reason* constants.
	Reason string

	// Score is the fuzzy similarity score, 0 unless Reason is a fuzzy hit.
	Score int
}

// Storage is the cache facade: it composes the normalizer, the hot index,
// the fuzzy matcher, the on-disk audio store, and the metadata database
// behind two operations, Lookup and Store.
type Storage struct {
	hot *HotIndex
	db  *metadata.DB

	audioDir     string
	normCfg      NormalizeConfig
	fuzzy        *FuzzyMatcher // nil when fuzzy matching is disabled
	varietyDepth int
	logger       *slog.Logger

	// writes counts successful Store calls since process start; the app
	// uses it to trigger an eviction pass every N writes.
	writes atomic.Int64
}

// StorageOption customizes a Storage.
type StorageOption func(*Storage)

// WithNormalizeConfig overrides the normalization stages.
func WithNormalizeConfig(cfg NormalizeConfig) StorageOption {
	return func(s *Storage) { s.normCfg = cfg }
}

// WithFuzzyMatcher enables fuzzy fallback lookups.
func WithFuzzyMatcher(m *FuzzyMatcher) StorageOption {
	return func(s *Storage) { s.fuzzy = m }
}

// WithVarietyDepth sets how many renderings per (text, voice) pair Store
// keeps. Values below 1 are clamped to 1.
func WithVarietyDepth(depth int) StorageOption {
	return func(s *Storage) {
		if depth < 1 {
			depth = 1
		}
		s.varietyDepth = depth
	}
}

// WithStorageLogger sets the logger.
func WithStorageLogger(logger *slog.Logger) StorageOption {
	return func(s *Storage) { s.logger = logger }
}

// NewStorage creates the facade over an already-open metadata DB. The audio
// directory is created if missing.
func NewStorage(db *metadata.DB, hot *HotIndex, audioDir string, opts ...StorageOption) (*Storage, error) {
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create audio directory: %w", err)
	}
	s := &Storage{
		hot:          hot,
		db:           db,
		audioDir:     audioDir,
		normCfg:      DefaultNormalizeConfig,
		varietyDepth: 1,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Normalize applies the configured normalization to text.
func (s *Storage) Normalize(text string) string {
	return Normalize(text, s.normCfg)
}

// AudioDir returns the root directory of the audio store.
func (s *Storage) AudioDir() string { return s.audioDir }

// Hot returns the in-memory index.
func (s *Storage) Hot() *HotIndex { return s.hot }

// DB returns the metadata database.
func (s *Storage) DB() *metadata.DB { return s.db }

// Writes returns the number of successful Store calls since process start.
func (s *Storage) Writes() int64 { return s.writes.Load() }

// Lookup resolves text for a voice: normalize, then exact hot-index hit,
// then fuzzy (when enabled), then miss. Hits bump the hit count of every
// version of the matched text; misses bump the in-memory miss counter.
func (s *Storage) Lookup(ctx context.Context, text, voiceID string) LookupResult {
	norm := s.Normalize(text)
	res := LookupResult{TextNormalized: norm, Reason: ReasonMiss}
	if norm == "" {
		s.db.RecordMiss()
		return res
	}

	if path, ok := s.hot.ExactLookup(norm, voiceID); ok {
		res.Path = path
		res.MatchedText = norm
		res.Reason = ReasonExactHit
		s.recordHit(ctx, norm, voiceID)
		return res
	}

	if s.fuzzy != nil {
		if m, ok := s.fuzzy.BestMatch(norm, voiceID); ok {
			if path, ok := s.hot.ExactLookup(m.TextNormalized, voiceID); ok {
				res.Path = path
				res.MatchedText = m.TextNormalized
				res.Reason = ReasonFuzzyHit
				res.Score = m.Score
				s.recordHit(ctx, m.TextNormalized, voiceID)
				return res
			}
		}
	}

	s.db.RecordMiss()
	return res
}

func (s *Storage) recordHit(ctx context.Context, textNormalized, voiceID string) {
	// Version 0 bumps every version of the pair.
	if err := s.db.RecordHit(ctx, textNormalized, voiceID, 0); err != nil {
		s.logger.Warn("failed to record cache hit",
			"voice", voiceID,
			"error", err)
	}
}

// Store persists an audio rendering for (text, voice): the file is written
// atomically first, then the metadata row. When the pair already holds
// varietyDepth versions, the next Store lands on the last version slot and
// the unique constraint resolves the write to the existing row.
//
// Concurrent writers for the same key are safe: both write the same
// deterministic filename and the loser of the DB race adopts the winner's
// row.
func (s *Storage) Store(ctx context.Context, text, voiceID, format string, data []byte) (string, error) {
	norm := s.Normalize(text)
	if norm == "" {
		return "", errors.New("cache: cannot store empty normalized text")
	}

	count, err := s.db.VersionCount(ctx, norm, voiceID)
	if err != nil {
		return "", err
	}
	version := count + 1
	if version > s.varietyDepth {
		version = s.varietyDepth
	}

	path := s.audioPath(norm, voiceID, version, format)
	if err := natomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("cache: write audio file: %w", err)
	}

	_, err = s.db.AddEntry(ctx, metadata.Entry{
		TextNormalized: norm,
		VoiceID:        voiceID,
		VersionNum:     version,
		AudioPath:      path,
		Format:         format,
		SizeBytes:      int64(len(data)),
	})
	if err != nil {
		// Keep the tiers consistent: no row, no file. Only a freshly created
		// version slot is unlinked; a re-store at the cap rewrote a file an
		// existing row still references.
		if version > count {
			os.Remove(path)
		}
		return "", err
	}

	s.hot.Add(norm, voiceID, path)
	s.writes.Add(1)
	return path, nil
}

// audioPath builds the deterministic on-disk path for a rendering. Version
// 1 keys on text|voice alone so upgraded caches keep their v1 filenames.
func (s *Storage) audioPath(textNormalized, voiceID string, version int, format string) string {
	key := textNormalized + "|" + voiceID
	if version > 1 {
		key += "|v" + strconv.Itoa(version)
	}
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.audioDir, hex.EncodeToString(sum[:])+"."+format)
}

// Forget drops the (text, voice) pair from the hot index and removes its
// rows and files. Used by the hit path when a cached file has vanished.
func (s *Storage) Forget(ctx context.Context, textNormalized, voiceID string) {
	s.hot.Remove(textNormalized, voiceID)

	entries, err := s.db.AllEntries(ctx)
	if err != nil {
		s.logger.Warn("failed to list entries while forgetting pair", "error", err)
		return
	}
	var ids []int64
	for _, e := range entries {
		if e.TextNormalized == textNormalized && e.VoiceID == voiceID {
			ids = append(ids, e.ID)
			if err := os.Remove(e.AudioPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("failed to remove audio file",
					"path", e.AudioPath,
					"error", err)
			}
		}
	}
	if err := s.db.DeleteByIDs(ctx, ids); err != nil {
		s.logger.Warn("failed to delete forgotten rows", "error", err)
	}
}

// Clear empties the whole cache: every row, every referenced file, and the
// hot index. Missing files are not errors.
func (s *Storage) Clear(ctx context.Context) (int, error) {
	paths, err := s.db.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove audio file during clear",
				"path", p,
				"error", err)
		}
	}
	s.hot.Clear()
	return len(paths), nil
}

// LoadHot populates the hot index from the metadata database. Rows whose
// audio file has vanished are skipped with a warning; the reconciler deals
// with them.
func (s *Storage) LoadHot(ctx context.Context) error {
	entries, err := s.db.AllEntries(ctx)
	if err != nil {
		return err
	}
	loaded, skipped := 0, 0
	for _, e := range entries {
		if _, err := os.Stat(e.AudioPath); err != nil {
			skipped++
			continue
		}
		s.hot.Add(e.TextNormalized, e.VoiceID, e.AudioPath)
		loaded++
	}
	s.logger.Info("hot index loaded",
		"entries", loaded,
		"skipped_missing_files", skipped)
	return nil
}
