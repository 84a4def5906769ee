// Package metadata provides the SQLite-backed metadata store for cache
// entries. It uses modernc.org/sqlite for pure-Go, CGO-free database access.
//
// The database is the single source of truth for what the cache holds.
// Concurrent inserts for the same (text, voice, version) key compete through
// the UNIQUE constraint rather than any file-level lock: AddEntry performs
// an INSERT OR IGNORE and, when the insert was ignored, returns the id of
// the row that won the race.
package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB wraps the SQLite connection plus the process-local miss counter.
// All methods are safe for concurrent use.
type DB struct {
	db *sql.DB

	// misses counts cache misses since process start. It is deliberately
	// not persisted: hit_rate is a live signal, not a historical one.
	misses atomic.Int64
}

// Entry is one persisted cache record.
type Entry struct {
	ID             int64
	TextNormalized string
	VoiceID        string
	VersionNum     int
	AudioPath      string
	Format         string
	SizeBytes      int64
	CreatedAt      time.Time
	HitCount       int64
}

// Candidate is one row eligible for eviction.
type Candidate struct {
	ID             int64
	AudioPath      string
	TextNormalized string
	VoiceID        string
}

// VoiceStats is the per-voice slice of Stats.
type VoiceStats struct {
	Entries   int64 `json:"entries"`
	Hits      int64 `json:"hits"`
	SizeBytes int64 `json:"size_bytes"`
}

// Stats is the payload behind GET /v1/cache/stats.
type Stats struct {
	TotalEntries    int64                 `json:"total_entries"`
	TotalHits       int64                 `json:"total_hits"`
	TotalMisses     int64                 `json:"total_misses"`
	HitRate         float64               `json:"hit_rate"`
	CacheAgeSeconds int64                 `json:"cache_age_seconds"`
	PerVoice        map[string]VoiceStats `json:"per_voice"`
}

// Open creates (or opens) the SQLite database at path, configures the
// connection for single-writer use, and brings the schema up to the current
// version. The parent directory is created if missing.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("metadata: create db directory: %w", err)
	}

	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metadata: open database: %w", err)
	}

	// SQLite works best with a single writer connection.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	d := &DB{db: sqldb}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := sqldb.Exec(pragma); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("metadata: execute %s: %w", pragma, err)
		}
	}

	if err := d.migrate(); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("metadata: migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// AddEntry inserts a cache entry and returns its id. When another writer has
// already inserted a row for the same (text_normalized, voice_id,
// version_num) key, the insert is ignored and the existing row's id is
// returned instead; AddEntry never fails with a duplicate-key error.
func (d *DB) AddEntry(ctx context.Context, e Entry) (int64, error) {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	version := e.VersionNum
	if version < 1 {
		version = 1
	}

	res, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_entries
		   (text_normalized, voice_id, version_num, audio_path, format, size_bytes, created_at, hit_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		e.TextNormalized, e.VoiceID, version, e.AudioPath, e.Format, e.SizeBytes, createdAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("metadata: add entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("metadata: add entry rows affected: %w", err)
	}
	if affected > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("metadata: add entry last id: %w", err)
		}
		return id, nil
	}

	// Lost the unique-key race: return the winner's id.
	var id int64
	err = d.db.QueryRowContext(ctx,
		`SELECT id FROM cache_entries
		 WHERE text_normalized = ? AND voice_id = ? AND version_num = ?`,
		e.TextNormalized, e.VoiceID, version).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("metadata: resolve racing entry: %w", err)
	}
	return id, nil
}

// EntryByKey returns the row for the exact (text_normalized, voice_id,
// version_num) key, or sql.ErrNoRows wrapped if absent.
func (d *DB) EntryByKey(ctx context.Context, textNormalized, voiceID string, versionNum int) (*Entry, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, text_normalized, voice_id, version_num, audio_path, format, size_bytes, created_at, hit_count
		 FROM cache_entries
		 WHERE text_normalized = ? AND voice_id = ? AND version_num = ?`,
		textNormalized, voiceID, versionNum)
	return scanEntry(row)
}

// RecordHit increments hit_count for the matching row(s). A versionNum of 0
// increments every version of the (text, voice) pair, the legacy behavior
// the lookup path relies on; a positive versionNum targets one row.
// Incrementing a row that eviction just deleted is a silent no-op.
func (d *DB) RecordHit(ctx context.Context, textNormalized, voiceID string, versionNum int) error {
	var err error
	if versionNum > 0 {
		_, err = d.db.ExecContext(ctx,
			`UPDATE cache_entries SET hit_count = hit_count + 1
			 WHERE text_normalized = ? AND voice_id = ? AND version_num = ?`,
			textNormalized, voiceID, versionNum)
	} else {
		_, err = d.db.ExecContext(ctx,
			`UPDATE cache_entries SET hit_count = hit_count + 1
			 WHERE text_normalized = ? AND voice_id = ?`,
			textNormalized, voiceID)
	}
	if err != nil {
		return fmt.Errorf("metadata: record hit: %w", err)
	}
	return nil
}

// RecordMiss bumps the process-local miss counter.
func (d *DB) RecordMiss() {
	d.misses.Add(1)
}

// Misses returns the number of misses recorded since process start.
func (d *DB) Misses() int64 {
	return d.misses.Load()
}

// VersionCount returns how many versions exist for the (text, voice) pair.
func (d *DB) VersionCount(ctx context.Context, textNormalized, voiceID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE text_normalized = ? AND voice_id = ?`,
		textNormalized, voiceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("metadata: version count: %w", err)
	}
	return n, nil
}

// EvictionCandidates returns rows eligible for eviction: every row older
// than minAge, plus, when the live row count exceeds maxEntries, the
// lowest-hit_count rows beyond the cap. The result is deduplicated by id.
func (d *DB) EvictionCandidates(ctx context.Context, maxEntries int, minAge time.Duration) ([]Candidate, error) {
	cutoff := time.Now().Add(-minAge).Unix()

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, audio_path, text_normalized, voice_id FROM cache_entries
		 WHERE created_at < ? ORDER BY created_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("metadata: age candidates: %w", err)
	}
	candidates, seen, err := collectCandidates(rows, nil, nil)
	if err != nil {
		return nil, err
	}

	var total int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries`).Scan(&total); err != nil {
		return nil, fmt.Errorf("metadata: count entries: %w", err)
	}

	overflow := total - len(candidates) - maxEntries
	if overflow > 0 {
		rows, err := d.db.QueryContext(ctx,
			`SELECT id, audio_path, text_normalized, voice_id FROM cache_entries
			 ORDER BY hit_count ASC, id ASC LIMIT ?`, overflow+len(candidates))
		if err != nil {
			return nil, fmt.Errorf("metadata: overflow candidates: %w", err)
		}
		// The overflow query may return rows already picked by age; the
		// extra LIMIT headroom plus the seen-set keeps exactly `overflow`
		// new rows.
		candidates, _, err = collectCandidates(rows, candidates, seen)
		if err != nil {
			return nil, err
		}
		if excess := len(candidates) - (total - maxEntries); excess > 0 {
			candidates = candidates[:len(candidates)-excess]
		}
	}
	return candidates, nil
}

// collectCandidates scans rows into dst, skipping ids already in seen.
func collectCandidates(rows *sql.Rows, dst []Candidate, seen map[int64]bool) ([]Candidate, map[int64]bool, error) {
	defer rows.Close()
	if seen == nil {
		seen = make(map[int64]bool)
	}
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.AudioPath, &c.TextNormalized, &c.VoiceID); err != nil {
			return nil, nil, fmt.Errorf("metadata: scan candidate: %w", err)
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		dst = append(dst, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("metadata: iterate candidates: %w", err)
	}
	return dst, seen, nil
}

// DeleteByIDs bulk-deletes the given rows. An empty slice is a no-op.
func (d *DB) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("metadata: delete entries: %w", err)
	}
	return nil
}

// DeleteAll removes every row and returns the audio paths the rows pointed
// at, so the caller can remove the files too.
func (d *DB) DeleteAll(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT audio_path FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("metadata: list paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("metadata: scan path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: iterate paths: %w", err)
	}

	if _, err := d.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return nil, fmt.Errorf("metadata: delete all: %w", err)
	}
	return paths, nil
}

// AllEntries returns every row with its id. Used by the hot index loader
// and the integrity reconciler at startup.
func (d *DB) AllEntries(ctx context.Context) ([]Entry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, text_normalized, voice_id, version_num, audio_path, format, size_bytes, created_at, hit_count
		 FROM cache_entries ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("metadata: all entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: iterate entries: %w", err)
	}
	return entries, nil
}

// Stats computes the aggregate cache statistics, including the per-voice
// breakdown (one GROUP BY pass) and the live hit rate against the
// process-local miss counter.
func (d *DB) Stats(ctx context.Context) (Stats, error) {
	s := Stats{PerVoice: make(map[string]VoiceStats)}

	var minCreated sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(hit_count), 0), MIN(created_at) FROM cache_entries`).
		Scan(&s.TotalEntries, &s.TotalHits, &minCreated)
	if err != nil {
		return Stats{}, fmt.Errorf("metadata: stats totals: %w", err)
	}
	if minCreated.Valid {
		s.CacheAgeSeconds = time.Now().Unix() - minCreated.Int64
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT voice_id, COUNT(*), COALESCE(SUM(hit_count), 0), COALESCE(SUM(size_bytes), 0)
		 FROM cache_entries GROUP BY voice_id`)
	if err != nil {
		return Stats{}, fmt.Errorf("metadata: stats per voice: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var voice string
		var vs VoiceStats
		if err := rows.Scan(&voice, &vs.Entries, &vs.Hits, &vs.SizeBytes); err != nil {
			return Stats{}, fmt.Errorf("metadata: scan voice stats: %w", err)
		}
		s.PerVoice[voice] = vs
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("metadata: iterate voice stats: %w", err)
	}

	s.TotalMisses = d.misses.Load()
	if total := s.TotalHits + s.TotalMisses; total > 0 {
		s.HitRate = math.Round(float64(s.TotalHits)/float64(total)*10000) / 10000
	}
	return s, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanEntry.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var createdAt int64
	err := row.Scan(&e.ID, &e.TextNormalized, &e.VoiceID, &e.VersionNum,
		&e.AudioPath, &e.Format, &e.SizeBytes, &createdAt, &e.HitCount)
	if err != nil {
		return nil, fmt.Errorf("metadata: scan entry: %w", err)
	}
	e.CreatedAt = time.Unix(createdAt, 0)
	return &e, nil
}

func scanEntryRows(rows *sql.Rows) (*Entry, error) {
	return scanEntry(rows)
}
