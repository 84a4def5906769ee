package metadata

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addTestEntry(t *testing.T, db *DB, e Entry) int64 {
	t.Helper()
	id, err := db.AddEntry(context.Background(), e)
	if err != nil {
		t.Fatalf("add entry: %v", err)
	}
	return id
}

func TestAddEntry_DuplicateKeyReturnsWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	e := Entry{
		TextNormalized: "merhaba",
		VoiceID:        "v1",
		VersionNum:     1,
		AudioPath:      "/audio/a.mp3",
		Format:         "mp3",
	}
	first := addTestEntry(t, db, e)

	e.AudioPath = "/audio/b.mp3"
	second := addTestEntry(t, db, e)
	if second != first {
		t.Errorf("racing insert returned id %d, want winner %d", second, first)
	}

	// The winner's row is untouched.
	row, err := db.EntryByKey(ctx, "merhaba", "v1", 1)
	if err != nil {
		t.Fatalf("entry by key: %v", err)
	}
	if row.AudioPath != "/audio/a.mp3" {
		t.Errorf("audio path = %q, want winner's path", row.AudioPath)
	}
}

func TestAddEntry_VersionsAreDistinctRows(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	a := addTestEntry(t, db, Entry{TextNormalized: "merhaba", VoiceID: "v1", VersionNum: 1, AudioPath: "/a.mp3"})
	b := addTestEntry(t, db, Entry{TextNormalized: "merhaba", VoiceID: "v1", VersionNum: 2, AudioPath: "/b.mp3"})
	if a == b {
		t.Error("distinct versions resolved to the same row")
	}

	n, err := db.VersionCount(context.Background(), "merhaba", "v1")
	if err != nil {
		t.Fatalf("version count: %v", err)
	}
	if n != 2 {
		t.Errorf("version count = %d, want 2", n)
	}
}

func TestEntryByKey_Missing(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	_, err := db.EntryByKey(context.Background(), "yok", "v1", 1)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestRecordHit_VersionZeroBumpsAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	addTestEntry(t, db, Entry{TextNormalized: "merhaba", VoiceID: "v1", VersionNum: 1, AudioPath: "/a.mp3"})
	addTestEntry(t, db, Entry{TextNormalized: "merhaba", VoiceID: "v1", VersionNum: 2, AudioPath: "/b.mp3"})

	if err := db.RecordHit(ctx, "merhaba", "v1", 0); err != nil {
		t.Fatalf("record hit: %v", err)
	}
	for version := 1; version <= 2; version++ {
		e, err := db.EntryByKey(ctx, "merhaba", "v1", version)
		if err != nil {
			t.Fatalf("entry v%d: %v", version, err)
		}
		if e.HitCount != 1 {
			t.Errorf("v%d hit_count = %d, want 1", version, e.HitCount)
		}
	}
}

func TestRecordHit_SpecificVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	addTestEntry(t, db, Entry{TextNormalized: "merhaba", VoiceID: "v1", VersionNum: 1, AudioPath: "/a.mp3"})
	addTestEntry(t, db, Entry{TextNormalized: "merhaba", VoiceID: "v1", VersionNum: 2, AudioPath: "/b.mp3"})

	if err := db.RecordHit(ctx, "merhaba", "v1", 2); err != nil {
		t.Fatalf("record hit: %v", err)
	}
	v1, _ := db.EntryByKey(ctx, "merhaba", "v1", 1)
	v2, _ := db.EntryByKey(ctx, "merhaba", "v1", 2)
	if v1.HitCount != 0 || v2.HitCount != 1 {
		t.Errorf("hit counts = %d/%d, want 0/1", v1.HitCount, v2.HitCount)
	}
}

func TestRecordHit_MissingRowIsNoop(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	if err := db.RecordHit(context.Background(), "yok", "v1", 0); err != nil {
		t.Errorf("record hit on missing row: %v", err)
	}
}

func TestEvictionCandidates_ByAge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	old := addTestEntry(t, db, Entry{
		TextNormalized: "eski", VoiceID: "v1", AudioPath: "/old.mp3",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	})
	addTestEntry(t, db, Entry{TextNormalized: "yeni", VoiceID: "v1", AudioPath: "/new.mp3"})

	candidates, err := db.EvictionCandidates(ctx, 100, 24*time.Hour)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("len(candidates) = %d, want 1", len(candidates))
	}
	if candidates[0].ID != old {
		t.Errorf("candidate id = %d, want %d", candidates[0].ID, old)
	}
}

func TestEvictionCandidates_OverflowPicksLeastHit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	cold := addTestEntry(t, db, Entry{TextNormalized: "soguk", VoiceID: "v1", AudioPath: "/c.mp3"})
	addTestEntry(t, db, Entry{TextNormalized: "ilik", VoiceID: "v1", AudioPath: "/i.mp3"})
	addTestEntry(t, db, Entry{TextNormalized: "sicak", VoiceID: "v1", AudioPath: "/s.mp3"})
	for range 3 {
		if err := db.RecordHit(ctx, "ilik", "v1", 0); err != nil {
			t.Fatalf("record hit: %v", err)
		}
		if err := db.RecordHit(ctx, "sicak", "v1", 0); err != nil {
			t.Fatalf("record hit: %v", err)
		}
	}

	candidates, err := db.EvictionCandidates(ctx, 2, 1000*time.Hour)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("len(candidates) = %d, want 1", len(candidates))
	}
	if candidates[0].ID != cold {
		t.Errorf("candidate id = %d, want least-hit row %d", candidates[0].ID, cold)
	}
}

func TestEvictionCandidates_AgeAndOverflowDeduped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	// The old row is both an age candidate and the least-hit row; it must
	// appear once, with one more row making up the overflow.
	addTestEntry(t, db, Entry{
		TextNormalized: "eski", VoiceID: "v1", AudioPath: "/e.mp3",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	})
	addTestEntry(t, db, Entry{TextNormalized: "bir", VoiceID: "v1", AudioPath: "/b.mp3"})
	addTestEntry(t, db, Entry{TextNormalized: "iki", VoiceID: "v1", AudioPath: "/i.mp3"})

	candidates, err := db.EvictionCandidates(ctx, 1, 24*time.Hour)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	seen := make(map[int64]bool)
	for _, c := range candidates {
		if seen[c.ID] {
			t.Fatalf("candidate id %d returned twice", c.ID)
		}
		seen[c.ID] = true
	}
	if len(candidates) != 2 {
		t.Errorf("len(candidates) = %d, want 2", len(candidates))
	}
}

func TestDeleteByIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	a := addTestEntry(t, db, Entry{TextNormalized: "bir", VoiceID: "v1", AudioPath: "/a.mp3"})
	addTestEntry(t, db, Entry{TextNormalized: "iki", VoiceID: "v1", AudioPath: "/b.mp3"})

	if err := db.DeleteByIDs(ctx, []int64{a}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.EntryByKey(ctx, "bir", "v1", 1); !errors.Is(err, sql.ErrNoRows) {
		t.Error("deleted row still present")
	}
	if _, err := db.EntryByKey(ctx, "iki", "v1", 1); err != nil {
		t.Errorf("unrelated row deleted: %v", err)
	}

	if err := db.DeleteByIDs(ctx, nil); err != nil {
		t.Errorf("empty delete: %v", err)
	}
}

func TestDeleteAll_ReturnsPaths(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	addTestEntry(t, db, Entry{TextNormalized: "bir", VoiceID: "v1", AudioPath: "/a.mp3"})
	addTestEntry(t, db, Entry{TextNormalized: "iki", VoiceID: "v2", AudioPath: "/b.mp3"})

	paths, err := db.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("len(paths) = %d, want 2", len(paths))
	}

	entries, err := db.AllEntries(ctx)
	if err != nil {
		t.Fatalf("all entries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("%d rows survived DeleteAll", len(entries))
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	addTestEntry(t, db, Entry{TextNormalized: "bir", VoiceID: "v1", AudioPath: "/a.mp3", SizeBytes: 100})
	addTestEntry(t, db, Entry{TextNormalized: "iki", VoiceID: "v1", AudioPath: "/b.mp3", SizeBytes: 200})
	addTestEntry(t, db, Entry{TextNormalized: "uc", VoiceID: "v2", AudioPath: "/c.mp3", SizeBytes: 50})

	for range 3 {
		if err := db.RecordHit(ctx, "bir", "v1", 0); err != nil {
			t.Fatalf("record hit: %v", err)
		}
	}
	db.RecordMiss()

	s, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.TotalEntries != 3 {
		t.Errorf("total entries = %d, want 3", s.TotalEntries)
	}
	if s.TotalHits != 3 {
		t.Errorf("total hits = %d, want 3", s.TotalHits)
	}
	if s.TotalMisses != 1 {
		t.Errorf("total misses = %d, want 1", s.TotalMisses)
	}
	if s.HitRate != 0.75 {
		t.Errorf("hit rate = %v, want 0.75", s.HitRate)
	}

	v1 := s.PerVoice["v1"]
	if v1.Entries != 2 || v1.Hits != 3 || v1.SizeBytes != 300 {
		t.Errorf("v1 stats = %+v", v1)
	}
	v2 := s.PerVoice["v2"]
	if v2.Entries != 1 || v2.SizeBytes != 50 {
		t.Errorf("v2 stats = %+v", v2)
	}
}

func TestStats_EmptyDatabase(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	s, err := db.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.TotalEntries != 0 || s.HitRate != 0 || s.CacheAgeSeconds != 0 {
		t.Errorf("stats = %+v, want zero values", s)
	}
}

func TestMigrate_V1ToV2(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.db")

	// Build a v1 database by hand: no version_num column, no unique
	// constraint, no schema_version table, plus duplicate rows for one
	// (text, voice) pair.
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := raw.Exec(`
		CREATE TABLE cache_entries (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			text_normalized TEXT    NOT NULL,
			voice_id        TEXT    NOT NULL,
			audio_path      TEXT    NOT NULL,
			format          TEXT    NOT NULL DEFAULT 'mp3',
			size_bytes      INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			hit_count       INTEGER NOT NULL DEFAULT 0
		)`); err != nil {
		t.Fatalf("create v1 schema: %v", err)
	}
	now := time.Now().Unix()
	for _, row := range []struct {
		text, path string
		hits       int
	}{
		{"merhaba", "/low.mp3", 1},
		{"merhaba", "/high.mp3", 9},
		{"tek", "/solo.mp3", 0},
	} {
		if _, err := raw.Exec(
			`INSERT INTO cache_entries (text_normalized, voice_id, audio_path, created_at, hit_count)
			 VALUES (?, 'v1', ?, ?, ?)`, row.text, row.path, now, row.hits); err != nil {
			t.Fatalf("seed v1 row: %v", err)
		}
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("close raw: %v", err)
	}

	db, err := Open(path)
	if err != nil {
		t.Fatalf("open migrates: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	// Duplicates collapse to the most-hit rendering.
	e, err := db.EntryByKey(ctx, "merhaba", "v1", 1)
	if err != nil {
		t.Fatalf("entry after migration: %v", err)
	}
	if e.AudioPath != "/high.mp3" {
		t.Errorf("kept path = %q, want the most-hit row", e.AudioPath)
	}
	if n, _ := db.VersionCount(ctx, "merhaba", "v1"); n != 1 {
		t.Errorf("version count = %d, want 1", n)
	}

	// Non-duplicated rows survive with version 1.
	if _, err := db.EntryByKey(ctx, "tek", "v1", 1); err != nil {
		t.Errorf("solo row lost in migration: %v", err)
	}

	// Re-opening is a no-op migration.
	db.Close()
	db2, err := Open(path)
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	defer db2.Close()
	if _, err := db2.EntryByKey(ctx, "tek", "v1", 1); err != nil {
		t.Errorf("row lost on re-open: %v", err)
	}
}
