package metadata

import (
	"fmt"
)

// schemaVersion is the current schema version written to the
// schema_version table.
const schemaVersion = 2

// schemaV2 is the full schema created on a fresh database. version_num
// distinguishes multiple renderings of the same (text, voice) pair; the
// UNIQUE constraint is the coordination primitive for concurrent writers.
const schemaV2 = `
CREATE TABLE IF NOT EXISTS cache_entries (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	text_normalized TEXT    NOT NULL,
	voice_id        TEXT    NOT NULL,
	version_num     INTEGER NOT NULL DEFAULT 1,
	audio_path      TEXT    NOT NULL,
	format          TEXT    NOT NULL DEFAULT 'mp3',
	size_bytes      INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	hit_count       INTEGER NOT NULL DEFAULT 0,
	UNIQUE (text_normalized, voice_id, version_num)
);

CREATE INDEX IF NOT EXISTS idx_voice ON cache_entries(voice_id);
CREATE INDEX IF NOT EXISTS idx_normalized ON cache_entries(text_normalized);
CREATE INDEX IF NOT EXISTS idx_created ON cache_entries(created_at);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
`

// migrate brings the database to the current schema version. A failure here
// is fatal at startup: running against a half-migrated schema would corrupt
// the cache invariants.
func (d *DB) migrate() error {
	hasEntries, err := d.tableExists("cache_entries")
	if err != nil {
		return err
	}

	if !hasEntries {
		if _, err := d.db.Exec(schemaV2); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		return d.setSchemaVersion(schemaVersion)
	}

	current, err := d.currentSchemaVersion()
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}
	return d.migrateV1ToV2()
}

// migrateV1ToV2 upgrades a v1 database (no version column) in place:
//
//  1. ADD COLUMN version_num DEFAULT 1, idempotent via a column-exists
//     probe, so a crash mid-migration is safe to retry.
//  2. Dedupe rows sharing a (text_normalized, voice_id) pair, keeping the
//     row with the highest hit_count (ties: lowest id).
//  3. Create the unique index that v2 writers rely on.
func (d *DB) migrateV1ToV2() error {
	hasVersion, err := d.columnExists("cache_entries", "version_num")
	if err != nil {
		return err
	}
	if !hasVersion {
		if _, err := d.db.Exec(
			`ALTER TABLE cache_entries ADD COLUMN version_num INTEGER NOT NULL DEFAULT 1`); err != nil {
			return fmt.Errorf("add version_num column: %w", err)
		}
	}

	// Duplicate (text, voice) pairs predate the unique constraint. Keep the
	// most-hit rendering of each; the rest were interchangeable anyway.
	if _, err := d.db.Exec(`
		DELETE FROM cache_entries WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY text_normalized, voice_id
					ORDER BY hit_count DESC, id ASC
				) AS rn
				FROM cache_entries
			) WHERE rn > 1
		)`); err != nil {
		return fmt.Errorf("dedupe v1 rows: %w", err)
	}

	if _, err := d.db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_text_voice_version
		 ON cache_entries(text_normalized, voice_id, version_num)`); err != nil {
		return fmt.Errorf("create unique index: %w", err)
	}

	if _, err := d.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	return d.setSchemaVersion(schemaVersion)
}

// currentSchemaVersion returns the recorded schema version, or 1 when no
// schema_version table (or row) exists; the v1 layout predates it.
func (d *DB) currentSchemaVersion() (int, error) {
	hasTable, err := d.tableExists("schema_version")
	if err != nil {
		return 0, err
	}
	if !hasTable {
		return 1, nil
	}
	var v int
	err = d.db.QueryRow(`SELECT COALESCE(MAX(version), 1) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// setSchemaVersion replaces the recorded schema version.
func (d *DB) setSchemaVersion(v int) error {
	if _, err := d.db.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("clear schema version: %w", err)
	}
	if _, err := d.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// tableExists reports whether a table with the given name exists.
func (d *DB) tableExists(name string) (bool, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("probe table %s: %w", name, err)
	}
	return n > 0, nil
}

// columnExists reports whether the table has a column with the given name.
func (d *DB) columnExists(table, column string) (bool, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("probe column %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}
