// Package store persists the playlist queue and runtime settings in SQLite.
// All mutations are single statements, so every operation is atomic without
// explicit transactions; concurrent writers contend via SQLITE_BUSY, which is
// surfaced as ErrBusy for callers to log and skip.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"

	"github.com/piwall2/piwall2/internal/logging"
)

var log = logging.L("store")

// ErrBusy means the database was briefly locked by a concurrent writer.
// Callers skip the tick's write; the periodic republish loops converge state.
var ErrBusy = errors.New("store busy")

// schemaVersion is zero indexed; the first schema is v0.
const schemaVersion = 3

// DB wraps the SQLite handle shared by the playlist and settings stores.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if absent) the database at path and applies any
// pending forward migrations.
func Open(path string) (*DB, error) {
	// busy_timeout gives short-lived lock contention a chance to clear
	// before we surface ErrBusy.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(100)&_pragma=journal_mode(WAL)", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db := &DB{sql: handle}
	if err := db.Migrate(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

// Migrate brings the schema up to the current version. A fresh database is
// constructed at the current version directly; an existing one is walked
// forward one version at a time. A database newer than this binary is an
// error.
func (d *DB) Migrate() error {
	current := -1
	var v int
	if err := d.sql.QueryRow("SELECT version FROM schema_version").Scan(&v); err == nil {
		current = v
	}
	log.Info("database schema", "current_version", current, "target_version", schemaVersion)

	switch {
	case current == -1:
		return d.constructFromScratch()
	case current < schemaVersion:
		for i := current + 1; i <= schemaVersion; i++ {
			log.Info("applying schema migration", "to_version", i)
			var err error
			switch i {
			case 1:
				err = d.migrateToV1()
			case 2:
				err = d.migrateToV2()
			case 3:
				err = d.migrateToV3()
			default:
				err = fmt.Errorf("no migration defined for schema version %d", i)
			}
			if err != nil {
				return fmt.Errorf("migrate schema to v%d: %w", i, err)
			}
			if _, err := d.sql.Exec("UPDATE schema_version SET version = ?", i); err != nil {
				return fmt.Errorf("record schema version %d: %w", i, err)
			}
		}
		return nil
	case current == schemaVersion:
		return nil
	default:
		return fmt.Errorf("database schema v%d is newer than this binary supports (v%d)",
			current, schemaVersion)
	}
}

func (d *DB) constructFromScratch() error {
	log.Info("constructing database schema from scratch")
	stmts := []string{
		"DROP TABLE IF EXISTS schema_version",
		"CREATE TABLE schema_version (version INTEGER)",
		fmt.Sprintf("INSERT INTO schema_version (version) VALUES(%d)", schemaVersion),

		"DROP TABLE IF EXISTS playlist_videos",
		`CREATE TABLE playlist_videos (
			id INTEGER PRIMARY KEY,
			type VARCHAR(20) DEFAULT 'TYPE_VIDEO',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			url TEXT,
			thumbnail TEXT,
			title TEXT,
			duration VARCHAR(20),
			status VARCHAR(20),
			skip_requested INTEGER DEFAULT 0,
			settings TEXT DEFAULT '',
			priority INTEGER DEFAULT 0
		)`,
		"CREATE INDEX status_type_priority_idx ON playlist_videos (status, type, priority)",
		"CREATE INDEX status_priority_idx ON playlist_videos (status, priority DESC, id ASC)",

		"DROP TABLE IF EXISTS settings",
		`CREATE TABLE settings (
			key VARCHAR(200) PRIMARY KEY,
			value VARCHAR(200),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	return d.execAll(stmts)
}

// v1 added the settings table.
func (d *DB) migrateToV1() error {
	return d.execAll([]string{
		`CREATE TABLE settings (
			key VARCHAR(200) PRIMARY KEY,
			value VARCHAR(200),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	})
}

// v2 added the video type column for channel videos.
func (d *DB) migrateToV2() error {
	return d.execAll([]string{
		"ALTER TABLE playlist_videos ADD COLUMN type VARCHAR(20) DEFAULT 'TYPE_VIDEO'",
		"DROP INDEX IF EXISTS status_idx",
		"CREATE INDEX status_type_idx ON playlist_videos (status, type ASC, id ASC)",
	})
}

// v3 added priority ordering.
func (d *DB) migrateToV3() error {
	return d.execAll([]string{
		"ALTER TABLE playlist_videos ADD COLUMN priority INTEGER DEFAULT 0",
		"DROP INDEX IF EXISTS status_type_idx",
		"DROP INDEX IF EXISTS status_type_priority_idx",
		"CREATE INDEX status_type_priority_idx ON playlist_videos (status, type, priority)",
		"DROP INDEX IF EXISTS status_priority_idx",
		"CREATE INDEX status_priority_idx ON playlist_videos (status, priority DESC, id ASC)",
	})
}

func (d *DB) execAll(stmts []string) error {
	for _, stmt := range stmts {
		if _, err := d.sql.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// SQLite primary result codes for lock contention.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// wrapBusy maps SQLITE_BUSY/SQLITE_LOCKED onto ErrBusy so callers can treat
// brief lock contention as skippable.
func wrapBusy(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
	}
	return err
}
