package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps a *sql.DB with application-level helpers.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	return open(path)
}

// OpenMemory opens an in-memory SQLite database (for testing).
func OpenMemory() (*DB, error) {
	return open(":memory:")
}

func open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dsn, err)
	}
	// An in-memory database exists per connection.
	if dsn == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	db := &DB{conn: conn}
	if err := db.configure(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (db *DB) migrate() error {
	schema := `
-- One row per captured snapshot. The newest row per account is the cache
-- that analyze reuses unless --refresh is given.
CREATE TABLE IF NOT EXISTS snapshots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id  TEXT    NOT NULL,
    captured_at INTEGER NOT NULL,
    data        TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_account
    ON snapshots (account_id, captured_at);

CREATE TABLE IF NOT EXISTS analysis_results (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    analysis_date  INTEGER NOT NULL,
    account_id     TEXT    NOT NULL,
    threshold_days INTEGER NOT NULL,
    unused_count   INTEGER NOT NULL,
    admins         INTEGER NOT NULL,
    powerusers     INTEGER NOT NULL,
    read_only      INTEGER NOT NULL,
    warnings       INTEGER NOT NULL,
    report         TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_results_account
    ON analysis_results (account_id, analysis_date);
`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw *sql.DB for queries that need it.
func (db *DB) Conn() *sql.DB {
	return db.conn
}
