// Package search mirrors open citation entries into SQLite for full-text
// queries, with FTS5 when built with the sqlite_fts5 tag.
package search

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS files (
	path      TEXT PRIMARY KEY,
	role      TEXT NOT NULL DEFAULT '',
	digest    TEXT NOT NULL DEFAULT '',
	entries   INTEGER NOT NULL DEFAULT 0,
	synced_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entries (
	file     TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
	key      TEXT NOT NULL,
	type     TEXT NOT NULL DEFAULT '',
	author   TEXT NOT NULL DEFAULT '',
	title    TEXT NOT NULL DEFAULT '',
	journal  TEXT NOT NULL DEFAULT '',
	year     INTEGER NOT NULL DEFAULT 0,
	keywords TEXT NOT NULL DEFAULT '[]',
	body     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (file, key)
);

CREATE INDEX IF NOT EXISTS idx_entries_key ON entries(key);
`

// DB wraps a sql.DB with search-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("search: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("search: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("search: apply core schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("search: apply fts schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
