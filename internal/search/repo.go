package search

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/starford/bibshelf/internal/checksum"
)

// Doc is the searchable projection of one entry.
type Doc struct {
	Key      string
	Type     string
	Author   string
	Title    string
	Journal  string
	Year     int
	Keywords []string
	Body     string
}

// File is one citation file and its documents.
type File struct {
	Path string
	Role string
	Docs []Doc
}

// Digest identifies the searchable content of f.
func (f File) Digest() string {
	var b strings.Builder
	b.WriteString(f.Role)
	for _, d := range f.Docs {
		fmt.Fprintf(&b, "\x00%s\x00%s\x00%s\x00%s\x00%s\x00%d\x00%s\x00%s",
			d.Key, d.Type, d.Author, d.Title, d.Journal, d.Year, strings.Join(d.Keywords, ","), d.Body)
	}
	return checksum.Sum([]byte(b.String()))
}

// Result is one search hit.
type Result struct {
	File    string `json:"file"`
	Key     string `json:"key"`
	Title   string `json:"title"`
	Author  string `json:"author"`
	Year    int    `json:"year,omitempty"`
	Snippet string `json:"snippet"`
}

// UpsertFile replaces every document of f inside one transaction.
func (db *DB) UpsertFile(f File) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("search: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO files (path, role, digest, entries, synced_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET
			role      = excluded.role,
			digest    = excluded.digest,
			entries   = excluded.entries,
			synced_at = excluded.synced_at
	`, f.Path, f.Role, f.Digest(), len(f.Docs))
	if err != nil {
		return fmt.Errorf("search: upsert file: %w", err)
	}

	ftsDeleteFile(tx, f.Path)
	if _, err := tx.Exec(`DELETE FROM entries WHERE file = ?`, f.Path); err != nil {
		return fmt.Errorf("search: clear entries: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO entries (file, key, type, author, title, journal, year, keywords, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("search: prepare entry insert: %w", err)
	}
	defer stmt.Close()
	for _, d := range f.Docs {
		kw, _ := json.Marshal(d.Keywords)
		if _, err := stmt.Exec(f.Path, d.Key, d.Type, d.Author, d.Title, d.Journal, d.Year, string(kw), d.Body); err != nil {
			return fmt.Errorf("search: insert entry %s: %w", d.Key, err)
		}
		if err := ftsInsert(tx, f.Path, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteFile removes a file and its documents.
func (db *DB) DeleteFile(path string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("search: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsDeleteFile(tx, path)
	_, _ = tx.Exec(`DELETE FROM entries WHERE file = ?`, path)
	_, _ = tx.Exec(`DELETE FROM files WHERE path = ?`, path)

	return tx.Commit()
}

// Digests returns the stored digest of every mirrored file.
func (db *DB) Digests() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT path, digest FROM files`)
	if err != nil {
		return nil, fmt.Errorf("search: digests: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var p, d string
		if err := rows.Scan(&p, &d); err != nil {
			return nil, err
		}
		out[p] = d
	}
	return out, rows.Err()
}

// Count returns the number of mirrored entries.
func (db *DB) Count() (int, error) {
	var n int
	if err := db.conn.QueryRow(`SELECT count(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("search: count: %w", err)
	}
	return n, nil
}
