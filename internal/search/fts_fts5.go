//go:build sqlite_fts5

package search

import (
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
			file UNINDEXED,
			key,
			author,
			title,
			body,
			keywords,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsInsert(tx *sql.Tx, file string, d Doc) error {
	_, err := tx.Exec(`INSERT INTO entries_fts (file, key, author, title, body, keywords) VALUES (?, ?, ?, ?, ?, ?)`,
		file, d.Key, d.Author, d.Title, d.Body, strings.Join(d.Keywords, " "))
	if err != nil {
		return fmt.Errorf("search: insert fts: %w", err)
	}
	return nil
}

func ftsDeleteFile(tx *sql.Tx, file string) {
	_, _ = tx.Exec(`DELETE FROM entries_fts WHERE file = ?`, file)
}

// Search performs an FTS5 full-text search and returns matching entries with snippets.
func (db *DB) Search(query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(`
		SELECT f.file,
		       f.key,
		       e.title,
		       e.author,
		       e.year,
		       snippet(entries_fts, 4, '<b>', '</b>', '...', 32)
		FROM entries_fts f
		JOIN entries e ON e.file = f.file AND e.key = f.key
		WHERE entries_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search: query: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.File, &r.Key, &r.Title, &r.Author, &r.Year, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
