// Package flatindex exposes every visible entry across all open files as one
// dense, positionally addressable sequence.
package flatindex

import (
	"errors"
	"fmt"

	"github.com/starford/bibshelf/internal/database"
	"github.com/starford/bibshelf/internal/entry"
	"github.com/starford/bibshelf/internal/models"
)

// ErrOutOfRange is returned for a global id outside [0, RowCount).
var ErrOutOfRange = errors.New("global id out of range")

// Source lists open databases in load order, filtered by role mask.
type Source interface {
	Databases(mask models.FileRole) []*database.Database
}

type location struct {
	path string
	key  string
}

// Index is a cache over the source databases. It is recomputed lazily on the
// first read after Invalidate and is not safe for concurrent use.
type Index struct {
	src     Source
	dirty   bool
	rows    []models.Row
	entries []*entry.Entry
	byLoc   map[location]int
	subs    []func()
}

// New returns an index over src. The first read computes it.
func New(src Source) *Index {
	return &Index{src: src, dirty: true}
}

// Invalidate marks the index stale and notifies subscribers.
func (x *Index) Invalidate() {
	x.dirty = true
	for _, fn := range x.subs {
		fn()
	}
}

// Subscribe registers fn to run after every Invalidate.
func (x *Index) Subscribe(fn func()) {
	x.subs = append(x.subs, fn)
}

// Recompute rebuilds the rows now. Global ids follow load order, then entry
// order within each file.
func (x *Index) Recompute() {
	dbs := x.src.Databases(models.RoleVisible)
	n := 0
	for _, db := range dbs {
		n += db.Len()
	}
	rows := make([]models.Row, 0, n)
	entries := make([]*entry.Entry, 0, n)
	byLoc := make(map[location]int, n)
	for _, db := range dbs {
		for _, e := range db.Entries() {
			id := len(rows)
			rows = append(rows, project(id, db, e))
			entries = append(entries, e)
			byLoc[location{db.Path(), e.Key()}] = id
		}
	}
	x.rows, x.entries, x.byLoc = rows, entries, byLoc
	x.dirty = false
}

func (x *Index) ensure() {
	if x.dirty {
		x.Recompute()
	}
}

// RowCount returns the number of visible entries.
func (x *Index) RowCount() int {
	x.ensure()
	return len(x.rows)
}

// RowAt returns the row with the given global id.
func (x *Index) RowAt(id int) (models.Row, error) {
	x.ensure()
	if id < 0 || id >= len(x.rows) {
		return models.Row{}, fmt.Errorf("flatindex: row %d of %d: %w", id, len(x.rows), ErrOutOfRange)
	}
	return x.rows[id], nil
}

// EntryAt returns the entry behind the row with the given global id.
func (x *Index) EntryAt(id int) (*entry.Entry, error) {
	x.ensure()
	if id < 0 || id >= len(x.entries) {
		return nil, fmt.Errorf("flatindex: entry %d of %d: %w", id, len(x.entries), ErrOutOfRange)
	}
	return x.entries[id], nil
}

// Rows returns a copy of all rows.
func (x *Index) Rows() []models.Row {
	x.ensure()
	out := make([]models.Row, len(x.rows))
	copy(out, x.rows)
	return out
}

// Find returns the global id of the entry keyed key in the file at path.
func (x *Index) Find(path, key string) (int, bool) {
	x.ensure()
	id, ok := x.byLoc[location{path, key}]
	return id, ok
}

func project(id int, db *database.Database, e *entry.Entry) models.Row {
	year, _ := e.Year()
	return models.Row{
		GlobalID:   id,
		SourceFile: db.Path(),
		Role:       db.Role(),
		Key:        e.Key(),
		Type:       e.Type(),
		Author:     e.Author(),
		Title:      e.Title(),
		Journal:    e.Journal(),
		Year:       year,
		Keywords:   e.Keywords(),
		Quality:    e.Quality(),
		ReadStatus: e.ReadStatus(),
		URL:        e.Value("url"),
		DOI:        e.Value("doi"),
		Comment:    e.Value("comment"),
		Trashed:    e.Trashed(),
	}
}
