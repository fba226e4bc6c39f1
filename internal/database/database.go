// Package database holds one citation file in memory: its ordered entries,
// the key index and the bookkeeping needed to write it back safely.
package database

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/starford/bibshelf/internal/apperr"
	"github.com/starford/bibshelf/internal/bibtex"
	"github.com/starford/bibshelf/internal/checksum"
	"github.com/starford/bibshelf/internal/entry"
	"github.com/starford/bibshelf/internal/models"
	"github.com/starford/bibshelf/internal/storage"
)

// Codec converts between file content and parsed documents.
type Codec interface {
	Parse(data []byte) (*bibtex.Document, error)
	Write(doc *bibtex.Document) []byte
}

// Options configures how a database reads and writes its file.
type Options struct {
	Codec            Codec
	Storage          storage.Provider
	BackupBeforeSave bool
	Logger           *slog.Logger
	Now              func() time.Time
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Codec == nil {
		out.Codec = bibtex.NewCodec()
	}
	if out.Storage == nil {
		out.Storage = storage.NewFS()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Database is the in-memory image of one citation file. It is not safe for
// concurrent use; the registry serializes access.
type Database struct {
	path     string
	role     models.FileRole
	entries  []*entry.Entry
	keys     map[string]*entry.Entry
	blocks   []string
	selected bool
	checksum string
	opts     Options
	logger   *slog.Logger
}

// Open reads and parses the file at path.
func Open(path string, role models.FileRole, opts Options) (*Database, error) {
	o := opts.withDefaults()
	data, err := o.Storage.Read(path)
	if err != nil {
		return nil, fmt.Errorf("database: read %s: %w: %w", path, apperr.ErrIO, err)
	}
	doc, err := o.Codec.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("database: parse %s: %w: %w", path, apperr.ErrParse, err)
	}

	db := newDatabase(path, role, o)
	db.blocks = doc.Blocks
	db.checksum = checksum.Sum(data)
	for _, r := range doc.Records {
		if _, dup := db.keys[r.Key]; dup {
			return nil, fmt.Errorf("database: open %s: key %q: %w", path, r.Key, apperr.ErrDuplicateKey)
		}
		e := entry.FromRecord(r)
		e.Attach(path)
		db.entries = append(db.entries, e)
		db.keys[r.Key] = e
	}
	db.checkAliases()
	return db, nil
}

// New returns an empty database for path that has not been read from disk.
func New(path string, role models.FileRole, opts Options) *Database {
	return newDatabase(path, role, opts.withDefaults())
}

func newDatabase(path string, role models.FileRole, o Options) *Database {
	return &Database{
		path:   path,
		role:   role,
		keys:   make(map[string]*entry.Entry),
		opts:   o,
		logger: o.Logger.With(slog.String("file", path)),
	}
}

// checkAliases logs aliases that shadow a primary key or repeat in-file.
func (db *Database) checkAliases() {
	seen := make(map[string]string)
	for _, e := range db.entries {
		for _, id := range e.IDs() {
			if _, ok := db.keys[id]; ok {
				db.logger.Warn("alias shadows a key", slog.String("alias", id), slog.String("key", e.Key()))
				continue
			}
			if owner, ok := seen[id]; ok {
				db.logger.Warn("duplicate alias",
					slog.String("alias", id), slog.String("key", e.Key()), slog.String("other", owner))
				continue
			}
			seen[id] = e.Key()
		}
	}
}

// Path returns the absolute file path, which identifies the database.
func (db *Database) Path() string { return db.path }

// Role returns the file role.
func (db *Database) Role() models.FileRole { return db.role }

// SetRole changes the role, e.g. when a transient file is opened for good.
func (db *Database) SetRole(r models.FileRole) { db.role = r }

// Selected reports whether the user has selected the file for display.
func (db *Database) Selected() bool { return db.selected }

// SetSelected sets the selection flag.
func (db *Database) SetSelected(v bool) { db.selected = v }

// Checksum is the digest of the content last read from or written to disk.
func (db *Database) Checksum() string { return db.checksum }

// Len returns the number of entries.
func (db *Database) Len() int { return len(db.entries) }

// Entries returns the entries in file order. The slice is a copy.
func (db *Database) Entries() []*entry.Entry { return slices.Clone(db.entries) }

// At returns the entry at position i.
func (db *Database) At(i int) *entry.Entry { return db.entries[i] }

// Index returns the position of e, or -1.
func (db *Database) Index(e *entry.Entry) int { return slices.Index(db.entries, e) }

// Get returns the entry whose primary key is key.
func (db *Database) Get(key string) (*entry.Entry, error) {
	if e, ok := db.keys[key]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("database: %s: key %q: %w", db.path, key, apperr.ErrKeyNotFound)
}

// Lookup resolves key as a primary key first, then as an alias.
func (db *Database) Lookup(key string) (*entry.Entry, bool) {
	if e, ok := db.keys[key]; ok {
		return e, true
	}
	for _, e := range db.entries {
		if e.HasAlias(key) {
			return e, true
		}
	}
	return nil, false
}

// HasKey reports whether key is a primary key or alias in this file.
func (db *Database) HasKey(key string) bool {
	_, ok := db.Lookup(key)
	return ok
}

// Add appends e and attaches it to this file.
func (db *Database) Add(e *entry.Entry) error {
	return db.Insert(len(db.entries), e)
}

// Insert places e at position i, clamped to the valid range.
func (db *Database) Insert(i int, e *entry.Entry) error {
	key := e.Key()
	if key == "" {
		return fmt.Errorf("database: add to %s: empty key: %w", db.path, apperr.ErrInvalidKey)
	}
	if _, dup := db.keys[key]; dup {
		return fmt.Errorf("database: add to %s: key %q: %w", db.path, key, apperr.ErrDuplicateKey)
	}
	i = max(0, min(i, len(db.entries)))
	db.entries = slices.Insert(db.entries, i, e)
	db.keys[key] = e
	e.Attach(db.path)
	return nil
}

// Remove detaches e from this file and returns its former position.
func (db *Database) Remove(e *entry.Entry) (int, error) {
	i := db.Index(e)
	if i < 0 {
		return -1, fmt.Errorf("database: remove from %s: key %q: %w", db.path, e.Key(), apperr.ErrKeyNotFound)
	}
	db.entries = slices.Delete(db.entries, i, i+1)
	if db.keys[e.Key()] == e {
		delete(db.keys, e.Key())
	}
	e.Detach()
	return i, nil
}

// Rekey updates the key index after e was renamed from oldKey.
func (db *Database) Rekey(e *entry.Entry, oldKey string) error {
	if db.keys[oldKey] != e {
		return fmt.Errorf("database: rekey in %s: key %q: %w", db.path, oldKey, apperr.ErrKeyNotFound)
	}
	newKey := e.Key()
	if newKey == "" {
		return fmt.Errorf("database: rekey in %s: empty key: %w", db.path, apperr.ErrInvalidKey)
	}
	if other, dup := db.keys[newKey]; dup && other != e {
		return fmt.Errorf("database: rekey in %s: key %q: %w", db.path, newKey, apperr.ErrDuplicateKey)
	}
	delete(db.keys, oldKey)
	db.keys[newKey] = e
	return nil
}

// Backup copies the on-disk file beside itself. Missing files are skipped.
func (db *Database) Backup() (string, error) {
	if !db.opts.Storage.Exists(db.path) {
		return "", nil
	}
	name, err := db.opts.Storage.Backup(db.path, db.opts.Now())
	if err != nil {
		return "", fmt.Errorf("database: backup %s: %w", db.path, err)
	}
	return name, nil
}

// Document returns the parsed form of the current contents.
func (db *Database) Document() *bibtex.Document {
	doc := &bibtex.Document{Blocks: slices.Clone(db.blocks)}
	for _, e := range db.entries {
		doc.Records = append(doc.Records, e.Record())
	}
	return doc
}

// Write serializes every entry and replaces the file atomically. A failed
// backup is logged and does not stop the write.
func (db *Database) Write() error {
	if db.opts.BackupBeforeSave {
		if name, err := db.Backup(); err != nil {
			db.logger.Warn("backup failed", slog.String("error", err.Error()))
		} else if name != "" {
			db.logger.Debug("backup written", slog.String("backup", name))
		}
	}
	data := db.opts.Codec.Write(db.Document())
	if err := db.opts.Storage.Write(db.path, data); err != nil {
		return fmt.Errorf("database: write %s: %w: %w", db.path, apperr.ErrIO, err)
	}
	db.checksum = checksum.Sum(data)
	db.logger.Debug("file written", slog.Int("entries", len(db.entries)))
	return nil
}

