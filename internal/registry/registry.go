// Package registry tracks the open citation files, owns the global write
// lock and keeps the flattened index in step with every structural change.
//
// A Registry is not safe for concurrent use. Drive it from one goroutine,
// normally the loop, and post watcher notifications to that goroutine.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/starford/bibshelf/internal/apperr"
	"github.com/starford/bibshelf/internal/checksum"
	"github.com/starford/bibshelf/internal/database"
	"github.com/starford/bibshelf/internal/entry"
	"github.com/starford/bibshelf/internal/flatindex"
	"github.com/starford/bibshelf/internal/keygen"
	"github.com/starford/bibshelf/internal/models"
	"github.com/starford/bibshelf/internal/storage"
)

// Scheduler runs tasks on the registry goroutine.
type Scheduler interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func())
}

// Watcher reports external modifications of watched files.
type Watcher interface {
	Watch(path string) error
	Unwatch(path string) error
}

// Recents keeps the list of recently and currently open user files.
type Recents interface {
	Opened(path string)
	Closed(path string)
}

// Settings is the read-only configuration the registry consumes.
type Settings struct {
	BackupBeforeSave bool
	MinKeyLength     int
	SaveDelay        time.Duration
	Stamp            entry.StampOptions
}

// DefaultSaveDelay is the coalescing window of TriggerSave.
const DefaultSaveDelay = 300 * time.Millisecond

// Options wires the registry to its collaborators. Scheduler is required.
type Options struct {
	Settings  Settings
	Codec     database.Codec
	Storage   storage.Provider
	Scheduler Scheduler
	Watcher   Watcher
	Recents   Recents
	Logger    *slog.Logger
	Now       func() time.Time
}

// System file base names inside the data directory.
var systemFiles = []struct {
	role models.FileRole
	name string
}{
	{models.RoleTrash, "trash"},
	{models.RoleQueue, "queue"},
	{models.RoleImported, "imported"},
}

// Event kinds delivered to subscribers.
const (
	EventOpened   = "opened"
	EventClosed   = "closed"
	EventReloaded = "reloaded"
	EventSaved    = "saved"
)

// Event reports a change in the set of open files.
type Event struct {
	Kind string
	Path string
	Role models.FileRole
}

// Registry is the set of open databases in load order.
type Registry struct {
	settings  Settings
	storage   storage.Provider
	codec     database.Codec
	scheduler Scheduler
	watcher   Watcher
	recents   Recents
	logger    *slog.Logger
	now       func() time.Time

	dbs    []*database.Database
	byPath map[string]*database.Database
	index  *flatindex.Index
	lock   writeLock
	save   pendingSave
	subs   []func(Event)
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Scheduler == nil {
		panic("registry: scheduler is required")
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewFS()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Settings.SaveDelay <= 0 {
		opts.Settings.SaveDelay = DefaultSaveDelay
	}
	if opts.Settings.MinKeyLength <= 0 {
		opts.Settings.MinKeyLength = keygen.DefaultMinLength
	}
	r := &Registry{
		settings:  opts.Settings,
		storage:   opts.Storage,
		codec:     opts.Codec,
		scheduler: opts.Scheduler,
		watcher:   opts.Watcher,
		recents:   opts.Recents,
		logger:    opts.Logger.With(slog.String("component", "registry")),
		now:       opts.Now,
		byPath:    make(map[string]*database.Database),
	}
	r.index = flatindex.New(r)
	return r
}

// Index returns the flattened index over the visible databases.
func (r *Registry) Index() *flatindex.Index { return r.index }

// Subscribe registers fn for file lifecycle events.
func (r *Registry) Subscribe(fn func(Event)) {
	r.subs = append(r.subs, fn)
}

func (r *Registry) emit(kind string, db *database.Database) {
	ev := Event{Kind: kind, Path: db.Path(), Role: db.Role()}
	for _, fn := range r.subs {
		fn(ev)
	}
}

func (r *Registry) dbOptions() database.Options {
	return database.Options{
		Codec:            r.codec,
		Storage:          r.storage,
		BackupBeforeSave: r.settings.BackupBeforeSave,
		Logger:           r.logger,
		Now:              r.now,
	}
}

// Databases returns the open databases whose role matches mask, in load order.
func (r *Registry) Databases(mask models.FileRole) []*database.Database {
	out := make([]*database.Database, 0, len(r.dbs))
	for _, db := range r.dbs {
		if db.Role().Is(mask) {
			out = append(out, db)
		}
	}
	return out
}

// Database returns the open database for path.
func (r *Registry) Database(path string) (*database.Database, error) {
	abs, err := storage.Resolve(path)
	if err != nil {
		return nil, err
	}
	db, ok := r.byPath[abs]
	if !ok {
		return nil, fmt.Errorf("registry: %s: %w", abs, apperr.ErrNotOpen)
	}
	return db, nil
}

// System returns the open system database with the given role.
func (r *Registry) System(role models.FileRole) (*database.Database, error) {
	for _, db := range r.dbs {
		if db.Role() == role {
			return db, nil
		}
	}
	return nil, fmt.Errorf("registry: %s file: %w", role, apperr.ErrNoSystemFile)
}

// Open parses the file at path and adds it to the registry. A file open
// only as transient is promoted to role instead.
func (r *Registry) Open(path string, role models.FileRole) (*database.Database, error) {
	abs, err := storage.Resolve(path)
	if err != nil {
		return nil, err
	}
	if db, ok := r.byPath[abs]; ok {
		if db.Role() == models.RoleTransient && role != models.RoleTransient {
			db.SetRole(role)
			r.track(db)
			r.index.Invalidate()
			r.emit(EventOpened, db)
			return db, nil
		}
		return nil, fmt.Errorf("registry: open %s: %w", abs, apperr.ErrAlreadyOpen)
	}
	if role.Is(models.RoleSystem) {
		if other, err := r.System(role); err == nil {
			return nil, fmt.Errorf("registry: open %s: %s file is %s: %w", abs, role, other.Path(), apperr.ErrAlreadyOpen)
		}
	}

	db, err := database.Open(abs, role, r.dbOptions())
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	r.warnCollisions(db)

	r.dbs = append(r.dbs, db)
	r.byPath[abs] = db
	if role != models.RoleTransient {
		r.track(db)
		r.index.Invalidate()
	}
	r.logger.Info("file opened",
		slog.String("path", abs), slog.String("role", role.String()), slog.Int("entries", db.Len()))
	r.emit(EventOpened, db)
	return db, nil
}

// track starts watching db and records it as open.
func (r *Registry) track(db *database.Database) {
	if r.watcher != nil {
		if err := r.watcher.Watch(db.Path()); err != nil {
			r.logger.Warn("watch failed", slog.String("path", db.Path()), slog.String("error", err.Error()))
		}
	}
	if r.recents != nil && db.Role() == models.RoleUser {
		r.recents.Opened(db.Path())
	}
}

func (r *Registry) untrack(db *database.Database) {
	if r.watcher == nil || db.Role() == models.RoleTransient {
		return
	}
	if err := r.watcher.Unwatch(db.Path()); err != nil {
		r.logger.Warn("unwatch failed", slog.String("path", db.Path()), slog.String("error", err.Error()))
	}
}

// warnCollisions logs keys of db already held by another open file. A
// loaded file with the same path as db is not counted.
func (r *Registry) warnCollisions(db *database.Database) {
	for _, e := range db.Entries() {
		for _, other := range r.dbs {
			if other.Path() != db.Path() && other.HasKey(e.Key()) {
				r.logger.Warn("key collision across files",
					slog.String("key", e.Key()), slog.String("path", db.Path()), slog.String("other", other.Path()))
				break
			}
		}
	}
}

// Close removes the file at path. With saveBefore the file is written
// first; a failed write leaves it open.
func (r *Registry) Close(path string, saveBefore bool) error {
	db, err := r.Database(path)
	if err != nil {
		return fmt.Errorf("registry: close: %w", err)
	}
	r.untrack(db)
	if saveBefore {
		r.flushPending()
		r.lock.Acquire()
		err := db.Write()
		r.lock.Release()
		if err != nil {
			if db.Role() != models.RoleTransient && r.watcher != nil {
				_ = r.watcher.Watch(db.Path())
			}
			return fmt.Errorf("registry: close: %w", err)
		}
	}
	r.save.drop(db.Path())
	r.remove(db)
	if r.recents != nil && db.Role() == models.RoleUser {
		r.recents.Closed(db.Path())
	}
	r.logger.Info("file closed", slog.String("path", db.Path()), slog.Bool("saved", saveBefore))
	r.emit(EventClosed, db)
	return nil
}

func (r *Registry) remove(db *database.Database) {
	r.dbs = slices.DeleteFunc(r.dbs, func(d *database.Database) bool { return d == db })
	delete(r.byPath, db.Path())
	if db.Role() != models.RoleTransient {
		r.index.Invalidate()
	}
}

// CloseAll closes every file, last opened first.
func (r *Registry) CloseAll(saveBefore bool) error {
	var errs []error
	for _, db := range slices.Backward(slices.Clone(r.dbs)) {
		if err := r.Close(db.Path(), saveBefore); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadSystemFiles creates missing trash, queue and imported files in dir
// and opens them.
func (r *Registry) LoadSystemFiles(dir, ext string) error {
	var errs []error
	for _, sf := range systemFiles {
		path := filepath.Join(dir, sf.name+"."+ext)
		if err := r.storage.Touch(path); err != nil {
			errs = append(errs, fmt.Errorf("registry: create %s: %w: %w", path, apperr.ErrIO, err))
			continue
		}
		if db, err := r.System(sf.role); err == nil {
			r.logger.Debug("system file already open", slog.String("path", db.Path()))
			continue
		}
		if _, err := r.Open(path, sf.role); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reload re-reads the file at path. It is skipped while the write lock is
// held. The new content replaces the old only once it parsed cleanly, in the
// same load-order slot.
func (r *Registry) Reload(path string) error {
	db, err := r.Database(path)
	if err != nil {
		return fmt.Errorf("registry: reload: %w", err)
	}
	if !r.lock.TryAcquire() {
		r.logger.Debug("reload skipped, write lock held", slog.String("path", db.Path()))
		return nil
	}
	defer r.lock.Release()

	fresh, err := database.Open(db.Path(), db.Role(), r.dbOptions())
	if err != nil {
		return fmt.Errorf("registry: reload: %w", err)
	}
	fresh.SetSelected(db.Selected())
	r.warnCollisions(fresh)

	i := slices.Index(r.dbs, db)
	r.dbs[i] = fresh
	r.byPath[fresh.Path()] = fresh
	if fresh.Role() != models.RoleTransient {
		r.index.Invalidate()
	}
	r.logger.Info("file reloaded", slog.String("path", fresh.Path()), slog.Int("entries", fresh.Len()))
	r.emit(EventReloaded, fresh)
	return nil
}

// HandleExternalChange reacts to a watcher notification for path. Changes
// that match the last content we read or wrote are ignored.
func (r *Registry) HandleExternalChange(path string) {
	db, ok := r.byPath[path]
	if !ok {
		return
	}
	if r.lock.Held() {
		r.logger.Debug("change ignored, write lock held", slog.String("path", path))
		return
	}
	data, err := r.storage.Read(path)
	if err != nil {
		r.logger.Warn("changed file unreadable", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if checksum.Sum(data) == db.Checksum() {
		r.logger.Debug("change ignored, content unchanged", slog.String("path", path))
		return
	}
	if err := r.Reload(path); err != nil {
		r.logger.Error("reload after external change failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// SyncSelection marks exactly the files in paths as selected.
func (r *Registry) SyncSelection(paths []string) {
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		if abs, err := storage.Resolve(p); err == nil {
			want[abs] = true
		}
	}
	for _, db := range r.dbs {
		db.SetSelected(want[db.Path()])
	}
}

// HasKey returns the first file, in load order, holding key as a primary
// key or alias.
func (r *Registry) HasKey(key string) (string, bool) {
	for _, db := range r.dbs {
		if db.HasKey(key) {
			return db.Path(), true
		}
	}
	return "", false
}

// GetEntryByKey resolves key, looking in the hinted file first.
func (r *Registry) GetEntryByKey(key, pathHint string) (*entry.Entry, error) {
	if pathHint != "" {
		if db, err := r.Database(pathHint); err == nil {
			if e, ok := db.Lookup(key); ok {
				return e, nil
			}
		}
	}
	for _, db := range r.dbs {
		if e, ok := db.Lookup(key); ok {
			return e, nil
		}
	}
	return nil, fmt.Errorf("registry: key %q: %w", key, apperr.ErrKeyNotFound)
}

// takenByOther reports whether key names any entry other than self.
func (r *Registry) takenByOther(key string, self *entry.Entry) (string, bool) {
	for _, db := range r.dbs {
		for _, e := range db.Entries() {
			if e != self && (e.Key() == key || e.HasAlias(key)) {
				return db.Path(), true
			}
		}
	}
	return "", false
}

func (r *Registry) owner(e *entry.Entry) (*database.Database, error) {
	db, ok := r.byPath[e.File()]
	if !ok || db.Index(e) < 0 {
		return nil, fmt.Errorf("registry: entry %q: %w", e.Key(), apperr.ErrNotOpen)
	}
	return db, nil
}
