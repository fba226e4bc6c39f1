// Package library is the concurrency-safe face of the citation store. Every
// call is serialized onto the registry goroutine and returns copies, never
// live entries.
package library

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/starford/bibshelf/internal/apperr"
	"github.com/starford/bibshelf/internal/database"
	"github.com/starford/bibshelf/internal/entry"
	"github.com/starford/bibshelf/internal/keygen"
	"github.com/starford/bibshelf/internal/models"
	"github.com/starford/bibshelf/internal/registry"
	"github.com/starford/bibshelf/internal/search"
)

// Runner executes work on the registry goroutine.
type Runner interface {
	Do(ctx context.Context, fn func() error) error
	Post(fn func())
	AfterFunc(d time.Duration, fn func())
}

// Notifier receives change notifications, e.g. to forward them to clients.
type Notifier interface {
	Publish(kind, path string)
}

// Event kinds passed to the Notifier.
const (
	KindIndexUpdated = "index.updated"
	KindFileOpened   = "file.opened"
	KindFileClosed   = "file.closed"
	KindFileReloaded = "file.reloaded"
	KindFileSaved    = "file.saved"
)

// DefaultSearchSyncDelay batches search mirror updates after edits.
const DefaultSearchSyncDelay = time.Second

// Options configures a Library.
type Options struct {
	Search          *search.DB
	Notifier        Notifier
	MinKeyLength    int
	SearchSyncDelay time.Duration
	Logger          *slog.Logger
}

// Library serializes access to a registry.
type Library struct {
	reg    *registry.Registry
	run    Runner
	search *search.DB
	notify Notifier
	minKey int
	delay  time.Duration
	logger *slog.Logger

	// syncQueued is only touched on the registry goroutine.
	syncQueued bool
}

// New wires a library to reg. Call it before the runner starts.
func New(reg *registry.Registry, run Runner, opts Options) *Library {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MinKeyLength <= 0 {
		opts.MinKeyLength = keygen.DefaultMinLength
	}
	if opts.SearchSyncDelay <= 0 {
		opts.SearchSyncDelay = DefaultSearchSyncDelay
	}
	l := &Library{
		reg:    reg,
		run:    run,
		search: opts.Search,
		notify: opts.Notifier,
		minKey: opts.MinKeyLength,
		delay:  opts.SearchSyncDelay,
		logger: opts.Logger.With(slog.String("component", "library")),
	}
	reg.Index().Subscribe(l.indexChanged)
	reg.Subscribe(l.fileEvent)
	return l
}

func (l *Library) publish(kind, path string) {
	if l.notify != nil {
		l.notify.Publish(kind, path)
	}
}

func (l *Library) indexChanged() {
	l.publish(KindIndexUpdated, "")
	if l.search == nil || l.syncQueued {
		return
	}
	l.syncQueued = true
	l.run.AfterFunc(l.delay, func() {
		l.syncQueued = false
		l.syncSearch()
	})
}

func (l *Library) fileEvent(ev registry.Event) {
	if ev.Role == models.RoleTransient {
		return
	}
	switch ev.Kind {
	case registry.EventOpened:
		l.publish(KindFileOpened, ev.Path)
	case registry.EventClosed:
		l.publish(KindFileClosed, ev.Path)
	case registry.EventReloaded:
		l.publish(KindFileReloaded, ev.Path)
	case registry.EventSaved:
		l.publish(KindFileSaved, ev.Path)
	}
}

// syncSearch mirrors every visible file into the search database.
func (l *Library) syncSearch() {
	if l.search == nil {
		return
	}
	dbs := l.reg.Databases(models.RoleVisible)
	files := make([]search.File, 0, len(dbs))
	for _, db := range dbs {
		files = append(files, searchFile(db))
	}
	if err := search.Sync(l.search, files, l.logger); err != nil {
		l.logger.Warn("search sync failed", slog.String("error", err.Error()))
	}
}

func searchFile(db *database.Database) search.File {
	f := search.File{Path: db.Path(), Role: db.Role().String()}
	for _, e := range db.Entries() {
		year, _ := e.Year()
		var body []string
		for _, name := range e.Names() {
			if name != entry.FieldVerbb {
				body = append(body, e.Value(name))
			}
		}
		f.Docs = append(f.Docs, search.Doc{
			Key:      e.Key(),
			Type:     e.Type(),
			Author:   e.Author(),
			Title:    e.Title(),
			Journal:  e.Journal(),
			Year:     year,
			Keywords: e.Keywords(),
			Body:     strings.Join(body, " "),
		})
	}
	return f
}

// ExternalChange hands a watcher notification to the registry goroutine.
func (l *Library) ExternalChange(path string) {
	l.run.Post(func() { l.reg.HandleExternalChange(path) })
}

// Bootstrap opens the system files in dataDir and then each of files.
// Files that fail to open are logged and skipped.
func (l *Library) Bootstrap(ctx context.Context, dataDir, ext string, files []string) error {
	return l.run.Do(ctx, func() error {
		if err := l.reg.LoadSystemFiles(dataDir, ext); err != nil {
			return err
		}
		for _, path := range files {
			if _, err := l.reg.Open(path, models.RoleUser); err != nil {
				l.logger.Warn("reopen failed", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		l.syncSearch()
		return nil
	})
}

// Flush writes any pending save.
func (l *Library) Flush(ctx context.Context) error {
	return l.run.Do(ctx, func() error {
		l.reg.Flush()
		return nil
	})
}

func fileInfo(db *database.Database) models.FileInfo {
	return models.FileInfo{
		Path:     db.Path(),
		Role:     db.Role(),
		Entries:  db.Len(),
		Selected: db.Selected(),
		Checksum: db.Checksum(),
	}
}

// Files lists the open files in load order, transient ones excluded.
func (l *Library) Files(ctx context.Context) ([]models.FileInfo, error) {
	var out []models.FileInfo
	err := l.run.Do(ctx, func() error {
		for _, db := range l.reg.Databases(models.RoleVisible) {
			out = append(out, fileInfo(db))
		}
		return nil
	})
	return out, err
}

// OpenFile opens a user file.
func (l *Library) OpenFile(ctx context.Context, path string) (models.FileInfo, error) {
	var info models.FileInfo
	err := l.run.Do(ctx, func() error {
		db, err := l.reg.Open(path, models.RoleUser)
		if err != nil {
			return err
		}
		info = fileInfo(db)
		return nil
	})
	return info, err
}

// CloseFile closes a user file, saving it first when save is set.
func (l *Library) CloseFile(ctx context.Context, path string, save bool) error {
	return l.run.Do(ctx, func() error {
		db, err := l.reg.Database(path)
		if err != nil {
			return err
		}
		if db.Role().Is(models.RoleSystem) {
			return fmt.Errorf("library: close %s: %s file stays open: %w", db.Path(), db.Role(), apperr.ErrAlreadyOpen)
		}
		return l.reg.Close(path, save)
	})
}

// ReloadFile re-reads a file from disk.
func (l *Library) ReloadFile(ctx context.Context, path string) error {
	return l.run.Do(ctx, func() error { return l.reg.Reload(path) })
}

// SaveFile writes a file now.
func (l *Library) SaveFile(ctx context.Context, path string) error {
	return l.run.Do(ctx, func() error { return l.reg.Save(path) })
}

// SelectFiles marks exactly paths as selected.
func (l *Library) SelectFiles(ctx context.Context, paths []string) error {
	return l.run.Do(ctx, func() error {
		l.reg.SyncSelection(paths)
		return nil
	})
}

// PendingSave lists files waiting for a deferred write.
func (l *Library) PendingSave(ctx context.Context) ([]string, error) {
	var out []string
	err := l.run.Do(ctx, func() error {
		out = l.reg.PendingSave()
		return nil
	})
	return out, err
}
