package registry

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/starford/bibshelf/internal/database"
)

// pendingSave is the batch of files waiting for one deferred write. While
// active it holds one level of the write lock.
type pendingSave struct {
	active bool
	gen    int
	paths  []string
}

func (p *pendingSave) add(path string) {
	if !slices.Contains(p.paths, path) {
		p.paths = append(p.paths, path)
	}
}

func (p *pendingSave) drop(path string) {
	p.paths = slices.DeleteFunc(p.paths, func(s string) bool { return s == path })
}

// TriggerSave requests a deferred write of the file at path. Requests made
// while a save is pending join it. Requests made while the write lock is
// held for anything else are dropped: the holder writes the full current
// content anyway.
func (r *Registry) TriggerSave(path string) error {
	db, err := r.Database(path)
	if err != nil {
		return fmt.Errorf("registry: trigger save: %w", err)
	}
	if r.save.active {
		r.save.add(db.Path())
		return nil
	}
	if !r.lock.TryAcquire() {
		r.logger.Debug("save request dropped, write lock held", slog.String("path", db.Path()))
		return nil
	}
	r.save.active = true
	r.save.gen++
	r.save.paths = []string{db.Path()}
	gen := r.save.gen
	r.scheduler.AfterFunc(r.settings.SaveDelay, func() {
		if r.save.active && r.save.gen == gen {
			r.runPendingSave()
		}
	})
	return nil
}

// PendingSave returns the files waiting for the deferred write.
func (r *Registry) PendingSave() []string {
	if !r.save.active {
		return nil
	}
	return slices.Clone(r.save.paths)
}

// Flush writes a pending save now instead of waiting for its timer.
func (r *Registry) Flush() {
	r.flushPending()
}

func (r *Registry) flushPending() {
	if r.save.active {
		r.runPendingSave()
	}
}

func (r *Registry) runPendingSave() {
	paths := r.save.paths
	r.save = pendingSave{gen: r.save.gen}
	defer r.lock.Release()
	for _, path := range paths {
		db, ok := r.byPath[path]
		if !ok {
			continue
		}
		if err := r.write(db); err != nil {
			r.logger.Error("deferred save failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) write(db *database.Database) error {
	if err := db.Write(); err != nil {
		return err
	}
	r.emit(EventSaved, db)
	return nil
}

// Save writes the file at path now, after any pending save.
func (r *Registry) Save(path string) error {
	db, err := r.Database(path)
	if err != nil {
		return fmt.Errorf("registry: save: %w", err)
	}
	r.flushPending()
	r.lock.Acquire()
	defer r.lock.Release()
	if err := r.write(db); err != nil {
		return fmt.Errorf("registry: save: %w", err)
	}
	return nil
}

