package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/starford/bibshelf/internal/apperr"
	"github.com/starford/bibshelf/internal/database"
	"github.com/starford/bibshelf/internal/entry"
	"github.com/starford/bibshelf/internal/models"
)

// move is one planned transfer of an entry between databases.
type move struct {
	e    *entry.Entry
	from *database.Database
	to   *database.Database
	pos  int
}

// plan collects validated moves, rejecting duplicates and key clashes in
// the destinations before anything is mutated.
type plan struct {
	moves []move
	keys  map[*database.Database]map[string]bool
}

func (p *plan) add(e *entry.Entry, from, to *database.Database) error {
	if slices.ContainsFunc(p.moves, func(m move) bool { return m.e == e }) {
		return nil
	}
	if from == to {
		return fmt.Errorf("registry: entry %q is already in %s: %w", e.Key(), to.Path(), apperr.ErrDuplicateKey)
	}
	if p.keys == nil {
		p.keys = make(map[*database.Database]map[string]bool)
	}
	if p.keys[to] == nil {
		p.keys[to] = make(map[string]bool)
	}
	if to.HasKey(e.Key()) || p.keys[to][e.Key()] {
		return fmt.Errorf("registry: key %q already in %s: %w", e.Key(), to.Path(), apperr.ErrDuplicateKey)
	}
	p.keys[to][e.Key()] = true
	p.moves = append(p.moves, move{e: e, from: from, to: to})
	return nil
}

// touched lists every database the plan writes, sources first.
func (p *plan) touched() []*database.Database {
	var out []*database.Database
	for _, m := range p.moves {
		if !slices.Contains(out, m.from) {
			out = append(out, m.from)
		}
	}
	for _, m := range p.moves {
		if !slices.Contains(out, m.to) {
			out = append(out, m.to)
		}
	}
	return out
}

// apply performs the plan under the write lock and writes each touched
// database once. If a write fails every move is undone in memory and the
// files already written are rewritten from the restored state.
func (r *Registry) apply(p *plan, mutate func(*entry.Entry) error, revert func(*entry.Entry)) error {
	if len(p.moves) == 0 {
		return nil
	}
	r.flushPending()
	r.lock.Acquire()
	defer r.lock.Release()

	done := 0
	for i := range p.moves {
		m := &p.moves[i]
		pos, err := m.from.Remove(m.e)
		if err == nil {
			m.pos = pos
			if err = mutate(m.e); err == nil {
				err = m.to.Add(m.e)
			}
			if err != nil {
				revert(m.e)
				_ = m.from.Insert(pos, m.e)
			}
		}
		if err != nil {
			r.undo(p.moves[:done], revert)
			return fmt.Errorf("registry: move %q: %w", m.e.Key(), err)
		}
		done++
	}

	var written []*database.Database
	for _, db := range p.touched() {
		if err := r.write(db); err != nil {
			r.undo(p.moves, revert)
			for _, w := range written {
				if rerr := r.write(w); rerr != nil {
					r.logger.Error("rollback write failed", slog.String("path", w.Path()), slog.String("error", rerr.Error()))
				}
			}
			r.invalidateFor(p)
			return fmt.Errorf("registry: batch write: %w", err)
		}
		written = append(written, db)
	}
	r.invalidateFor(p)
	return nil
}

func (r *Registry) undo(moves []move, revert func(*entry.Entry)) {
	for _, m := range slices.Backward(moves) {
		if _, err := m.to.Remove(m.e); err != nil {
			r.logger.Error("rollback remove failed", slog.String("key", m.e.Key()), slog.String("error", err.Error()))
			continue
		}
		revert(m.e)
		if err := m.from.Insert(m.pos, m.e); err != nil {
			r.logger.Error("rollback insert failed", slog.String("key", m.e.Key()), slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) invalidateFor(p *plan) {
	for _, db := range p.touched() {
		if db.Role() != models.RoleTransient {
			r.index.Invalidate()
			return
		}
	}
}

// Trash marks entries trashed and moves them into the trash file.
func (r *Registry) Trash(entries []*entry.Entry) error {
	trash, err := r.System(models.RoleTrash)
	if err != nil {
		return err
	}
	p := &plan{}
	for _, e := range entries {
		if e.IsTrashed() {
			return fmt.Errorf("registry: trash %q: %w", e.Key(), apperr.ErrAlreadyTrashed)
		}
		from, err := r.owner(e)
		if err != nil {
			return fmt.Errorf("registry: trash: %w", err)
		}
		if err := p.add(e, from, trash); err != nil {
			return err
		}
	}

	at := r.now()
	origins := make(map[*entry.Entry]string, len(p.moves))
	for _, m := range p.moves {
		origins[m.e] = m.from.Path()
	}
	err = r.apply(p,
		func(e *entry.Entry) error { return e.SetTrashed(origins[e], at) },
		func(e *entry.Entry) { _ = e.ClearTrashed() },
	)
	if err != nil {
		return fmt.Errorf("registry: trash: %w", err)
	}
	r.logger.Info("entries trashed", slog.Int("count", len(p.moves)))
	return nil
}

// Restore moves trashed entries back to their origin files. Origins that
// are not open are opened as transient for the duration of the call.
func (r *Registry) Restore(entries []*entry.Entry) error {
	var transient []*database.Database
	defer func() {
		for _, db := range transient {
			if err := r.Close(db.Path(), false); err != nil {
				r.logger.Warn("close transient failed", slog.String("path", db.Path()), slog.String("error", err.Error()))
			}
		}
	}()

	p := &plan{}
	saved := make(map[*entry.Entry]string, len(entries))
	for _, e := range entries {
		info := e.Trashed()
		if info == nil {
			return fmt.Errorf("registry: restore %q: %w", e.Key(), apperr.ErrNotTrashed)
		}
		from, err := r.owner(e)
		if err != nil {
			return fmt.Errorf("registry: restore: %w", err)
		}
		to, err := r.Database(info.From)
		if errors.Is(err, apperr.ErrNotOpen) {
			if !r.storage.Exists(info.From) {
				return fmt.Errorf("registry: restore %q to %s: %w", e.Key(), info.From, apperr.ErrOriginNotFound)
			}
			to, err = r.Open(info.From, models.RoleTransient)
			if err == nil {
				transient = append(transient, to)
			}
		}
		if err != nil {
			return fmt.Errorf("registry: restore %q: %w", e.Key(), err)
		}
		if err := p.add(e, from, to); err != nil {
			return err
		}
		saved[e] = e.Value(entry.FieldVerbb)
	}

	err := r.apply(p,
		func(e *entry.Entry) error { return e.ClearTrashed() },
		func(e *entry.Entry) { e.Set(entry.FieldVerbb, saved[e]) },
	)
	if err != nil {
		return fmt.Errorf("registry: restore: %w", err)
	}
	r.logger.Info("entries restored", slog.Int("count", len(p.moves)))
	return nil
}

// Move transfers entries into the file at dest.
func (r *Registry) Move(entries []*entry.Entry, dest string) error {
	to, err := r.Database(dest)
	if err != nil {
		return fmt.Errorf("registry: move: %w", err)
	}
	if to.Role() == models.RoleTransient {
		return fmt.Errorf("registry: move to %s: %w", to.Path(), apperr.ErrNotOpen)
	}
	p := &plan{}
	for _, e := range entries {
		from, err := r.owner(e)
		if err != nil {
			return fmt.Errorf("registry: move: %w", err)
		}
		if err := p.add(e, from, to); err != nil {
			return err
		}
	}
	noop := func(*entry.Entry) error { return nil }
	if err := r.apply(p, noop, func(*entry.Entry) {}); err != nil {
		return fmt.Errorf("registry: move: %w", err)
	}
	return nil
}
