package registry

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/starford/bibshelf/internal/apperr"
	"github.com/starford/bibshelf/internal/bibtex"
	"github.com/starford/bibshelf/internal/entry"
	"github.com/starford/bibshelf/internal/keygen"
)

// AddEntry adds e to the file at path. An empty key is generated; a given
// key or alias must not be held anywhere else.
func (r *Registry) AddEntry(path string, e *entry.Entry) error {
	db, err := r.Database(path)
	if err != nil {
		return fmt.Errorf("registry: add entry: %w", err)
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("registry: add entry: %w", err)
	}
	if e.Key() == "" {
		e.SetKey(keygen.GenerateUnique(e, r, r.settings.MinKeyLength))
	} else if other, ok := r.HasKey(e.Key()); ok {
		return fmt.Errorf("registry: add entry %q: held by %s: %w", e.Key(), other, apperr.ErrDuplicateKey)
	}
	for _, id := range e.IDs() {
		if other, ok := r.HasKey(id); ok {
			return fmt.Errorf("registry: add entry %q: alias %q held by %s: %w", e.Key(), id, other, apperr.ErrDuplicateKey)
		}
	}
	e.Stamp(r.settings.Stamp, r.now())
	if err := db.Add(e); err != nil {
		return fmt.Errorf("registry: add entry: %w", err)
	}
	r.index.Invalidate()
	r.logger.Debug("entry added", slog.String("key", e.Key()), slog.String("path", db.Path()))
	return r.TriggerSave(db.Path())
}

// DeleteEntry removes e from its file.
func (r *Registry) DeleteEntry(e *entry.Entry) error {
	db, err := r.owner(e)
	if err != nil {
		return fmt.Errorf("registry: delete entry: %w", err)
	}
	if _, err := db.Remove(e); err != nil {
		return fmt.Errorf("registry: delete entry: %w", err)
	}
	r.index.Invalidate()
	r.logger.Debug("entry deleted", slog.String("key", e.Key()), slog.String("path", db.Path()))
	return r.TriggerSave(db.Path())
}

// RenameKey changes the key of e and keeps the old key as an alias. A key
// held by any other entry, as key or alias, is rejected.
func (r *Registry) RenameKey(e *entry.Entry, newKey string) error {
	db, err := r.owner(e)
	if err != nil {
		return fmt.Errorf("registry: rename: %w", err)
	}
	oldKey := e.Key()
	if newKey == oldKey {
		return nil
	}
	if newKey == "" {
		return fmt.Errorf("registry: rename %q: empty key: %w", oldKey, apperr.ErrInvalidKey)
	}
	if other, ok := r.takenByOther(newKey, e); ok {
		return fmt.Errorf("registry: rename %q to %q: held by %s: %w", oldKey, newKey, other, apperr.ErrDuplicateKey)
	}
	e.SetKey(newKey)
	if err := db.Rekey(e, oldKey); err != nil {
		e.SetKey(oldKey)
		return fmt.Errorf("registry: rename: %w", err)
	}
	e.RemoveAlias(newKey)
	e.AddAlias(oldKey)
	e.Stamp(r.settings.Stamp, r.now())
	r.index.Invalidate()
	r.logger.Info("key renamed", slog.String("from", oldKey), slog.String("to", newKey), slog.String("path", db.Path()))
	return r.TriggerSave(db.Path())
}

// UpdateFields sets the given fields on e; empty values remove fields. A
// "key" field is applied through RenameKey first, and the key it replaces
// stays an alias even when "ids" is given too.
func (r *Registry) UpdateFields(e *entry.Entry, fields map[string]string) error {
	db, err := r.owner(e)
	if err != nil {
		return fmt.Errorf("registry: update: %w", err)
	}
	fields, err = normalizeFields(fields)
	if err != nil {
		return fmt.Errorf("registry: update %q: %w", e.Key(), err)
	}
	if ids, ok := fields[entry.FieldIDs]; ok {
		for _, id := range strings.Split(ids, ",") {
			id = strings.TrimSpace(id)
			if other, taken := r.takenByOther(id, e); id != "" && taken {
				return fmt.Errorf("registry: update %q: alias %q held by %s: %w", e.Key(), id, other, apperr.ErrDuplicateKey)
			}
		}
	}
	oldKey := e.Key()
	if k, ok := fields[entry.FieldKey]; ok {
		if err := r.RenameKey(e, k); err != nil {
			return err
		}
	}
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if name != entry.FieldKey {
			e.Set(name, fields[name])
		}
	}
	if e.Key() != oldKey {
		e.RemoveAlias(e.Key())
		e.AddAlias(oldKey)
	}
	return r.touch(e, db.Path())
}

// normalizeFields lowercases field names and rejects names, or an entry
// type, that would not parse back.
func normalizeFields(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for name, value := range fields {
		name = strings.ToLower(strings.TrimSpace(name))
		if !bibtex.ValidName(name) {
			return nil, fmt.Errorf("field %q: %w", name, apperr.ErrInvalidField)
		}
		if t := strings.TrimSpace(value); name == entry.FieldEntryType && t != "" && !bibtex.ValidName(t) {
			return nil, fmt.Errorf("type %q: %w", t, apperr.ErrInvalidField)
		}
		out[name] = value
	}
	return out, nil
}

// ToggleQuality flips the quality marker of e.
func (r *Registry) ToggleQuality(e *entry.Entry) error {
	db, err := r.owner(e)
	if err != nil {
		return fmt.Errorf("registry: toggle quality: %w", err)
	}
	e.ToggleQuality()
	return r.touch(e, db.Path())
}

// CycleReadStatus advances the read status of e.
func (r *Registry) CycleReadStatus(e *entry.Entry) error {
	db, err := r.owner(e)
	if err != nil {
		return fmt.Errorf("registry: cycle read status: %w", err)
	}
	e.CycleReadStatus()
	return r.touch(e, db.Path())
}

func (r *Registry) touch(e *entry.Entry, path string) error {
	e.Stamp(r.settings.Stamp, r.now())
	r.index.Invalidate()
	return r.TriggerSave(path)
}
