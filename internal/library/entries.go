package library

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/starford/bibshelf/internal/apperr"
	"github.com/starford/bibshelf/internal/entry"
	"github.com/starford/bibshelf/internal/keygen"
	"github.com/starford/bibshelf/internal/models"
	"github.com/starford/bibshelf/internal/search"
)

// Field is one name/value pair in file order.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EntryDetail is a snapshot of one entry.
type EntryDetail struct {
	Key      string            `json:"key"`
	Type     string            `json:"type"`
	File     string            `json:"file"`
	GlobalID int               `json:"global_id"`
	IDs      []string          `json:"ids,omitempty"`
	Fields   []Field           `json:"fields"`
	Row      models.Row        `json:"row"`
	Trashed  *models.TrashInfo `json:"trashed,omitempty"`
}

// KeyStatus reports whether a key may be used.
type KeyStatus struct {
	Key     string `json:"key"`
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
	TakenBy string `json:"taken_by,omitempty"`
}

func (l *Library) detail(e *entry.Entry) *EntryDetail {
	d := &EntryDetail{
		Key:      e.Key(),
		Type:     e.Type(),
		File:     e.File(),
		GlobalID: -1,
		IDs:      e.IDs(),
		Trashed:  e.Trashed(),
	}
	for _, name := range e.Names() {
		d.Fields = append(d.Fields, Field{Name: name, Value: e.Value(name)})
	}
	if id, ok := l.reg.Index().Find(e.File(), e.Key()); ok {
		d.GlobalID = id
		d.Row, _ = l.reg.Index().RowAt(id)
	}
	return d
}

// Rows returns up to limit rows starting at offset, and the total count.
func (l *Library) Rows(ctx context.Context, offset, limit int) ([]models.Row, int, error) {
	var out []models.Row
	total := 0
	err := l.run.Do(ctx, func() error {
		idx := l.reg.Index()
		total = idx.RowCount()
		if offset < 0 {
			offset = 0
		}
		end := total
		if limit > 0 {
			end = min(total, offset+limit)
		}
		for id := offset; id < end; id++ {
			row, err := idx.RowAt(id)
			if err != nil {
				return err
			}
			out = append(out, row)
		}
		return nil
	})
	return out, total, err
}

// Row returns the row with the given global id.
func (l *Library) Row(ctx context.Context, id int) (models.Row, error) {
	var row models.Row
	err := l.run.Do(ctx, func() error {
		var err error
		row, err = l.reg.Index().RowAt(id)
		return err
	})
	return row, err
}

// Entry resolves key, optionally looking in file first.
func (l *Library) Entry(ctx context.Context, key, file string) (*EntryDetail, error) {
	var d *EntryDetail
	err := l.run.Do(ctx, func() error {
		e, err := l.reg.GetEntryByKey(key, file)
		if err != nil {
			return err
		}
		d = l.detail(e)
		return nil
	})
	return d, err
}

// NewEntry describes an entry to add.
type NewEntry struct {
	File   string
	Type   string
	Key    string
	Fields map[string]string
}

// AddEntry adds an entry, generating its key when none is given.
func (l *Library) AddEntry(ctx context.Context, req NewEntry) (*EntryDetail, error) {
	if req.Key != "" {
		if err := keygen.Validate(req.Key); err != nil {
			return nil, err
		}
	}
	var d *EntryDetail
	err := l.run.Do(ctx, func() error {
		e := entry.New(req.Type)
		for name, value := range req.Fields {
			if name != entry.FieldKey {
				e.Set(name, value)
			}
		}
		e.SetKey(req.Key)
		if err := l.reg.AddEntry(req.File, e); err != nil {
			return err
		}
		d = l.detail(e)
		return nil
	})
	return d, err
}

// UpdateEntry applies field changes. A "key" field renames the entry.
func (l *Library) UpdateEntry(ctx context.Context, key string, fields map[string]string) (*EntryDetail, error) {
	if k, ok := fields[entry.FieldKey]; ok {
		if err := keygen.Validate(k); err != nil {
			return nil, err
		}
	}
	return l.edit(ctx, key, func(e *entry.Entry) error { return l.reg.UpdateFields(e, fields) })
}

// ToggleQuality flips the quality marker.
func (l *Library) ToggleQuality(ctx context.Context, key string) (*EntryDetail, error) {
	return l.edit(ctx, key, l.reg.ToggleQuality)
}

// CycleReadStatus advances the read status.
func (l *Library) CycleReadStatus(ctx context.Context, key string) (*EntryDetail, error) {
	return l.edit(ctx, key, l.reg.CycleReadStatus)
}

func (l *Library) edit(ctx context.Context, key string, fn func(*entry.Entry) error) (*EntryDetail, error) {
	var d *EntryDetail
	err := l.run.Do(ctx, func() error {
		e, err := l.reg.GetEntryByKey(key, "")
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
		d = l.detail(e)
		return nil
	})
	return d, err
}

// DeleteEntry removes an entry for good.
func (l *Library) DeleteEntry(ctx context.Context, key string) error {
	return l.run.Do(ctx, func() error {
		e, err := l.reg.GetEntryByKey(key, "")
		if err != nil {
			return err
		}
		return l.reg.DeleteEntry(e)
	})
}

func (l *Library) resolve(keys []string) ([]*entry.Entry, error) {
	out := make([]*entry.Entry, 0, len(keys))
	for _, k := range keys {
		e, err := l.reg.GetEntryByKey(k, "")
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Trash moves entries to the trash file.
func (l *Library) Trash(ctx context.Context, keys []string) error {
	return l.run.Do(ctx, func() error {
		entries, err := l.resolve(keys)
		if err != nil {
			return err
		}
		return l.reg.Trash(entries)
	})
}

// Restore moves trashed entries back to their origin files.
func (l *Library) Restore(ctx context.Context, keys []string) error {
	return l.run.Do(ctx, func() error {
		trash, err := l.reg.System(models.RoleTrash)
		if err != nil {
			return err
		}
		entries := make([]*entry.Entry, 0, len(keys))
		for _, k := range keys {
			e, ok := trash.Lookup(k)
			if !ok {
				return fmt.Errorf("library: restore %q: %w", k, apperr.ErrKeyNotFound)
			}
			entries = append(entries, e)
		}
		return l.reg.Restore(entries)
	})
}

// Move transfers entries into dest.
func (l *Library) Move(ctx context.Context, keys []string, dest string) error {
	return l.run.Do(ctx, func() error {
		entries, err := l.resolve(keys)
		if err != nil {
			return err
		}
		return l.reg.Move(entries, dest)
	})
}

// CheckKey validates key syntax and reports which file holds it.
func (l *Library) CheckKey(ctx context.Context, key string) (KeyStatus, error) {
	st := KeyStatus{Key: key, Valid: true}
	if err := keygen.Validate(key); err != nil {
		st.Valid = false
		st.Reason = "must start with a letter and contain only letters, digits, '-', ':' or '_' (3 characters minimum)"
	}
	err := l.run.Do(ctx, func() error {
		if path, ok := l.reg.HasKey(key); ok {
			st.TakenBy = path
		}
		return nil
	})
	return st, err
}

// GenerateKey proposes a free key for an entry with the given fields.
func (l *Library) GenerateKey(ctx context.Context, typ string, fields map[string]string) (string, error) {
	e := entry.New(typ)
	for name, value := range fields {
		if name != entry.FieldKey {
			e.Set(name, value)
		}
	}
	var key string
	err := l.run.Do(ctx, func() error {
		key = keygen.GenerateUnique(e, l.reg, l.minKey)
		return nil
	})
	return key, err
}

// Search queries the search mirror, or scans the rows when there is none.
func (l *Library) Search(ctx context.Context, query string, limit int) ([]search.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("library: search: empty query: %w", errEmptyQuery)
	}
	if l.search != nil {
		return l.search.Search(query, limit)
	}
	if limit <= 0 {
		limit = 20
	}
	q := strings.ToLower(query)
	var out []search.Result
	err := l.run.Do(ctx, func() error {
		for _, row := range l.reg.Index().Rows() {
			hay := strings.ToLower(strings.Join(append([]string{row.Key, row.Author, row.Title, row.Journal}, row.Keywords...), " "))
			if !strings.Contains(hay, q) {
				continue
			}
			out = append(out, search.Result{File: row.SourceFile, Key: row.Key, Title: row.Title, Author: row.Author, Year: row.Year})
			if len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

var errEmptyQuery = errors.New("query is required")

// IsUserError reports whether err is a precondition failure the caller can
// fix, as opposed to an internal failure.
func IsUserError(err error) bool {
	for _, target := range []error{
		apperr.ErrAlreadyOpen, apperr.ErrNotOpen, apperr.ErrKeyNotFound, apperr.ErrOriginNotFound,
		apperr.ErrDuplicateKey, apperr.ErrInvalidKey, apperr.ErrInvalidField, apperr.ErrAlreadyTrashed, apperr.ErrNotTrashed,
		apperr.ErrParse, apperr.ErrNoSystemFile, errEmptyQuery,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
