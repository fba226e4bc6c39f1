// Package entry models a single bibliography record: typed field access,
// derived display attributes and the reserved keyword and trash vocabularies.
package entry

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/starford/bibshelf/internal/apperr"
	"github.com/starford/bibshelf/internal/bibtex"
	"github.com/starford/bibshelf/internal/models"
)

// Reserved field names with special semantics.
const (
	FieldKey       = "key"
	FieldEntryType = "entrytype"
	FieldKeywords  = "keywords"
	FieldIDs       = "ids"
	FieldVerbb     = "verbb"
)

// DefaultType is used when an entry is created without a type.
const DefaultType = "misc"

// Entry is one bibliography record. The owning database is referenced by
// path only; resolve it through the registry.
type Entry struct {
	key    string
	typ    string
	fields *orderedmap.OrderedMap[string, string]
	macros map[string]string // source text of macro or concatenated values
	file   string
}

// New returns an empty entry of the given type, without key or file.
func New(entryType string) *Entry {
	e := &Entry{fields: orderedmap.New[string, string]()}
	e.SetType(entryType)
	return e
}

// FromRecord builds an entry from a parsed record.
func FromRecord(r bibtex.Record) *Entry {
	e := New(r.Type)
	e.key = r.Key
	for _, f := range r.Fields {
		e.setRaw(f.Name, f.Value)
		if f.Raw != "" && f.Value != "" {
			if e.macros == nil {
				e.macros = make(map[string]string)
			}
			e.macros[f.Name] = f.Raw
		}
	}
	return e
}

// Duplicate returns a copy of src meant to be added as a new entry: the key
// and aliases are cleared and the file affinity is kept as a hint for where
// to add it. Trash provenance is not inherited.
func Duplicate(src *Entry) *Entry {
	dup := src.Copy()
	dup.fields.Delete(FieldIDs)
	_ = dup.ClearTrashed()
	dup.file = src.file
	return dup
}

// Copy returns a detached entry with the same fields and no key.
func (e *Entry) Copy() *Entry {
	c := New(e.typ)
	for p := e.fields.Oldest(); p != nil; p = p.Next() {
		c.fields.Set(p.Key, p.Value)
	}
	c.macros = maps.Clone(e.macros)
	return c
}

// Record converts the entry back into a codec record.
func (e *Entry) Record() bibtex.Record {
	r := bibtex.Record{Type: e.typ, Key: e.key}
	for p := e.fields.Oldest(); p != nil; p = p.Next() {
		r.Fields = append(r.Fields, bibtex.Field{Name: p.Key, Value: p.Value, Raw: e.macros[p.Key]})
	}
	return r
}

// Validate checks that the type and every field name survive a write and a
// re-read of the file.
func (e *Entry) Validate() error {
	if !bibtex.ValidName(e.typ) {
		return fmt.Errorf("entry: type %q: %w", e.typ, apperr.ErrInvalidField)
	}
	for p := e.fields.Oldest(); p != nil; p = p.Next() {
		if !bibtex.ValidName(p.Key) {
			return fmt.Errorf("entry %s: field %q: %w", e.key, p.Key, apperr.ErrInvalidField)
		}
	}
	return nil
}

func (e *Entry) String() string {
	where := " NEW"
	if e.file != "" {
		where = " in " + e.file
	}
	return fmt.Sprintf("Entry %s@%s%s", e.key, e.typ, where)
}

// Key returns the citation key, empty before the entry is first saved.
func (e *Entry) Key() string { return e.key }

// SetKey replaces the key. Renames must be registered with the owning
// database by the caller.
func (e *Entry) SetKey(key string) { e.key = strings.TrimSpace(key) }

// Type returns the entry type tag (article, book, ...).
func (e *Entry) Type() string { return e.typ }

// SetType sets the entry type tag; an empty value means DefaultType.
func (e *Entry) SetType(t string) {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		t = DefaultType
	}
	e.typ = t
}

// File returns the path of the owning database, empty when detached.
func (e *Entry) File() string { return e.file }

// Attach records the owning database path. Only databases call it.
func (e *Entry) Attach(path string) { e.file = path }

// Detach clears the file affinity.
func (e *Entry) Detach() { e.file = "" }

// fieldHandler implements a reserved field. Everything else is passthrough.
type fieldHandler struct {
	get func(e *Entry) string
	set func(e *Entry, v string)
}

var reserved = map[string]fieldHandler{
	FieldKey: {
		get: func(e *Entry) string { return e.key },
		set: func(e *Entry, v string) { e.SetKey(v) },
	},
	FieldEntryType: {
		get: func(e *Entry) string { return e.typ },
		set: func(e *Entry, v string) { e.SetType(v) },
	},
	FieldKeywords: {
		get: func(e *Entry) string { return strings.Join(e.Keywords(), ", ") },
		set: func(e *Entry, v string) { e.SetKeywords(splitTokens(v, ",")) },
	},
	FieldIDs: {
		get: func(e *Entry) string { return strings.Join(e.IDs(), ", ") },
		set: func(e *Entry, v string) { e.setIDs(splitTokens(v, ",")) },
	},
	FieldVerbb: {
		get: func(e *Entry) string { return e.raw(FieldVerbb) },
		set: func(e *Entry, v string) { e.setRaw(FieldVerbb, v) },
	},
}

// Get returns the value of a field and whether it is set.
func (e *Entry) Get(name string) (string, bool) {
	name = strings.ToLower(name)
	if h, ok := reserved[name]; ok {
		v := h.get(e)
		return v, v != ""
	}
	return e.fields.Get(name)
}

// Value is Get without the presence flag.
func (e *Entry) Value(name string) string {
	v, _ := e.Get(name)
	return v
}

// Set assigns a field. An empty value removes the field.
func (e *Entry) Set(name, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	if h, ok := reserved[name]; ok {
		h.set(e, value)
		return
	}
	e.setRaw(name, value)
}

// Names lists the stored field names in order.
func (e *Entry) Names() []string {
	out := make([]string, 0, e.fields.Len())
	for p := e.fields.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

func (e *Entry) raw(name string) string {
	v, _ := e.fields.Get(name)
	return v
}

func (e *Entry) setRaw(name, value string) {
	delete(e.macros, name)
	if value == "" {
		e.fields.Delete(name)
		return
	}
	e.fields.Set(name, value)
}

func splitTokens(value, sep string) []string {
	var out []string
	for _, tok := range strings.Split(value, sep) {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// IDs returns the historical keys (aliases) of the entry.
func (e *Entry) IDs() []string {
	return splitTokens(e.raw(FieldIDs), ",")
}

func (e *Entry) setIDs(ids []string) {
	e.setRaw(FieldIDs, strings.Join(ids, ", "))
}

// HasAlias reports whether key is one of the entry's aliases.
func (e *Entry) HasAlias(key string) bool {
	for _, id := range e.IDs() {
		if id == key {
			return true
		}
	}
	return false
}

// AddAlias appends key to the aliases unless already present.
func (e *Entry) AddAlias(key string) {
	if key == "" || e.HasAlias(key) {
		return
	}
	e.setIDs(append(e.IDs(), key))
}

// RemoveAlias drops key from the aliases.
func (e *Entry) RemoveAlias(key string) {
	ids := e.IDs()
	kept := ids[:0]
	for _, id := range ids {
		if id != key {
			kept = append(kept, id)
		}
	}
	e.setIDs(kept)
}

// Year returns the year field, or the year part of an ISO date field.
func (e *Entry) Year() (int, bool) {
	raw := e.raw("year")
	if raw == "" {
		date := e.raw("date")
		if date == "" {
			return 0, false
		}
		raw, _, _ = strings.Cut(date, "-")
	}
	y, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return y, true
}

// Author returns the author field cleaned for display.
func (e *Entry) Author() string { return cleanDisplay(e.raw("author")) }

// Title returns the title field cleaned for display.
func (e *Entry) Title() string { return cleanDisplay(e.raw("title")) }

// Journal returns journal or journaltitle cleaned for display.
func (e *Entry) Journal() string {
	if j := e.raw("journaltitle"); j != "" {
		return cleanDisplay(j)
	}
	return cleanDisplay(e.raw("journal"))
}

// cleanDisplay strips BibTeX grouping braces and escapes. Braces are kept
// when the value carries LaTeX commands.
func cleanDisplay(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "{") && strings.HasSuffix(v, "}") {
		v = v[1 : len(v)-1]
	}
	if strings.Contains(v, "{") && !strings.Contains(v, `\`) {
		v = strings.NewReplacer("{", "", "}", "").Replace(v)
	}
	return strings.ReplaceAll(v, `\`, "")
}

// StampOptions controls timestamp and owner stamping on edits.
type StampOptions struct {
	Timestamp       bool
	UpdateTimestamp bool
	Owner           string
	UpdateOwner     bool
}

// Stamp sets the timestamp and owner fields as configured.
func (e *Entry) Stamp(opts StampOptions, now time.Time) {
	if opts.Timestamp {
		if e.raw("timestamp") == "" || opts.UpdateTimestamp {
			e.setRaw("timestamp", now.Format(time.DateOnly))
		}
	}
	if owner := strings.TrimSpace(opts.Owner); owner != "" {
		if e.raw("owner") == "" || opts.UpdateOwner {
			e.setRaw("owner", owner)
		}
	}
}

// verbb holds bibshelf-private data in the BibLaTeX verbb field as
// name:value pairs separated by '|'.
const (
	verbbSeparator = "|"
	trashedFrom    = "trashedFrom"
	trashedDate    = "trashedDate"
)

type verbbPair struct{ name, value string }

// unescapeBraces undoes the escaping the writer applies to unmatched braces,
// so paths read back as they were stored.
var unescapeBraces = strings.NewReplacer(`\{`, "{", `\}`, "}")

func (e *Entry) verbb() []verbbPair {
	var out []verbbPair
	for _, tok := range splitTokens(e.raw(FieldVerbb), verbbSeparator) {
		name, value, _ := strings.Cut(tok, ":")
		out = append(out, verbbPair{strings.TrimSpace(name), unescapeBraces.Replace(strings.TrimSpace(value))})
	}
	return out
}

func (e *Entry) setVerbb(pairs []verbbPair) {
	toks := make([]string, 0, len(pairs))
	for _, p := range pairs {
		toks = append(toks, p.name+":"+p.value)
	}
	e.setRaw(FieldVerbb, strings.Join(toks, verbbSeparator))
}

// Trashed returns the trash provenance, or nil when the entry is not trashed.
func (e *Entry) Trashed() *models.TrashInfo {
	var info models.TrashInfo
	found := false
	for _, p := range e.verbb() {
		switch p.name {
		case trashedFrom:
			info.From, found = p.value, true
		case trashedDate:
			info.Date = p.value
		}
	}
	if !found {
		return nil
	}
	return &info
}

// IsTrashed reports whether trash provenance is recorded.
func (e *Entry) IsTrashed() bool { return e.Trashed() != nil }

// SetTrashed records origin and date in the trash side channel.
func (e *Entry) SetTrashed(origin string, at time.Time) error {
	if e.IsTrashed() {
		return fmt.Errorf("entry: trash %s: %w", e.key, apperr.ErrAlreadyTrashed)
	}
	pairs := append(e.verbb(),
		verbbPair{trashedFrom, origin},
		verbbPair{trashedDate, at.Format(time.DateOnly)},
	)
	e.setVerbb(pairs)
	return nil
}

// ClearTrashed removes the trash provenance.
func (e *Entry) ClearTrashed() error {
	if !e.IsTrashed() {
		return fmt.Errorf("entry: untrash %s: %w", e.key, apperr.ErrNotTrashed)
	}
	pairs := e.verbb()
	kept := pairs[:0]
	for _, p := range pairs {
		if p.name != trashedFrom && p.name != trashedDate {
			kept = append(kept, p)
		}
	}
	e.setVerbb(kept)
	return nil
}
