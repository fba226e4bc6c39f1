package database

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/bibshelf/internal/apperr"
	"github.com/starford/bibshelf/internal/checksum"
	"github.com/starford/bibshelf/internal/entry"
	"github.com/starford/bibshelf/internal/models"
	"github.com/starford/bibshelf/internal/storage"
	"github.com/starford/bibshelf/internal/testutil"
)

const twoEntries = `@string{acm = "ACM"}

@article{doe2020,
    author = {Jane Doe},
    title = {A Study},
    year = 2020,
    ids = {doe20}
}

@book{roe2019,
    author = {Rick Roe},
    title = {A Book},
    year = 2019
}
`

func testOptions(t *testing.T) Options {
	return Options{
		Logger: testutil.Logger(t),
		Now:    func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func TestOpen(t *testing.T) {
	path := testutil.WriteBib(t, t.TempDir(), "a.bib", twoEntries)

	db, err := Open(path, models.RoleUser, testOptions(t))
	require.NoError(t, err)

	assert.Equal(t, path, db.Path())
	assert.Equal(t, models.RoleUser, db.Role())
	assert.Equal(t, 2, db.Len())
	assert.Equal(t, "doe2020", db.At(0).Key())
	assert.Equal(t, path, db.At(1).File())
	assert.Equal(t, checksum.Sum([]byte(twoEntries)), db.Checksum())
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.bib"), models.RoleUser, testOptions(t))
	assert.True(t, errors.Is(err, apperr.ErrIO), "missing file: %v", err)

	bad := testutil.WriteBib(t, dir, "bad.bib", "@article{x,\n title = {open")
	_, err = Open(bad, models.RoleUser, testOptions(t))
	assert.True(t, errors.Is(err, apperr.ErrParse), "malformed: %v", err)

	dup := testutil.WriteBib(t, dir, "dup.bib", "@misc{k1, title={a}}\n@misc{k1, title={b}}\n")
	_, err = Open(dup, models.RoleUser, testOptions(t))
	assert.True(t, errors.Is(err, apperr.ErrDuplicateKey), "duplicate: %v", err)
	assert.Contains(t, err.Error(), "k1")
}

func TestLookupAndAliases(t *testing.T) {
	path := testutil.WriteBib(t, t.TempDir(), "a.bib", twoEntries)
	db, err := Open(path, models.RoleUser, testOptions(t))
	require.NoError(t, err)

	e, err := db.Get("doe2020")
	require.NoError(t, err)

	got, ok := db.Lookup("doe20")
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.True(t, db.HasKey("doe20"))
	assert.False(t, db.HasKey("nope"))

	_, err = db.Get("doe20")
	assert.True(t, errors.Is(err, apperr.ErrKeyNotFound))
}

func TestAddRemoveInsert(t *testing.T) {
	db := New("/bib/a.bib", models.RoleUser, testOptions(t))

	e := entry.New("article")
	err := db.Add(e)
	assert.True(t, errors.Is(err, apperr.ErrInvalidKey))

	e.SetKey("k1")
	require.NoError(t, db.Add(e))
	assert.Equal(t, "/bib/a.bib", e.File())

	clash := entry.New("book")
	clash.SetKey("k1")
	assert.True(t, errors.Is(db.Add(clash), apperr.ErrDuplicateKey))

	first := entry.New("book")
	first.SetKey("k0")
	require.NoError(t, db.Insert(0, first))
	assert.Equal(t, 0, db.Index(first))

	pos, err := db.Remove(first)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
	assert.Empty(t, first.File())
	assert.False(t, db.HasKey("k0"))

	_, err = db.Remove(first)
	assert.True(t, errors.Is(err, apperr.ErrKeyNotFound))
}

func TestRekey(t *testing.T) {
	db := New("/bib/a.bib", models.RoleUser, testOptions(t))
	a, b := entry.New("misc"), entry.New("misc")
	a.SetKey("alpha")
	b.SetKey("beta")
	require.NoError(t, db.Add(a))
	require.NoError(t, db.Add(b))

	a.SetKey("gamma")
	require.NoError(t, db.Rekey(a, "alpha"))
	assert.False(t, db.HasKey("alpha"))
	got, err := db.Get("gamma")
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.Equal(t, 0, db.Index(a))

	b.SetKey("gamma")
	assert.True(t, errors.Is(db.Rekey(b, "beta"), apperr.ErrDuplicateKey))
}

func TestWriteRoundTrip(t *testing.T) {
	path := testutil.WriteBib(t, t.TempDir(), "a.bib", twoEntries)
	db, err := Open(path, models.RoleUser, testOptions(t))
	require.NoError(t, err)

	e, _ := db.Get("roe2019")
	e.Set("note", "added")
	require.NoError(t, db.Write())

	content := testutil.ReadFile(t, path)
	assert.True(t, strings.HasPrefix(content, `@string{acm = "ACM"}`))
	assert.Contains(t, content, "note = {added}")
	assert.Equal(t, checksum.Sum([]byte(content)), db.Checksum())

	again, err := Open(path, models.RoleUser, testOptions(t))
	require.NoError(t, err)
	assert.Equal(t, db.Document(), again.Document())
}

func TestWriteBacksUp(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteBib(t, dir, "a.bib", twoEntries)
	opts := testOptions(t)
	opts.BackupBeforeSave = true
	db, err := Open(path, models.RoleUser, opts)
	require.NoError(t, err)

	require.NoError(t, db.Write())

	matches, err := filepath.Glob(filepath.Join(dir, "a.save.2024-05-01.*.bib"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, twoEntries, testutil.ReadFile(t, matches[0]))
}

func TestBackupMissingFileIsSkipped(t *testing.T) {
	db := New(filepath.Join(t.TempDir(), "new.bib"), models.RoleUser, testOptions(t))
	name, err := db.Backup()
	require.NoError(t, err)
	assert.Empty(t, name)
}

type failingStorage struct {
	storage.Provider
}

func (failingStorage) Write(string, []byte) error { return os.ErrPermission }

func (failingStorage) Backup(string, time.Time) (string, error) { return "", os.ErrPermission }

func TestWriteFailure(t *testing.T) {
	path := testutil.WriteBib(t, t.TempDir(), "a.bib", twoEntries)
	opts := testOptions(t)
	opts.BackupBeforeSave = true
	opts.Storage = failingStorage{storage.NewFS()}
	db, err := Open(path, models.RoleUser, opts)
	require.NoError(t, err)
	before := db.Checksum()

	err = db.Write()
	assert.True(t, errors.Is(err, apperr.ErrIO))
	assert.True(t, errors.Is(err, os.ErrPermission))
	assert.Equal(t, before, db.Checksum())
	assert.Equal(t, twoEntries, testutil.ReadFile(t, path))
}
