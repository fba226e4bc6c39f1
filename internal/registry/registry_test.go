package registry

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/bibshelf/internal/apperr"
	"github.com/starford/bibshelf/internal/entry"
	"github.com/starford/bibshelf/internal/models"
	"github.com/starford/bibshelf/internal/storage"
	"github.com/starford/bibshelf/internal/testutil"
)

const doeBib = `@article{doe2020,
    author = {Jane Doe},
    title = {A Study},
    year = 2020
}
`

const twoBib = `@book{roe2019,
    author = {Rick Roe},
    title = {A Book},
    year = 2019
}

@misc{poe2018,
    title = {The Raven},
    ids = {raven}
}
`

// recordingStore counts writes and can be told to fail them.
type recordingStore struct {
	*storage.FS
	log    *[]string
	writes map[string]int
	fail   map[string]bool
}

func (s *recordingStore) Write(path string, content []byte) error {
	*s.log = append(*s.log, "write:"+path)
	if s.fail[path] {
		return os.ErrPermission
	}
	s.writes[path]++
	return s.FS.Write(path, content)
}

type fakeWatcher struct {
	log     *[]string
	watched map[string]bool
}

func (w *fakeWatcher) Watch(path string) error {
	*w.log = append(*w.log, "watch:"+path)
	w.watched[path] = true
	return nil
}

func (w *fakeWatcher) Unwatch(path string) error {
	*w.log = append(*w.log, "unwatch:"+path)
	delete(w.watched, path)
	return nil
}

type fakeRecents struct{ open []string }

func (f *fakeRecents) Opened(path string) { f.open = append(f.open, path) }

func (f *fakeRecents) Closed(path string) {
	for i, p := range f.open {
		if p == path {
			f.open = append(f.open[:i], f.open[i+1:]...)
			return
		}
	}
}

type env struct {
	dir     string
	log     []string
	sched   *testutil.Scheduler
	store   *recordingStore
	watcher *fakeWatcher
	recents *fakeRecents
	reg     *Registry
	events  []Event
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{dir: t.TempDir(), sched: &testutil.Scheduler{}, recents: &fakeRecents{}}
	e.store = &recordingStore{FS: storage.NewFS(), log: &e.log, writes: map[string]int{}, fail: map[string]bool{}}
	e.watcher = &fakeWatcher{log: &e.log, watched: map[string]bool{}}
	e.reg = New(Options{
		Storage:   e.store,
		Scheduler: e.sched,
		Watcher:   e.watcher,
		Recents:   e.recents,
		Logger:    testutil.Logger(t),
		Now:       func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	e.reg.Subscribe(func(ev Event) { e.events = append(e.events, ev) })
	require.NoError(t, e.reg.LoadSystemFiles(filepath.Join(e.dir, "data"), "bib"))
	return e
}

func (e *env) open(t *testing.T, name, content string) string {
	t.Helper()
	path := testutil.WriteBib(t, e.dir, name, content)
	_, err := e.reg.Open(path, models.RoleUser)
	require.NoError(t, err)
	return path
}

func (e *env) systemPath(role models.FileRole) string {
	db, err := e.reg.System(role)
	if err != nil {
		panic(err)
	}
	return db.Path()
}

func (e *env) count(kind string) int {
	n := 0
	for _, ev := range e.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (e *env) entry(t *testing.T, key string) *entry.Entry {
	t.Helper()
	en, err := e.reg.GetEntryByKey(key, "")
	require.NoError(t, err)
	return en
}

func assertDense(t *testing.T, r *Registry) {
	t.Helper()
	rows := r.Index().Rows()
	require.Equal(t, r.Index().RowCount(), len(rows))
	for i, row := range rows {
		require.Equal(t, i, row.GlobalID, "row %d", i)
	}
	total := 0
	for _, db := range r.Databases(models.RoleVisible) {
		total += db.Len()
	}
	require.Equal(t, total, len(rows))
}

func TestLoadSystemFilesCreatesFiles(t *testing.T) {
	e := newEnv(t)
	for _, name := range []string{"trash.bib", "queue.bib", "imported.bib"} {
		assert.FileExists(t, filepath.Join(e.dir, "data", name))
	}
	assert.Len(t, e.reg.Databases(models.RoleSystem), 3)
	assert.Empty(t, e.recents.open, "system files are not recent files")

	require.NoError(t, e.reg.LoadSystemFiles(filepath.Join(e.dir, "data"), "bib"))
	assert.Len(t, e.reg.Databases(models.RoleSystem), 3)
}

func TestOpenTwice(t *testing.T) {
	e := newEnv(t)
	path := e.open(t, "a.bib", doeBib)

	_, err := e.reg.Open(path, models.RoleUser)
	assert.True(t, errors.Is(err, apperr.ErrAlreadyOpen))
	assert.True(t, e.watcher.watched[path])
	assert.Equal(t, []string{path}, e.recents.open)
	assert.Equal(t, 4, e.count(EventOpened))
}

func TestOpenParseErrorLeavesNothing(t *testing.T) {
	e := newEnv(t)
	bad := testutil.WriteBib(t, e.dir, "bad.bib", "@article{x, title = {open")

	_, err := e.reg.Open(bad, models.RoleUser)
	assert.True(t, errors.Is(err, apperr.ErrParse))
	_, err = e.reg.Database(bad)
	assert.True(t, errors.Is(err, apperr.ErrNotOpen))
	assert.Equal(t, 0, e.reg.Index().RowCount())
}

func TestTrashRestoreScenario(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	trashPath := e.systemPath(models.RoleTrash)

	doe := e.entry(t, "doe2020")
	require.NoError(t, e.reg.Trash([]*entry.Entry{doe}))

	aDB, _ := e.reg.Database(a)
	trashDB, _ := e.reg.Database(trashPath)
	assert.Equal(t, 0, aDB.Len())
	require.Equal(t, 1, trashDB.Len())
	require.NotNil(t, doe.Trashed())
	assert.Equal(t, a, doe.Trashed().From)
	assert.Equal(t, "2024-05-01", doe.Trashed().Date)

	id, ok := e.reg.Index().Find(trashPath, "doe2020")
	require.True(t, ok)
	row, err := e.reg.Index().RowAt(id)
	require.NoError(t, err)
	assert.Equal(t, trashPath, row.SourceFile)
	assertDense(t, e.reg)

	assert.Equal(t, 1, e.store.writes[a])
	assert.Equal(t, 1, e.store.writes[trashPath])
	assert.Contains(t, testutil.ReadFile(t, trashPath), "trashedFrom:"+a)

	require.NoError(t, e.reg.Restore([]*entry.Entry{doe}))
	assert.Equal(t, 1, aDB.Len())
	assert.Equal(t, 0, trashDB.Len())
	assert.Equal(t, "doe2020", aDB.At(0).Key())
	assert.False(t, doe.IsTrashed())
	assert.NotContains(t, testutil.ReadFile(t, a), "trashedFrom")
	assertDense(t, e.reg)
}

func TestTrashWritesEachFileOnce(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	b := e.open(t, "b.bib", twoBib)
	trashPath := e.systemPath(models.RoleTrash)

	batch := []*entry.Entry{e.entry(t, "roe2019"), e.entry(t, "doe2020"), e.entry(t, "poe2018")}
	require.NoError(t, e.reg.Trash(batch))

	assert.Equal(t, map[string]int{a: 1, b: 1, trashPath: 1}, e.store.writes)
	trashDB, _ := e.reg.Database(trashPath)
	assert.Equal(t, 3, trashDB.Len())
	assertDense(t, e.reg)
}

func TestTrashValidatesBeforeMutating(t *testing.T) {
	e := newEnv(t)
	e.open(t, "a.bib", doeBib)
	doe := e.entry(t, "doe2020")
	stray := entry.New("misc")
	stray.SetKey("stray")

	err := e.reg.Trash([]*entry.Entry{doe, stray})
	assert.True(t, errors.Is(err, apperr.ErrNotOpen))
	assert.False(t, doe.IsTrashed())
	assert.Empty(t, e.store.writes)

	require.NoError(t, e.reg.Trash([]*entry.Entry{doe}))
	err = e.reg.Trash([]*entry.Entry{doe})
	assert.True(t, errors.Is(err, apperr.ErrAlreadyTrashed))
}

func TestTrashRollsBackOnWriteFailure(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	trashPath := e.systemPath(models.RoleTrash)
	e.store.fail[trashPath] = true

	doe := e.entry(t, "doe2020")
	err := e.reg.Trash([]*entry.Entry{doe})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrIO))

	aDB, _ := e.reg.Database(a)
	trashDB, _ := e.reg.Database(trashPath)
	assert.Equal(t, 1, aDB.Len())
	assert.Equal(t, 0, trashDB.Len())
	assert.False(t, doe.IsTrashed())
	assert.Equal(t, a, doe.File())
	assert.False(t, e.reg.lock.Held())

	disk := testutil.ReadFile(t, a)
	assert.Contains(t, disk, "doe2020")
	assert.NotContains(t, disk, "trashedFrom")
	assertDense(t, e.reg)
}

func TestRestoreOpensTransientOrigin(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	doe := e.entry(t, "doe2020")
	require.NoError(t, e.reg.Trash([]*entry.Entry{doe}))
	require.NoError(t, e.reg.Close(a, false))

	require.NoError(t, e.reg.Restore([]*entry.Entry{doe}))

	_, err := e.reg.Database(a)
	assert.True(t, errors.Is(err, apperr.ErrNotOpen), "transient origin must be closed again")
	assert.Contains(t, testutil.ReadFile(t, a), "@article{doe2020")
	assert.Empty(t, e.reg.Databases(models.RoleTransient))
	assert.False(t, e.watcher.watched[a])
	assertDense(t, e.reg)
}

func TestRestoreOriginNotFound(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	doe := e.entry(t, "doe2020")
	require.NoError(t, e.reg.Trash([]*entry.Entry{doe}))
	require.NoError(t, e.reg.Close(a, false))
	require.NoError(t, os.Remove(a))

	err := e.reg.Restore([]*entry.Entry{doe})
	assert.True(t, errors.Is(err, apperr.ErrOriginNotFound))
	assert.Contains(t, err.Error(), a)
	assert.True(t, doe.IsTrashed())
	assert.Equal(t, e.systemPath(models.RoleTrash), doe.File())
}

func TestRestoreKeyCollision(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	doe := e.entry(t, "doe2020")
	require.NoError(t, e.reg.Trash([]*entry.Entry{doe}))

	again := entry.New("article")
	again.SetKey("doe2020x")
	require.NoError(t, e.reg.AddEntry(a, again))
	aDB, _ := e.reg.Database(a)
	again.SetKey("doe2020")
	require.NoError(t, aDB.Rekey(again, "doe2020x"))

	err := e.reg.Restore([]*entry.Entry{doe})
	assert.True(t, errors.Is(err, apperr.ErrDuplicateKey))
	assert.True(t, doe.IsTrashed())
}

func TestMove(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	b := e.open(t, "b.bib", twoBib)

	require.NoError(t, e.reg.Move([]*entry.Entry{e.entry(t, "doe2020")}, b))
	bDB, _ := e.reg.Database(b)
	assert.Equal(t, 3, bDB.Len())
	assert.Equal(t, b, e.entry(t, "doe2020").File())
	assert.NotContains(t, testutil.ReadFile(t, a), "doe2020")
	assertDense(t, e.reg)

	err := e.reg.Move([]*entry.Entry{e.entry(t, "doe2020")}, b)
	assert.True(t, errors.Is(err, apperr.ErrDuplicateKey))
}

func TestTriggerSaveCoalesces(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)

	for range 5 {
		require.NoError(t, e.reg.TriggerSave(a))
	}
	assert.Equal(t, 1, e.sched.Pending())
	assert.Equal(t, []time.Duration{DefaultSaveDelay}, e.sched.Delays())
	assert.Equal(t, []string{a}, e.reg.PendingSave())
	assert.Zero(t, e.store.writes[a])

	e.sched.RunAll()
	assert.Equal(t, 1, e.store.writes[a])
	assert.Nil(t, e.reg.PendingSave())
	assert.False(t, e.reg.lock.Held())
	assert.Equal(t, 1, e.count(EventSaved))
}

func TestTriggerSaveBatchesFiles(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	b := e.open(t, "b.bib", twoBib)

	require.NoError(t, e.reg.TriggerSave(a))
	require.NoError(t, e.reg.TriggerSave(b))
	require.NoError(t, e.reg.TriggerSave(a))
	assert.Equal(t, []string{a, b}, e.reg.PendingSave())

	e.sched.RunAll()
	assert.Equal(t, map[string]int{a: 1, b: 1}, e.store.writes)
}

func TestTriggerSaveDroppedWhileLocked(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)

	e.reg.lock.Acquire()
	require.NoError(t, e.reg.TriggerSave(a))
	e.reg.lock.Release()

	assert.Zero(t, e.sched.Pending())
	assert.Nil(t, e.reg.PendingSave())
}

func TestStructuralOperationFlushesPendingSave(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	doe := e.entry(t, "doe2020")
	require.NoError(t, e.reg.UpdateFields(doe, map[string]string{"note": "edited"}))
	require.Equal(t, []string{a}, e.reg.PendingSave())

	require.NoError(t, e.reg.Trash([]*entry.Entry{doe}))
	assert.Nil(t, e.reg.PendingSave())
	assert.Equal(t, 2, e.store.writes[a])

	e.sched.RunAll()
	assert.Equal(t, 2, e.store.writes[a], "stale timer must not write again")
	assert.False(t, e.reg.lock.Held())
}

func TestCloseUnwatchesBeforeSaving(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	e.log = nil

	require.NoError(t, e.reg.Close(a, true))
	assert.Equal(t, []string{"unwatch:" + a, "write:" + a}, e.log)
	assert.Empty(t, e.recents.open)
	assert.Equal(t, 1, e.count(EventClosed))

	err := e.reg.Close(a, true)
	assert.True(t, errors.Is(err, apperr.ErrNotOpen))
}

func TestCloseSaveFailureKeepsFileOpen(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	e.store.fail[a] = true

	err := e.reg.Close(a, true)
	assert.True(t, errors.Is(err, apperr.ErrIO))
	_, err = e.reg.Database(a)
	assert.NoError(t, err)
	assert.True(t, e.watcher.watched[a])
}

func TestCloseAll(t *testing.T) {
	e := newEnv(t)
	e.open(t, "a.bib", doeBib)
	e.open(t, "b.bib", twoBib)

	require.NoError(t, e.reg.CloseAll(false))
	assert.Empty(t, e.reg.Databases(models.RoleAny))
	assert.Equal(t, 0, e.reg.Index().RowCount())
	assert.Empty(t, e.store.writes)
}

func TestReloadIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.open(t, "a.bib", doeBib)
	b := e.open(t, "b.bib", twoBib)

	require.NoError(t, e.reg.Reload(b))
	first := e.reg.Index().Rows()
	require.NoError(t, e.reg.Reload(b))
	second := e.reg.Index().Rows()

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("rows changed across reloads (-first +second):\n%s", diff)
	}
	assert.Equal(t, 2, e.count(EventReloaded))
	assertDense(t, e.reg)
}

func TestReloadKeepsLoadOrderSlot(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	b := e.open(t, "b.bib", twoBib)

	require.NoError(t, e.reg.Reload(a))
	users := e.reg.Databases(models.RoleUser)
	require.Len(t, users, 2)
	assert.Equal(t, a, users[0].Path())
	assert.Equal(t, b, users[1].Path())
}

func TestReloadParseFailureKeepsOldContent(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	require.NoError(t, os.WriteFile(a, []byte("@article{broken,"), 0o644))

	err := e.reg.Reload(a)
	assert.True(t, errors.Is(err, apperr.ErrParse))
	db, err := e.reg.Database(a)
	require.NoError(t, err)
	assert.Equal(t, 1, db.Len())
	assert.False(t, e.reg.lock.Held())
}

func TestReloadSkippedWhileSavePending(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	require.NoError(t, e.reg.TriggerSave(a))

	require.NoError(t, e.reg.Reload(a))
	assert.Zero(t, e.count(EventReloaded))
}

func TestHandleExternalChange(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)

	require.NoError(t, e.reg.Save(a))
	e.reg.HandleExternalChange(a)
	assert.Zero(t, e.count(EventReloaded), "own write must not reload")

	require.NoError(t, os.WriteFile(a, []byte(doeBib+"\n"+twoBib), 0o644))
	e.reg.HandleExternalChange(a)
	assert.Equal(t, 1, e.count(EventReloaded))
	db, _ := e.reg.Database(a)
	assert.Equal(t, 3, db.Len())
	assertDense(t, e.reg)

	require.NoError(t, os.WriteFile(a, []byte(doeBib), 0o644))
	e.reg.lock.Acquire()
	e.reg.HandleExternalChange(a)
	e.reg.lock.Release()
	assert.Equal(t, 1, e.count(EventReloaded), "change under lock must be skipped")

	e.reg.HandleExternalChange(filepath.Join(e.dir, "unknown.bib"))
}

func TestHasKeyAndAliases(t *testing.T) {
	e := newEnv(t)
	e.open(t, "a.bib", doeBib)
	b := e.open(t, "b.bib", twoBib)

	path, ok := e.reg.HasKey("raven")
	assert.True(t, ok)
	assert.Equal(t, b, path)
	_, ok = e.reg.HasKey("nope")
	assert.False(t, ok)

	got, err := e.reg.GetEntryByKey("raven", b)
	require.NoError(t, err)
	assert.Equal(t, "poe2018", got.Key())

	_, err = e.reg.GetEntryByKey("nope", "")
	assert.True(t, errors.Is(err, apperr.ErrKeyNotFound))
}

func TestRenameKeyKeepsAlias(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	e.open(t, "b.bib", twoBib)
	doe := e.entry(t, "doe2020")

	require.NoError(t, e.reg.RenameKey(doe, "doe2020a"))
	for _, k := range []string{"doe2020", "doe2020a"} {
		path, ok := e.reg.HasKey(k)
		assert.True(t, ok, k)
		assert.Equal(t, a, path, k)
		got, err := e.reg.GetEntryByKey(k, "")
		require.NoError(t, err)
		assert.Same(t, doe, got)
	}
	assert.Equal(t, []string{"doe2020"}, doe.IDs())

	err := e.reg.RenameKey(doe, "raven")
	assert.True(t, errors.Is(err, apperr.ErrDuplicateKey), "alias of another entry")
	err = e.reg.RenameKey(doe, "roe2019")
	assert.True(t, errors.Is(err, apperr.ErrDuplicateKey))

	require.NoError(t, e.reg.RenameKey(doe, "doe2020"))
	assert.Equal(t, []string{"doe2020a"}, doe.IDs())
}

func TestAddEntryGeneratesKey(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)

	en := entry.New("article")
	en.Set("author", "John Smith")
	en.Set("title", "On Bibliography")
	en.Set("year", "2020")
	require.NoError(t, e.reg.AddEntry(a, en))
	assert.Equal(t, "smi-ob2020", en.Key())
	assert.Equal(t, a, en.File())

	dup := entry.Duplicate(en)
	require.NoError(t, e.reg.AddEntry(a, dup))
	assert.Equal(t, "smi-ob2020-01", dup.Key())
	assertDense(t, e.reg)

	clash := entry.New("misc")
	clash.SetKey("doe2020")
	assert.True(t, errors.Is(e.reg.AddEntry(a, clash), apperr.ErrDuplicateKey))
}

func TestDeleteEntry(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	doe := e.entry(t, "doe2020")

	require.NoError(t, e.reg.DeleteEntry(doe))
	assert.Equal(t, 0, e.reg.Index().RowCount())
	assert.Equal(t, []string{a}, e.reg.PendingSave())
	e.sched.RunAll()
	assert.NotContains(t, testutil.ReadFile(t, a), "doe2020")

	assert.True(t, errors.Is(e.reg.DeleteEntry(doe), apperr.ErrNotOpen))
}

func TestKeywordEdits(t *testing.T) {
	e := newEnv(t)
	e.open(t, "a.bib", doeBib)
	doe := e.entry(t, "doe2020")

	require.NoError(t, e.reg.ToggleQuality(doe))
	require.NoError(t, e.reg.CycleReadStatus(doe))
	row, err := e.reg.Index().RowAt(0)
	require.NoError(t, err)
	assert.True(t, row.Quality)
	assert.Equal(t, models.ReadSkimmed, row.ReadStatus)
}

func TestUpdateFieldsRejectsTakenAlias(t *testing.T) {
	e := newEnv(t)
	e.open(t, "a.bib", doeBib)
	e.open(t, "b.bib", twoBib)
	doe := e.entry(t, "doe2020")

	err := e.reg.UpdateFields(doe, map[string]string{"ids": "mine, raven"})
	assert.True(t, errors.Is(err, apperr.ErrDuplicateKey))
	assert.Empty(t, doe.IDs())

	require.NoError(t, e.reg.UpdateFields(doe, map[string]string{"key": "doe-study", "title": ""}))
	assert.Equal(t, "doe-study", doe.Key())
	_, ok := doe.Get("title")
	assert.False(t, ok)
}

func TestUpdateFieldsRenameWithIDsKeepsOldKey(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	doe := e.entry(t, "doe2020")

	require.NoError(t, e.reg.UpdateFields(doe, map[string]string{"key": "doe2020b", "ids": "legacy1"}))
	assert.Equal(t, "doe2020b", doe.Key())
	assert.Equal(t, []string{"legacy1", "doe2020"}, doe.IDs())
	for _, k := range []string{"doe2020", "doe2020b", "legacy1"} {
		path, ok := e.reg.HasKey(k)
		assert.True(t, ok, k)
		assert.Equal(t, a, path, k)
	}

	require.NoError(t, e.reg.UpdateFields(doe, map[string]string{"Key": "doe2020c", "ids": "doe2020c, legacy1"}))
	assert.Equal(t, "doe2020c", doe.Key())
	assert.Equal(t, []string{"legacy1", "doe2020b"}, doe.IDs())
}

func TestUpdateFieldsRejectsUnwritableNames(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	doe := e.entry(t, "doe2020")

	for _, fields := range []map[string]string{
		{"my note": "x"},
		{"a=b": "x"},
		{"note": "ok", "": "x"},
		{"entrytype": "con ference"},
	} {
		err := e.reg.UpdateFields(doe, fields)
		assert.True(t, errors.Is(err, apperr.ErrInvalidField), "%v: %v", fields, err)
	}
	_, ok := doe.Get("note")
	assert.False(t, ok, "rejected update must not apply any field")
	assert.Empty(t, e.reg.PendingSave())

	bad := entry.New("article")
	bad.Set("my note", "x")
	assert.True(t, errors.Is(e.reg.AddEntry(a, bad), apperr.ErrInvalidField))
	assert.Equal(t, 1, e.reg.Index().RowCount())
}

func TestSavedValuesReloadCleanly(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", "@article{doe2020,\n    month = jan,\n    title = {A Study}\n}\n")
	doe := e.entry(t, "doe2020")

	require.NoError(t, e.reg.UpdateFields(doe, map[string]string{"title": "Sets {A and B", "note": "x}"}))
	require.NoError(t, e.reg.Save(a))
	content := testutil.ReadFile(t, a)
	assert.Contains(t, content, "month = jan,")
	assert.Contains(t, content, `title = {Sets \{A and B}`)

	require.NoError(t, e.reg.Reload(a))
	doe = e.entry(t, "doe2020")
	assert.Equal(t, `Sets \{A and B`, doe.Value("title"))
	assert.Equal(t, `x\}`, doe.Value("note"))
	assert.Equal(t, "jan", doe.Value("month"))
}

func TestReloadWarnsAboutNewCollisions(t *testing.T) {
	e := newEnv(t)
	e.open(t, "a.bib", doeBib)
	b := e.open(t, "b.bib", twoBib)
	var buf bytes.Buffer
	e.reg.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	require.NoError(t, e.reg.Reload(b))
	assert.NotContains(t, buf.String(), "key collision", "a file does not collide with its own previous content")

	require.NoError(t, os.WriteFile(b, []byte(twoBib+"\n"+doeBib), 0o644))
	require.NoError(t, e.reg.Reload(b))
	assert.Contains(t, buf.String(), `"msg":"key collision across files","key":"doe2020"`)
}

func TestSyncSelection(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	b := e.open(t, "b.bib", twoBib)

	e.reg.SyncSelection([]string{b})
	aDB, _ := e.reg.Database(a)
	bDB, _ := e.reg.Database(b)
	assert.False(t, aDB.Selected())
	assert.True(t, bDB.Selected())

	require.NoError(t, e.reg.Reload(b))
	bDB, _ = e.reg.Database(b)
	assert.True(t, bDB.Selected(), "selection survives reload")
}

func TestDensityAcrossOperations(t *testing.T) {
	e := newEnv(t)
	var paths []string
	for i := range 3 {
		content := fmt.Sprintf("@misc{k%da, title = {A}}\n\n@misc{k%db, title = {B}}\n", i, i)
		paths = append(paths, e.open(t, fmt.Sprintf("f%d.bib", i), content))
	}
	assertDense(t, e.reg)

	f0 := e.reg.Databases(models.RoleUser)[0].Entries()
	require.NoError(t, e.reg.Trash(f0))
	assertDense(t, e.reg)

	require.NoError(t, e.reg.Close(paths[1], false))
	assertDense(t, e.reg)

	require.NoError(t, e.reg.Restore(f0))
	assertDense(t, e.reg)
	assert.Equal(t, 4, e.reg.Index().RowCount())
}

func TestFlushWritesPendingSave(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "a.bib", doeBib)
	require.NoError(t, e.reg.TriggerSave(a))

	e.reg.Flush()
	assert.Equal(t, 1, e.store.writes[a])
	assert.Nil(t, e.reg.PendingSave())
	assert.False(t, e.reg.lock.Held())
}
