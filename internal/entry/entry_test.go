package entry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/bibshelf/internal/apperr"
	"github.com/starford/bibshelf/internal/bibtex"
	"github.com/starford/bibshelf/internal/models"
)

func sampleEntry() *Entry {
	return FromRecord(bibtex.Record{
		Type: "Article",
		Key:  "doe2020",
		Fields: []bibtex.Field{
			{Name: "author", Value: "John {D}oe"},
			{Name: "title", Value: "{On Bibliography}"},
			{Name: "year", Value: "2020"},
			{Name: "keywords", Value: "go, read, qualityAssured, db"},
			{Name: "ids", Value: "old1, old2"},
		},
	})
}

func TestFromRecord(t *testing.T) {
	e := sampleEntry()
	assert.Equal(t, "doe2020", e.Key())
	assert.Equal(t, "article", e.Type())
	assert.Equal(t, "John Doe", e.Author())
	assert.Equal(t, "On Bibliography", e.Title())
	y, ok := e.Year()
	require.True(t, ok)
	assert.Equal(t, 2020, y)
	assert.Equal(t, []string{"old1", "old2"}, e.IDs())
}

func TestRecordRoundTrip(t *testing.T) {
	e := sampleEntry()
	r := e.Record()
	assert.Equal(t, "article", r.Type)
	assert.Equal(t, "doe2020", r.Key)
	assert.Equal(t, FromRecord(r).Record(), r)
}

func TestSetEmptyRemovesField(t *testing.T) {
	e := New("book")
	e.Set("publisher", "ACM")
	v, ok := e.Get("publisher")
	require.True(t, ok)
	assert.Equal(t, "ACM", v)

	e.Set("publisher", "  ")
	_, ok = e.Get("publisher")
	assert.False(t, ok)
	assert.NotContains(t, e.Names(), "publisher")
}

func TestReservedFieldDispatch(t *testing.T) {
	e := New("")
	assert.Equal(t, DefaultType, e.Type())

	e.Set("key", "smith99")
	e.Set("EntryType", "Book")
	assert.Equal(t, "smith99", e.Key())
	assert.Equal(t, "book", e.Value("entrytype"))
	assert.Empty(t, e.Names(), "reserved key/type must not land in opaque fields")

	e.Set("key", "")
	_, ok := e.Get("key")
	assert.False(t, ok)
}

func TestKeywordsHideReservedTokens(t *testing.T) {
	e := sampleEntry()
	assert.Equal(t, []string{"go", "db"}, e.Keywords())
	assert.Equal(t, "go, db", e.Value("keywords"))
	assert.True(t, e.Quality())
	assert.Equal(t, models.ReadRead, e.ReadStatus())
}

func TestToggleQualityKeepsUserOrder(t *testing.T) {
	e := New("article")
	e.Set("keywords", "zeta, alpha")
	assert.False(t, e.Quality())

	e.ToggleQuality()
	assert.True(t, e.Quality())
	raw, _ := e.fields.Get(FieldKeywords)
	assert.Equal(t, "qualityAssured, zeta, alpha", raw)

	e.ToggleQuality()
	assert.False(t, e.Quality())
	raw, _ = e.fields.Get(FieldKeywords)
	assert.Equal(t, "zeta, alpha", raw)
}

func TestCycleReadStatus(t *testing.T) {
	e := New("article")
	want := []models.ReadStatus{models.ReadSkimmed, models.ReadRead, models.ReadUnread, models.ReadSkimmed}
	for _, w := range want {
		e.CycleReadStatus()
		assert.Equal(t, w, e.ReadStatus())
	}
}

func TestCycleReadStatusEmptiesField(t *testing.T) {
	e := New("article")
	e.CycleReadStatus()
	e.CycleReadStatus()
	e.CycleReadStatus()
	_, ok := e.fields.Get(FieldKeywords)
	assert.False(t, ok, "no keywords left means no field")
}

func TestSetKeywordsPreservesReserved(t *testing.T) {
	e := sampleEntry()
	e.Set("keywords", "new, skimmed")
	assert.Equal(t, []string{"new"}, e.Keywords())
	assert.True(t, e.Quality())
	assert.Equal(t, models.ReadRead, e.ReadStatus())
}

func TestTrash(t *testing.T) {
	e := sampleEntry()
	e.Set("verbb", "color:red")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, e.SetTrashed("/bib/a.bib", at))
	info := e.Trashed()
	require.NotNil(t, info)
	assert.Equal(t, models.TrashInfo{From: "/bib/a.bib", Date: "2024-05-01"}, *info)
	assert.ErrorIs(t, e.SetTrashed("/bib/a.bib", at), apperr.ErrAlreadyTrashed)

	require.NoError(t, e.ClearTrashed())
	assert.Nil(t, e.Trashed())
	assert.Equal(t, "color:red", e.Value("verbb"))
	assert.ErrorIs(t, e.ClearTrashed(), apperr.ErrNotTrashed)
}

func TestCopyClearsKeyAndFile(t *testing.T) {
	e := sampleEntry()
	e.Attach("/bib/a.bib")

	c := e.Copy()
	assert.Empty(t, c.Key())
	assert.Empty(t, c.File())
	assert.Equal(t, e.Title(), c.Title())
	assert.Equal(t, e.IDs(), c.IDs())

	c.Set("title", "changed")
	assert.Equal(t, "On Bibliography", e.Title(), "copy must not share fields")
}

func TestDuplicate(t *testing.T) {
	e := sampleEntry()
	e.Attach("/bib/a.bib")
	require.NoError(t, e.SetTrashed("/bib/a.bib", time.Now()))

	d := Duplicate(e)
	assert.Empty(t, d.Key())
	assert.Equal(t, "/bib/a.bib", d.File())
	assert.Empty(t, d.IDs())
	assert.False(t, d.IsTrashed())
}

func TestAliases(t *testing.T) {
	e := New("article")
	e.AddAlias("a1")
	e.AddAlias("a2")
	e.AddAlias("a1")
	assert.Equal(t, []string{"a1", "a2"}, e.IDs())
	assert.True(t, e.HasAlias("a2"))

	e.RemoveAlias("a1")
	assert.Equal(t, []string{"a2"}, e.IDs())
	e.RemoveAlias("a2")
	_, ok := e.Get("ids")
	assert.False(t, ok)
}

func TestYearFromDate(t *testing.T) {
	e := New("online")
	e.Set("date", "2019-04-02")
	y, ok := e.Year()
	require.True(t, ok)
	assert.Equal(t, 2019, y)

	e.Set("date", "sometime")
	_, ok = e.Year()
	assert.False(t, ok)
}

func TestJournalPrefersJournaltitle(t *testing.T) {
	e := New("article")
	e.Set("journal", "J1")
	assert.Equal(t, "J1", e.Journal())
	e.Set("journaltitle", "{J2}")
	assert.Equal(t, "J2", e.Journal())
}

func TestStamp(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	e := New("article")
	e.Stamp(StampOptions{Timestamp: true, Owner: "olive"}, now)
	assert.Equal(t, "2024-01-02", e.Value("timestamp"))
	assert.Equal(t, "olive", e.Value("owner"))

	e.Stamp(StampOptions{Timestamp: true, Owner: "other"}, now.AddDate(0, 0, 1))
	assert.Equal(t, "2024-01-02", e.Value("timestamp"))
	assert.Equal(t, "olive", e.Value("owner"))

	e.Stamp(StampOptions{Timestamp: true, UpdateTimestamp: true, Owner: "other", UpdateOwner: true}, now.AddDate(0, 0, 1))
	assert.Equal(t, "2024-01-03", e.Value("timestamp"))
	assert.Equal(t, "other", e.Value("owner"))
}

func TestTrashOriginWithBraceSurvivesWrite(t *testing.T) {
	e := New("misc")
	e.SetKey("k1")
	origin := "/bib/odd{dir/a.bib"
	require.NoError(t, e.SetTrashed(origin, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))

	codec := bibtex.NewCodec()
	doc, err := codec.Parse(codec.Write(&bibtex.Document{Records: []bibtex.Record{e.Record()}}))
	require.NoError(t, err)
	require.Len(t, doc.Records, 1)
	info := FromRecord(doc.Records[0]).Trashed()
	require.NotNil(t, info)
	assert.Equal(t, origin, info.From)
}

func TestMacroValuesKeptUntilEdited(t *testing.T) {
	e := FromRecord(bibtex.Record{
		Type: "article",
		Key:  "doe2020",
		Fields: []bibtex.Field{
			{Name: "month", Value: "jan", Raw: "jan"},
			{Name: "title", Value: "On ACM", Raw: "{On } # acm"},
		},
	})
	assert.Equal(t, "jan", e.Value("month"))
	assert.Equal(t, "jan", e.Record().Fields[0].Raw)

	c := e.Copy()
	assert.Equal(t, "{On } # acm", c.Record().Fields[1].Raw)

	e.Set("title", "Plain")
	assert.Equal(t, bibtex.Field{Name: "title", Value: "Plain"}, e.Record().Fields[1])
	assert.Equal(t, "{On } # acm", c.Record().Fields[1].Raw)
}

func TestValidate(t *testing.T) {
	e := sampleEntry()
	require.NoError(t, e.Validate())

	e.Set("my note", "x")
	assert.ErrorIs(t, e.Validate(), apperr.ErrInvalidField)

	e.Set("my note", "")
	require.NoError(t, e.Validate())

	e.SetType("con ference")
	assert.ErrorIs(t, e.Validate(), apperr.ErrInvalidField)
}
