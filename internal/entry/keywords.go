package entry

import (
	"strings"

	"github.com/starford/bibshelf/internal/models"
)

// QualityKeyword marks an entry as quality-assured.
const QualityKeyword = "qualityAssured"

// readKeywords lists the read-status tokens in cycle order. No token means unread.
var readKeywords = []models.ReadStatus{models.ReadSkimmed, models.ReadRead}

func isReserved(kw string) bool {
	if kw == QualityKeyword {
		return true
	}
	for _, r := range readKeywords {
		if kw == string(r) {
			return true
		}
	}
	return false
}

func (e *Entry) keywordTokens() []string {
	return splitTokens(e.raw(FieldKeywords), ",")
}

// Keywords returns the user keywords, without the reserved vocabularies.
func (e *Entry) Keywords() []string {
	var out []string
	for _, kw := range e.keywordTokens() {
		if !isReserved(kw) {
			out = append(out, kw)
		}
	}
	return out
}

// Quality reports whether the quality marker is present.
func (e *Entry) Quality() bool {
	for _, kw := range e.keywordTokens() {
		if kw == QualityKeyword {
			return true
		}
	}
	return false
}

// ReadStatus returns the read status encoded in the keywords.
func (e *Entry) ReadStatus() models.ReadStatus {
	toks := e.keywordTokens()
	for _, r := range readKeywords {
		for _, kw := range toks {
			if kw == string(r) {
				return r
			}
		}
	}
	return models.ReadUnread
}

// SetKeywords replaces the user keywords and keeps the reserved ones.
// Reserved tokens in kws are ignored.
func (e *Entry) SetKeywords(kws []string) {
	e.storeKeywords(e.Quality(), e.ReadStatus(), kws)
}

// ToggleQuality flips the quality marker.
func (e *Entry) ToggleQuality() {
	e.storeKeywords(!e.Quality(), e.ReadStatus(), e.Keywords())
}

// CycleReadStatus advances unread → skimmed → read → unread.
func (e *Entry) CycleReadStatus() {
	e.storeKeywords(e.Quality(), e.ReadStatus().Next(), e.Keywords())
}

// storeKeywords rebuilds the keywords field as quality, read token, then
// user keywords in their original order.
func (e *Entry) storeKeywords(quality bool, status models.ReadStatus, user []string) {
	var toks []string
	if quality {
		toks = append(toks, QualityKeyword)
	}
	if status != models.ReadUnread {
		toks = append(toks, string(status))
	}
	for _, kw := range user {
		if kw = strings.TrimSpace(kw); kw != "" && !isReserved(kw) {
			toks = append(toks, kw)
		}
	}
	e.setRaw(FieldKeywords, strings.Join(toks, ", "))
}
