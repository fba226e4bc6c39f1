// Package keygen derives citation keys from entry content and checks key syntax.
package keygen

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/starford/bibshelf/internal/apperr"
	"github.com/starford/bibshelf/internal/entry"
)

// DefaultMinLength is the shortest key Generate returns without padding.
const DefaultMinLength = 8

// maxSuffix bounds GenerateUnique before it falls back to a random key.
const maxSuffix = 999

var (
	keyRe     = regexp.MustCompile(`(?i)^[a-z][-:_a-z0-9]{2,}$`)
	splitRe   = regexp.MustCompile("[\\s :,;'\"«»“”‘’]+")
	authorsRe = regexp.MustCompile(`(?i)\s+and\s+`)
	nonAlnum  = regexp.MustCompile(`[^a-z0-9]`)
)

// plainTypes get no one-letter type prefix.
var plainTypes = map[string]bool{
	"book": true, "article": true, "misc": true,
	"booklet": true, "thesis": true, "online": true,
}

// Checker reports which file already holds a key, if any.
type Checker interface {
	HasKey(key string) (string, bool)
}

// Validate checks user-typed key syntax: a leading letter, then letters,
// digits, '-', ':' or '_', at least three characters in total.
func Validate(key string) error {
	if !keyRe.MatchString(key) {
		return fmt.Errorf("keygen: %q: %w", key, apperr.ErrInvalidKey)
	}
	return nil
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var ligatures = strings.NewReplacer(
	"æ", "ae", "Æ", "AE", "œ", "oe", "Œ", "OE",
	"ß", "ss", "ø", "o", "Ø", "O", "ł", "l", "Ł", "L",
)

// asciize lowercases s and keeps only ASCII letters and digits.
func asciize(s string) string {
	s = ligatures.Replace(s)
	if out, _, err := transform.String(stripMarks, s); err == nil {
		s = out
	}
	return nonAlnum.ReplaceAllString(strings.ToLower(s), "")
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}

// formatTitle returns the initials of the title words.
func formatTitle(title string) string {
	var b strings.Builder
	for _, w := range splitRe.Split(title, -1) {
		if w = strings.TrimSpace(w); w != "" {
			b.WriteString(prefix(w, 1))
		}
	}
	return asciize(b.String())
}

func lastName(name string) string {
	name = strings.TrimSpace(name)
	if last, _, ok := strings.Cut(name, ","); ok {
		return strings.TrimSpace(last)
	}
	if i := strings.LastIndexFunc(name, unicode.IsSpace); i >= 0 {
		return name[i+1:]
	}
	return name
}

// formatAuthor contracts author surnames: three letters each for one or two
// authors, two letters each beyond that.
func formatAuthor(author string) string {
	names := authorsRe.Split(strings.TrimSpace(author), -1)
	n := 3
	if len(names) > 2 {
		n = 2
	}
	var b strings.Builder
	for _, name := range names {
		b.WriteString(prefix(asciize(lastName(name)), n))
	}
	return b.String()
}

func typePrefix(e *entry.Entry) string {
	t := e.Type()
	switch {
	case t == "misc":
		if hp := asciize(e.Value("howpublished")); hp != "" {
			return hp[:1] + ":"
		}
		return ""
	case plainTypes[t]:
		return ""
	default:
		if p := asciize(t); p != "" {
			return p[:1] + ":"
		}
		return ""
	}
}

func randomHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// randomKey is an opaque key that still starts with a letter.
func randomKey() string {
	return "r" + randomHex()
}

// Generate derives a key from the entry type, author, title and year.
// suffix > 0 is appended as -NN. Results shorter than minLen are padded
// with random characters; with neither author nor title the key is random.
func Generate(e *entry.Entry, suffix, minLen int) string {
	author := formatAuthor(e.Author())
	title := formatTitle(e.Title())
	if author == "" && title == "" {
		return randomKey()
	}

	year := ""
	if y, ok := e.Year(); ok {
		year = strconv.Itoa(y)
	}
	sfx := ""
	if suffix > 0 {
		sfx = fmt.Sprintf("-%02d", suffix)
	}

	var key string
	switch {
	case title == "":
		key = typePrefix(e) + author + year + sfx
	case author == "":
		key = typePrefix(e) + title + year + sfx
	default:
		key = typePrefix(e) + author + "-" + title + year + sfx
	}

	if missing := minLen - len(key); missing > 0 {
		pad := randomHex()
		for len(pad) < missing {
			pad += randomHex()
		}
		key += pad[:missing]
	}
	return key
}

// GenerateUnique calls Generate with increasing suffixes until the
// candidate is free in c.
func GenerateUnique(e *entry.Entry, c Checker, minLen int) string {
	for suffix := 0; suffix <= maxSuffix; suffix++ {
		candidate := Generate(e, suffix, minLen)
		if _, taken := c.HasKey(candidate); !taken {
			return candidate
		}
	}
	for {
		candidate := randomKey()
		if _, taken := c.HasKey(candidate); !taken {
			return candidate
		}
	}
}
