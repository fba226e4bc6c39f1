// Package bibtex reads and writes flat BibTeX citation files.
//
// It covers the subset of the grammar the library round-trips: entries with
// braced, quoted or bare values, plus @string/@preamble blocks which are kept
// verbatim. @comment blocks are dropped. Inside values, \{ and \} are
// literal braces; the writer escapes unmatched braces that way so its output
// always parses.
package bibtex

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// Field is one name/value pair of a record, in file order.
type Field struct {
	Name  string
	Value string
	// Raw is the source text of a value that referenced a macro or used '#'
	// concatenation. When set, the writer emits it instead of Value.
	Raw string
}

// Record is one parsed entry.
type Record struct {
	Type   string
	Key    string
	Fields []Field
}

// Document is the parsed content of one file.
type Document struct {
	Blocks  []string // verbatim @string / @preamble blocks
	Records []Record
}

// SyntaxError reports malformed input with the line it was found on.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bibtex: line %d: %s", e.Line, e.Msg)
}

// Codec is the Parser/Writer pair used by databases.
type Codec struct {
	Indent string
}

// NewCodec returns a codec writing fields with four-space indentation.
func NewCodec() *Codec {
	return &Codec{Indent: "    "}
}

// Parse decodes data into a document.
func (c *Codec) Parse(data []byte) (*Document, error) {
	return Parse(data)
}

// Write encodes doc. Output depends only on the order and content of doc.
func (c *Codec) Write(doc *Document) []byte {
	indent := c.Indent
	if indent == "" {
		indent = "    "
	}
	var buf bytes.Buffer
	for _, b := range doc.Blocks {
		buf.WriteString(strings.TrimSpace(b))
		buf.WriteString("\n\n")
	}
	for i, r := range doc.Records {
		if i > 0 {
			buf.WriteString("\n")
		}
		fmt.Fprintf(&buf, "@%s{%s", r.Type, r.Key)
		for _, f := range r.Fields {
			v := f.Raw
			if v == "" {
				v = formatValue(f.Value)
			}
			fmt.Fprintf(&buf, ",\n%s%s = %s", indent, f.Name, v)
		}
		buf.WriteString("\n}\n")
	}
	return buf.Bytes()
}

func formatValue(v string) string {
	if isNumber(v) {
		return v
	}
	// A trailing backslash would escape the closing brace; such a tail goes
	// into a quoted part of a concatenation instead.
	body := strings.TrimRight(v, `\`)
	tail := v[len(body):]
	switch {
	case tail == "":
		return "{" + escapeBraces(body) + "}"
	case body == "":
		return `"` + tail + `"`
	default:
		return "{" + escapeBraces(body) + `} # "` + tail + `"`
	}
}

func isNumber(v string) bool {
	return v != "" && strings.IndexFunc(v, func(r rune) bool { return !unicode.IsDigit(r) }) < 0
}

// escapeBraces prefixes every brace of v that has no partner with a
// backslash. Braces already escaped are left alone.
func escapeBraces(v string) string {
	var open, unmatched []int
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '\\':
			if i+1 < len(v) && (v[i+1] == '{' || v[i+1] == '}') {
				i++
			}
		case '{':
			open = append(open, i)
		case '}':
			if len(open) == 0 {
				unmatched = append(unmatched, i)
			} else {
				open = open[:len(open)-1]
			}
		}
	}
	unmatched = append(unmatched, open...)
	if len(unmatched) == 0 {
		return v
	}
	slices.Sort(unmatched)
	var b strings.Builder
	last := 0
	for _, i := range unmatched {
		b.WriteString(v[last:i])
		b.WriteByte('\\')
		last = i
	}
	b.WriteString(v[last:])
	return b.String()
}

// Parse decodes BibTeX data.
func Parse(data []byte) (*Document, error) {
	s := &scanner{src: data, line: 1}
	doc := &Document{}
	for {
		if !s.skipTo('@') {
			return doc, nil
		}
		start := s.pos
		s.pos++ // '@'
		typ := strings.ToLower(s.ident())
		if typ == "" {
			return nil, s.errorf("missing entry type after '@'")
		}
		s.skipSpace()
		open := s.peek()
		if open != '{' && open != '(' {
			return nil, s.errorf("expected '{' after @%s", typ)
		}
		switch typ {
		case "comment":
			if _, err := s.delimited(); err != nil {
				return nil, err
			}
		case "string", "preamble":
			if _, err := s.delimited(); err != nil {
				return nil, err
			}
			doc.Blocks = append(doc.Blocks, string(data[start:s.pos]))
		default:
			rec, err := s.record(typ)
			if err != nil {
				return nil, err
			}
			doc.Records = append(doc.Records, rec)
		}
	}
}

type scanner struct {
	src  []byte
	pos  int
	line int
}

func (s *scanner) errorf(format string, args ...any) error {
	return &SyntaxError{Line: s.line, Msg: fmt.Sprintf(format, args...)}
}

func (s *scanner) eof() bool { return s.pos >= len(s.src) }

func (s *scanner) peek() byte {
	if s.eof() {
		return 0
	}
	return s.src[s.pos]
}

func (s *scanner) advance() byte {
	c := s.src[s.pos]
	s.pos++
	if c == '\n' {
		s.line++
	}
	return c
}

func (s *scanner) skipTo(c byte) bool {
	for !s.eof() {
		if s.peek() == c {
			return true
		}
		s.advance()
	}
	return false
}

func (s *scanner) skipSpace() {
	for !s.eof() && isSpace(s.peek()) {
		s.advance()
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdent(c byte) bool {
	return c > ' ' && c < 0x7f && !strings.ContainsRune(`{}(),="#%'`, rune(c))
}

// ValidName reports whether name can be written as an entry type or field
// name and read back unchanged.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isIdent(name[i]) {
			return false
		}
	}
	return true
}

func (s *scanner) ident() string {
	start := s.pos
	for !s.eof() && isIdent(s.peek()) {
		s.advance()
	}
	return string(s.src[start:s.pos])
}

// delimited consumes a balanced {...} or (...) group and returns its body.
func (s *scanner) delimited() (string, error) {
	open := s.advance()
	closing := byte('}')
	if open == '(' {
		closing = ')'
	}
	start, depth := s.pos, 0
	for !s.eof() {
		c := s.advance()
		switch {
		case c == '{':
			depth++
		case c == '}' && depth > 0:
			depth--
		case c == closing && depth == 0:
			return string(s.src[start : s.pos-1]), nil
		}
	}
	return "", s.errorf("unterminated block")
}

func (s *scanner) record(typ string) (Record, error) {
	open := s.advance()
	closing := byte('}')
	if open == '(' {
		closing = ')'
	}
	rec := Record{Type: typ}

	s.skipSpace()
	start := s.pos
	for !s.eof() && s.peek() != ',' && s.peek() != closing {
		if isSpace(s.peek()) {
			return rec, s.errorf("whitespace in key of @%s", typ)
		}
		s.advance()
	}
	rec.Key = string(s.src[start:s.pos])
	if rec.Key == "" {
		return rec, s.errorf("@%s entry without key", typ)
	}

	for {
		s.skipSpace()
		if s.eof() {
			return rec, s.errorf("unterminated entry %q", rec.Key)
		}
		c := s.advance()
		if c == closing {
			return rec, nil
		}
		if c != ',' {
			return rec, s.errorf("expected ',' in entry %q, got %q", rec.Key, c)
		}
		s.skipSpace()
		if s.peek() == closing {
			s.advance()
			return rec, nil
		}
		name := strings.ToLower(s.ident())
		if name == "" {
			return rec, s.errorf("expected field name in entry %q", rec.Key)
		}
		s.skipSpace()
		if s.eof() || s.advance() != '=' {
			return rec, s.errorf("expected '=' after field %q in entry %q", name, rec.Key)
		}
		value, raw, err := s.value()
		if err != nil {
			return rec, err
		}
		rec.Fields = setField(rec.Fields, Field{Name: name, Value: value, Raw: raw})
	}
}

func setField(fields []Field, f Field) []Field {
	for i := range fields {
		if fields[i].Name == f.Name {
			fields[i] = f
			return fields
		}
	}
	return append(fields, f)
}

// value reads one field value, joining '#' concatenations. raw is the source
// text when the value was more than a single literal.
func (s *scanner) value() (value, raw string, err error) {
	var parts []string
	s.skipSpace()
	start, macro := s.pos, false
	for {
		s.skipSpace()
		switch c := s.peek(); {
		case c == '{':
			body, err := s.braced()
			if err != nil {
				return "", "", err
			}
			parts = append(parts, body)
		case c == '"':
			body, err := s.quoted()
			if err != nil {
				return "", "", err
			}
			parts = append(parts, body)
		case isIdent(c):
			word := s.ident()
			macro = macro || !isNumber(word)
			parts = append(parts, word)
		default:
			return "", "", s.errorf("expected field value")
		}
		end := s.pos
		s.skipSpace()
		if s.peek() != '#' {
			if macro || len(parts) > 1 {
				raw = string(s.src[start:end])
			}
			return strings.Join(parts, ""), raw, nil
		}
		s.advance()
	}
}

// escaped consumes the brace after a backslash so it does not count as a
// delimiter.
func (s *scanner) escaped(c byte) bool {
	if c == '\\' && (s.peek() == '{' || s.peek() == '}') {
		s.advance()
		return true
	}
	return false
}

func (s *scanner) braced() (string, error) {
	s.advance()
	start, depth := s.pos, 0
	for !s.eof() {
		c := s.advance()
		if s.escaped(c) {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return string(s.src[start : s.pos-1]), nil
			}
			depth--
		}
	}
	return "", s.errorf("unterminated braced value")
}

func (s *scanner) quoted() (string, error) {
	s.advance()
	start, depth := s.pos, 0
	for !s.eof() {
		c := s.advance()
		if s.escaped(c) {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
		case '"':
			if depth == 0 {
				return string(s.src[start : s.pos-1]), nil
			}
		}
	}
	return "", s.errorf("unterminated quoted value")
}
