package models

// ReadStatus is the reading progress decoded from an entry's keywords.
type ReadStatus string

const (
	ReadUnread  ReadStatus = ""
	ReadSkimmed ReadStatus = "skimmed"
	ReadRead    ReadStatus = "read"
)

// Next returns the following status in the unread → skimmed → read cycle.
func (s ReadStatus) Next() ReadStatus {
	switch s {
	case ReadUnread:
		return ReadSkimmed
	case ReadSkimmed:
		return ReadRead
	default:
		return ReadUnread
	}
}

// TrashInfo records where a trashed entry came from and when.
type TrashInfo struct {
	From string `json:"trashed_from"`
	Date string `json:"trashed_date"`
}

// Row is one line of the flattened index: a positional projection of an
// entry across every visible file.
type Row struct {
	GlobalID   int        `json:"global_id"`
	SourceFile string     `json:"source_file"`
	Role       FileRole   `json:"role"`
	Key        string     `json:"key"`
	Type       string     `json:"type"`
	Author     string     `json:"author,omitempty"`
	Title      string     `json:"title,omitempty"`
	Journal    string     `json:"journal,omitempty"`
	Year       int        `json:"year,omitempty"`
	Keywords   []string   `json:"keywords,omitempty"`
	Quality    bool       `json:"quality"`
	ReadStatus ReadStatus `json:"read_status"`
	URL        string     `json:"url,omitempty"`
	DOI        string     `json:"doi,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	Trashed    *TrashInfo `json:"trashed,omitempty"`
}

// FileInfo describes one open file for consumers.
type FileInfo struct {
	Path     string   `json:"path"`
	Role     FileRole `json:"role"`
	Entries  int      `json:"entries"`
	Selected bool     `json:"selected"`
	Checksum string   `json:"checksum"`
}
