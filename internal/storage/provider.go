// Package storage defines the file-system operations citation databases need.
package storage

import "time"

// Provider is the interface for citation file operations. Paths are absolute.
type Provider interface {
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write replaces the file at path so that readers only ever observe the
	// old or the new content.
	Write(path string, content []byte) error
	// Backup copies the current file beside itself under a dated name and
	// returns the backup path.
	Backup(path string, now time.Time) (string, error)
	// Exists reports whether a regular file exists at path.
	Exists(path string) bool
	// Touch creates an empty file at path unless one already exists.
	Touch(path string) error
}
