// Package apperr defines the error taxonomy shared by the store packages.
// Callers match with errors.Is; wrapping sites add the offending file and key.
package apperr

import "errors"

var (
	ErrIO             = errors.New("i/o failure")
	ErrParse          = errors.New("malformed citation file")
	ErrAlreadyOpen    = errors.New("file already open")
	ErrNotOpen        = errors.New("file not open")
	ErrKeyNotFound    = errors.New("citation key not found")
	ErrOriginNotFound = errors.New("origin file not found")
	ErrDuplicateKey   = errors.New("duplicate citation key")
	ErrInvalidKey     = errors.New("invalid citation key")
	ErrInvalidField   = errors.New("invalid entry type or field name")
	ErrAlreadyTrashed = errors.New("entry already trashed")
	ErrNotTrashed     = errors.New("entry not trashed")
	ErrNoSystemFile   = errors.New("system file not open")
)
