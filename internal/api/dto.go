package api

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/bibshelf/internal/bibtex"
	"github.com/starford/bibshelf/internal/library"
	"github.com/starford/bibshelf/internal/models"
	"github.com/starford/bibshelf/internal/search"
)

// entryType accepts entry types the citation file format can hold.
var entryType = validation.NewStringRuleWithError(bibtex.ValidName,
	validation.NewError("validation_entry_type", "must be a single word without braces, quotes, commas or '='"))

// fieldNames checks the keys of a field map the same way.
var fieldNames = validation.By(func(value any) error {
	fields, _ := value.(map[string]string)
	for name := range fields {
		if !bibtex.ValidName(name) {
			return fmt.Errorf("field name %q must be a single word without braces, quotes, commas or '='", name)
		}
	}
	return nil
})

// OpenFileRequest is the request body for opening a file.
type OpenFileRequest struct {
	Path string `json:"path" example:"/home/me/refs.bib" validate:"required"`
}

// Validate implements validation.Validatable.
func (r *OpenFileRequest) Validate() error {
	return validation.ValidateStruct(r, validation.Field(&r.Path, validation.Required))
}

// SelectFilesRequest lists the files to mark as selected.
type SelectFilesRequest struct {
	Paths []string `json:"paths"`
}

// Validate implements validation.Validatable.
func (r *SelectFilesRequest) Validate() error {
	return validation.ValidateStruct(r, validation.Field(&r.Paths, validation.NotNil))
}

// CreateEntryRequest is the request body for adding an entry.
type CreateEntryRequest struct {
	File   string            `json:"file" example:"/home/me/refs.bib" validate:"required"`
	Type   string            `json:"type" example:"article" validate:"required"`
	Key    string            `json:"key,omitempty" example:"smi-ob2020"`
	Fields map[string]string `json:"fields"`
}

// Validate implements validation.Validatable.
func (r *CreateEntryRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.File, validation.Required),
		validation.Field(&r.Type, validation.Required, entryType),
		validation.Field(&r.Fields, fieldNames),
	)
}

// UpdateEntryRequest is the request body for changing entry fields.
// An empty value removes the field; "key" renames the entry.
type UpdateEntryRequest struct {
	Fields map[string]string `json:"fields" validate:"required"`
}

// Validate implements validation.Validatable.
func (r *UpdateEntryRequest) Validate() error {
	return validation.ValidateStruct(r, validation.Field(&r.Fields, validation.Required, fieldNames))
}

// KeysRequest names a batch of entries.
type KeysRequest struct {
	Keys []string `json:"keys" validate:"required"`
}

// Validate implements validation.Validatable.
func (r *KeysRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Keys, validation.Required, validation.Each(validation.Required)),
	)
}

// MoveRequest moves a batch of entries to another open file.
type MoveRequest struct {
	Keys []string `json:"keys" validate:"required"`
	Dest string   `json:"dest" validate:"required"`
}

// Validate implements validation.Validatable.
func (r *MoveRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Keys, validation.Required, validation.Each(validation.Required)),
		validation.Field(&r.Dest, validation.Required),
	)
}

// GenerateKeyRequest describes the entry a key is wanted for.
type GenerateKeyRequest struct {
	Type   string            `json:"type" example:"article" validate:"required"`
	Fields map[string]string `json:"fields"`
}

// Validate implements validation.Validatable.
func (r *GenerateKeyRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Type, validation.Required, entryType),
		validation.Field(&r.Fields, fieldNames),
	)
}

// GenerateKeyResponse carries a proposed key.
type GenerateKeyResponse struct {
	Key string `json:"key" example:"smi-ob2020" validate:"required"`
}

// FileListResponse wraps the open files.
type FileListResponse struct {
	Files []models.FileInfo `json:"files" validate:"required"`
}

// RowListResponse wraps a page of the flattened index.
type RowListResponse struct {
	Rows  []models.Row `json:"rows" validate:"required"`
	Total int          `json:"total" example:"42" validate:"required"`
}

// EntryDetail is the full entry response type (aliased from the library).
type EntryDetail = library.EntryDetail

// KeyStatus is the key check response type (aliased from the library).
type KeyStatus = library.KeyStatus

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []search.Result `json:"results" validate:"required"`
}
