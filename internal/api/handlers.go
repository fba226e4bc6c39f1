package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/bibshelf/internal/library"
	"github.com/starford/bibshelf/internal/search"
)

const maxBody = 1 << 20

// Handler holds API route handlers.
type Handler struct {
	lib *library.Library
}

// NewHandler creates a new Handler.
func NewHandler(lib *library.Library) *Handler {
	return &Handler{lib: lib}
}

// entryKey extracts the citation key from the URL. Keys may carry ':' so
// clients are allowed to escape them.
func entryKey(r *http.Request) string {
	raw := chi.URLParam(r, "key")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ListFiles handles GET /api/files.
//
//	@Summary		List open citation files in load order
//	@Tags			files
//	@Produce		json
//	@Success		200	{object}	FileListResponse
//	@Security		BearerAuth
//	@Router			/files [get]
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.lib.Files(r.Context())
	if err != nil {
		writeError(w, "list files", err)
		return
	}
	writeJSON(w, http.StatusOK, FileListResponse{Files: files})
}

// OpenFile handles POST /api/files.
//
//	@Summary		Open a citation file
//	@Tags			files
//	@Accept			json
//	@Produce		json
//	@Param			body	body		OpenFileRequest	true	"File to open"
//	@Success		201		{object}	models.FileInfo
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files [post]
func (h *Handler) OpenFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var req OpenFileRequest
	if !decode(w, r, &req) {
		return
	}
	info, err := h.lib.OpenFile(r.Context(), req.Path)
	if err != nil {
		writeError(w, "open file", err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// CloseFile handles DELETE /api/files?path=...&save=false.
// The file is saved first unless save=false.
func (h *Handler) CloseFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'path' is required"))
		return
	}
	save := r.URL.Query().Get("save") != "false"
	if err := h.lib.CloseFile(r.Context(), path, save); err != nil {
		writeError(w, "close file", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReloadFile handles POST /api/files/reload.
func (h *Handler) ReloadFile(w http.ResponseWriter, r *http.Request) {
	var req OpenFileRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.lib.ReloadFile(r.Context(), req.Path); err != nil {
		writeError(w, "reload file", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SaveFile handles POST /api/files/save.
func (h *Handler) SaveFile(w http.ResponseWriter, r *http.Request) {
	var req OpenFileRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.lib.SaveFile(r.Context(), req.Path); err != nil {
		writeError(w, "save file", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SelectFiles handles PUT /api/files/selection.
func (h *Handler) SelectFiles(w http.ResponseWriter, r *http.Request) {
	var req SelectFilesRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.lib.SelectFiles(r.Context(), req.Paths); err != nil {
		writeError(w, "select files", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRows handles GET /api/rows.
//
//	@Summary		Page through the flattened index
//	@Tags			rows
//	@Produce		json
//	@Param			offset	query		int	false	"First global id"
//	@Param			limit	query		int	false	"Page size, 0 for all"
//	@Success		200		{object}	RowListResponse
//	@Security		BearerAuth
//	@Router			/rows [get]
func (h *Handler) ListRows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	rows, total, err := h.lib.Rows(r.Context(), offset, limit)
	if err != nil {
		writeError(w, "list rows", err)
		return
	}
	writeJSON(w, http.StatusOK, RowListResponse{Rows: rows, Total: total})
}

// GetRow handles GET /api/rows/{id}.
func (h *Handler) GetRow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("id must be an integer"))
		return
	}
	row, err := h.lib.Row(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// GetEntry handles GET /api/entries/{key}.
//
//	@Summary		Get one entry by key or alias
//	@Tags			entries
//	@Produce		json
//	@Param			key		path		string	true	"Citation key"
//	@Param			file	query		string	false	"File to look in first"
//	@Success		200		{object}	EntryDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/{key} [get]
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	d, err := h.lib.Entry(r.Context(), entryKey(r), r.URL.Query().Get("file"))
	if err != nil {
		writeError(w, "get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// CreateEntry handles POST /api/entries.
//
//	@Summary		Add an entry, generating its key when none is given
//	@Tags			entries
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateEntryRequest	true	"Entry to add"
//	@Success		201		{object}	EntryDetail
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries [post]
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var req CreateEntryRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.lib.AddEntry(r.Context(), library.NewEntry{
		File:   req.File,
		Type:   req.Type,
		Key:    req.Key,
		Fields: req.Fields,
	})
	if err != nil {
		writeError(w, "create entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// UpdateEntry handles PATCH /api/entries/{key}.
//
//	@Summary		Change entry fields; "key" renames and keeps the old key as an alias
//	@Tags			entries
//	@Accept			json
//	@Produce		json
//	@Param			key		path		string				true	"Citation key"
//	@Param			body	body		UpdateEntryRequest	true	"Fields to set"
//	@Success		200		{object}	EntryDetail
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/{key} [patch]
func (h *Handler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var req UpdateEntryRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.lib.UpdateEntry(r.Context(), entryKey(r), req.Fields)
	if err != nil {
		writeError(w, "update entry", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeleteEntry handles DELETE /api/entries/{key}.
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.lib.DeleteEntry(r.Context(), entryKey(r)); err != nil {
		writeError(w, "delete entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleQuality handles POST /api/entries/{key}/quality.
func (h *Handler) ToggleQuality(w http.ResponseWriter, r *http.Request) {
	d, err := h.lib.ToggleQuality(r.Context(), entryKey(r))
	if err != nil {
		writeError(w, "toggle quality", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// CycleReadStatus handles POST /api/entries/{key}/read.
func (h *Handler) CycleReadStatus(w http.ResponseWriter, r *http.Request) {
	d, err := h.lib.CycleReadStatus(r.Context(), entryKey(r))
	if err != nil {
		writeError(w, "cycle read status", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Trash handles POST /api/trash.
//
//	@Summary		Move entries to the trash file
//	@Tags			entries
//	@Accept			json
//	@Param			body	body	KeysRequest	true	"Entries to trash"
//	@Success		204		"Entries trashed"
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/trash [post]
func (h *Handler) Trash(w http.ResponseWriter, r *http.Request) {
	var req KeysRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.lib.Trash(r.Context(), req.Keys); err != nil {
		writeError(w, "trash", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Restore handles POST /api/restore.
//
//	@Summary		Move trashed entries back to the files they came from
//	@Tags			entries
//	@Accept			json
//	@Param			body	body	KeysRequest	true	"Entries to restore"
//	@Success		204		"Entries restored"
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/restore [post]
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	var req KeysRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.lib.Restore(r.Context(), req.Keys); err != nil {
		writeError(w, "restore", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Move handles POST /api/move.
func (h *Handler) Move(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.lib.Move(r.Context(), req.Keys, req.Dest); err != nil {
		writeError(w, "move", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckKey handles GET /api/keys/check?key=....
func (h *Handler) CheckKey(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'key' is required"))
		return
	}
	st, err := h.lib.CheckKey(r.Context(), key)
	if err != nil {
		writeError(w, "check key", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GenerateKey handles POST /api/keys/generate.
func (h *Handler) GenerateKey(w http.ResponseWriter, r *http.Request) {
	var req GenerateKeyRequest
	if !decode(w, r, &req) {
		return
	}
	key, err := h.lib.GenerateKey(r.Context(), req.Type, req.Fields)
	if err != nil {
		writeError(w, "generate key", err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateKeyResponse{Key: key})
}

// Search handles GET /api/search.
//
//	@Summary		Full-text search across open entries
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.lib.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}
