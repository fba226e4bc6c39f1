package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/bibshelf/internal/library"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(lib *library.Library, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(lib)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Open files.
	r.Get("/files", h.ListFiles)
	r.Post("/files", h.OpenFile)
	r.Delete("/files", h.CloseFile)
	r.Post("/files/reload", h.ReloadFile)
	r.Post("/files/save", h.SaveFile)
	r.Put("/files/selection", h.SelectFiles)

	// Flattened index.
	r.Get("/rows", h.ListRows)
	r.Get("/rows/{id}", h.GetRow)

	// Entries.
	r.Post("/entries", h.CreateEntry)
	r.Get("/entries/{key}", h.GetEntry)
	r.Patch("/entries/{key}", h.UpdateEntry)
	r.Delete("/entries/{key}", h.DeleteEntry)
	r.Post("/entries/{key}/quality", h.ToggleQuality)
	r.Post("/entries/{key}/read", h.CycleReadStatus)

	// Batch moves.
	r.Post("/trash", h.Trash)
	r.Post("/restore", h.Restore)
	r.Post("/move", h.Move)

	// Keys and search.
	r.Get("/keys/check", h.CheckKey)
	r.Post("/keys/generate", h.GenerateKey)
	r.Get("/search", h.Search)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
