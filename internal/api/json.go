package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/bibshelf/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// statusFor maps library errors onto HTTP statuses. Zero means internal.
var statusFor = []struct {
	err    error
	status int
}{
	{apperr.ErrKeyNotFound, http.StatusNotFound},
	{apperr.ErrNotOpen, http.StatusNotFound},
	{apperr.ErrOriginNotFound, http.StatusNotFound},
	{apperr.ErrNoSystemFile, http.StatusNotFound},
	{apperr.ErrDuplicateKey, http.StatusConflict},
	{apperr.ErrAlreadyOpen, http.StatusConflict},
	{apperr.ErrAlreadyTrashed, http.StatusConflict},
	{apperr.ErrNotTrashed, http.StatusConflict},
	{apperr.ErrInvalidKey, http.StatusBadRequest},
	{apperr.ErrInvalidField, http.StatusBadRequest},
	{apperr.ErrParse, http.StatusUnprocessableEntity},
	{apperr.ErrIO, http.StatusBadGateway},
}

// writeError reports err, logging anything that is not the caller's fault.
func writeError(w http.ResponseWriter, op string, err error) {
	for _, m := range statusFor {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				slog.Error(op+" failed", slog.String("error", err.Error()))
			}
			writeJSON(w, m.status, errorBody(err.Error()))
			return
		}
	}
	slog.Error(op+" failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

// decode reads a JSON body into v and validates it.
func decode(w http.ResponseWriter, r *http.Request, v validation.Validatable) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return false
	}
	if err := v.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("invalid request: %v", err)))
		return false
	}
	return true
}
