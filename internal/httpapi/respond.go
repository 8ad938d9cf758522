package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/manifold-labs/ragcore/internal/store"
)

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorBody{Error: msg})
}

// statusFromError maps the store's sentinel errors to HTTP status codes, the
// only place this package leaks store-package knowledge outward as spec'd.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrIndexCorrupt):
		return http.StatusInternalServerError
	case errors.Is(err, store.ErrPartitionDirty):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
