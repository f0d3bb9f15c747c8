package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/gebo/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

// errResponse is the uniform error body. Code is stable for automation;
// Error says which invariant was violated.
type errResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func errorBody(code, msg string) errResponse {
	return errResponse{Code: code, Error: msg}
}

// writeErr maps domain errors onto HTTP statuses and stable codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not_found", err.Error()))
	case errors.Is(err, apperr.ErrDuplicateDomain):
		writeJSON(w, http.StatusConflict, errorBody("duplicate_domain", err.Error()))
	case errors.Is(err, apperr.ErrNotVerified):
		writeJSON(w, http.StatusForbidden, errorBody("not_verified", err.Error()))
	case errors.Is(err, apperr.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody("forbidden", err.Error()))
	case errors.Is(err, apperr.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_input", err.Error()))
	case errors.Is(err, apperr.ErrInvalidCapacity):
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_capacity", err.Error()))
	case errors.Is(err, apperr.ErrInvalidReason):
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_reason", err.Error()))
	case errors.Is(err, apperr.ErrInsufficientCredit):
		writeJSON(w, http.StatusPaymentRequired, errorBody("insufficient_credit", err.Error()))
	case errors.Is(err, apperr.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorBody("invalid_state", err.Error()))
	case errors.Is(err, apperr.ErrUpstream):
		writeJSON(w, http.StatusBadGateway, errorBody("upstream_unavailable", err.Error()))
	default:
		slog.Error("internal error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal", "internal error"))
	}
}
