package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"aegis/internal/orchestrator"
	"aegis/internal/tier"
	"aegis/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps orchestrator errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case orchestrator.IsInvalidRequest(err):
		return http.StatusBadRequest
	case orchestrator.IsResourceExhausted(err):
		return http.StatusTooManyRequests
	case orchestrator.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, orchestrator.ErrUnknownTier):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrReloadBusy):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrClosed), errors.Is(err, orchestrator.ErrNotStarted),
		tier.IsDependencyUnavailable(err), tier.IsLoadError(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &he):
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeError writes err with its mapped status.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(orchestrator.ErrorKind(err))
	}
	writeJSONError(w, status, err.Error())
	return status
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
