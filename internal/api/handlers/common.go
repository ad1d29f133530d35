package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"corral/internal/bridge"
	"corral/internal/emergency"
	"corral/internal/registry"
	"corral/internal/storage/repos"
	"corral/internal/supervisor"
)

type envelope struct {
	OK    bool `json:"ok"`
	Data  any  `json:"data"`
	Error any  `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		OK:   status >= 200 && status < 300,
		Data: data,
	})
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		OK:    false,
		Error: apiError{Code: code, Message: message},
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseInt(value string, defaultValue int) int {
	v, err := strconv.Atoi(value)
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

// mapErr translates domain sentinel errors to HTTP responses. It returns
// false when the error is not one the API layer recognizes.
func mapErr(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, emergency.ErrNotFound),
		errors.Is(err, repos.ErrDeadLetterNotFound),
		errors.Is(err, repos.ErrBreakerNotFound):
		writeErr(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return true
	case errors.Is(err, registry.ErrDuplicate):
		writeErr(w, http.StatusConflict, "CONFLICT", err.Error())
		return true
	case errors.Is(err, bridge.ErrContract):
		writeErr(w, http.StatusUnprocessableEntity, "CONTRACT_VIOLATION", err.Error())
		return true
	case errors.Is(err, bridge.ErrThrottled):
		writeErr(w, http.StatusServiceUnavailable, "THROTTLED", "load shedding in force")
		return true
	case errors.Is(err, bridge.ErrCircuitOpen):
		writeErr(w, http.StatusServiceUnavailable, "CIRCUIT_OPEN", "external pipeline unavailable")
		return true
	case errors.Is(err, supervisor.ErrQueueFull):
		writeErr(w, http.StatusTooManyRequests, "QUEUE_FULL", "pending action queue full")
		return true
	default:
		return false
	}
}
