// Package response provides standardized HTTP response helpers for
// internal/httpapi, generalized from the teacher's own
// internal/api/response package.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorCode represents standardized error codes.
type ErrorCode string

const (
	ErrCodeValidation ErrorCode = "validation_error"
	ErrCodeNotFound   ErrorCode = "not_found"
	ErrCodeBadRequest ErrorCode = "bad_request"
	ErrCodeConflict   ErrorCode = "conflict"
	ErrCodeInternal   ErrorCode = "internal_error"
)

// APIError is the standardized error response body.
type APIError struct {
	Error   string            `json:"error"`
	Code    ErrorCode         `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// JSON writes data as a JSON response with the given status.
func JSON(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil && logger != nil {
		logger.Error("httpapi: failed to encode JSON response", "error", err)
	}
}

// Err writes an APIError with the given status and code.
func Err(w http.ResponseWriter, logger *slog.Logger, status int, code ErrorCode, message string) {
	JSON(w, logger, status, APIError{Error: message, Code: code})
}

// ValidationErr writes a 400 validation_error with per-field details.
func ValidationErr(w http.ResponseWriter, logger *slog.Logger, message string, details map[string]string) {
	JSON(w, logger, http.StatusBadRequest, APIError{Error: message, Code: ErrCodeValidation, Details: details})
}
