// Package handlers provides HTTP request handlers for the sharescan API.
// This file contains utilities shared across all handlers.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/anstrom/sharescan/internal/api/middleware"
	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/logging"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Code      errors.ErrorCode `json:"code,omitempty"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
	RequestID string           `json:"request_id,omitempty"`
}

// statusForCode maps error codes onto HTTP statuses.
var statusForCode = map[errors.ErrorCode]int{
	errors.CodeValidation:           http.StatusBadRequest,
	errors.CodeRangeInvalid:         http.StatusBadRequest,
	errors.CodeRangeTooLarge:        http.StatusBadRequest,
	errors.CodeNotFound:             http.StatusNotFound,
	errors.CodeSessionNotFound:      http.StatusNotFound,
	errors.CodeConflict:             http.StatusConflict,
	errors.CodeInvalidTransition:    http.StatusConflict,
	errors.CodePermission:           http.StatusForbidden,
	errors.CodeAuthFailed:           http.StatusForbidden,
	errors.CodeRateLimited:          http.StatusTooManyRequests,
	errors.CodeTimeout:              http.StatusGatewayTimeout,
	errors.CodeHostUnreachable:      http.StatusBadGateway,
	errors.CodeNegotiationFailed:    http.StatusBadGateway,
	errors.CodeEnumerationFailed:    http.StatusBadGateway,
	errors.CodeShareUnavailable:     http.StatusBadGateway,
	errors.CodeIndexBuildFailed:     http.StatusBadGateway,
	errors.CodeSubstrateUnavailable: http.StatusBadGateway,
	errors.CodeIndexBuilding:        http.StatusServiceUnavailable,
	errors.CodeServiceUnavailable:   http.StatusServiceUnavailable,
}

// retryAfter is the Retry-After value sent with retryable failures and
// with searches answered while an index builds.
const retryAfter = "1"

// setRetryAfter advertises retryAfter when err is retryable.
func setRetryAfter(w http.ResponseWriter, err error) {
	if errors.IsRetryable(err) {
		w.Header().Set("Retry-After", retryAfter)
	}
}

// httpStatus returns the HTTP status for err.
func httpStatus(err error) int {
	if status, ok := statusForCode[errors.GetCode(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		response.Code = code
	}
	writeJSON(w, r, statusCode, response)
}

// writeDomainError writes err with the status its code maps to, logging
// server-side failures.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			"request_id", middleware.GetRequestID(r),
			"path", r.URL.Path,
			"error", err)
	}
	setRetryAfter(w, err)
	writeError(w, r, status, err)
}

// parseJSON decodes the request body into dest, rejecting unknown fields.
func parseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.NewScanError(errors.CodeValidation, "Request body is empty")
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return errors.WrapScanError(errors.CodeValidation, "Invalid JSON", err)
	}
	return nil
}

// pathID returns the {id} route variable.
func pathID(r *http.Request) (string, error) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		return "", errors.NewScanError(errors.CodeValidation, "id not provided")
	}
	return id, nil
}
