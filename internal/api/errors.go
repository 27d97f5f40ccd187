package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/dispatcher"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/pool"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/resilience"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/store"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/workflow"
)

// Error codes for consistent error identification.
const (
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeBadRequest       = "bad_request"
	ErrCodeValidationFailed = "validation_failed"
	ErrCodeConflict         = "conflict"
	ErrCodeNoCapacity       = "no_capacity"
	ErrCodeInternalError    = "internal_error"
	ErrCodeServiceUnavail   = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string                 `json:"error"`                // Short error code
	Message   string                 `json:"message"`              // Human-readable message
	Details   map[string]interface{} `json:"details,omitempty"`    // Optional additional details
	RequestID string                 `json:"request_id,omitempty"` // Request ID for correlation
}

// requestIDContextKey is the context key for request ID.
type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusUnprocessableEntity:
		return ErrCodeValidationFailed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrWorkflowNotFound),
		errors.Is(err, store.ErrWorkflowNotFound),
		errors.Is(err, pool.ErrMemberNotFound),
		errors.Is(err, workflow.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrWorkflowExists):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrStrategyMismatch):
		return http.StatusConflict
	case errors.Is(err, dispatcher.ErrInvalidWorkflow),
		errors.Is(err, workflow.ErrEmptyWorkflow),
		errors.Is(err, workflow.ErrCycle),
		errors.Is(err, workflow.ErrUnknownDependency),
		errors.Is(err, workflow.ErrDuplicateTaskID),
		errors.Is(err, workflow.ErrDuplicateTaskName):
		return http.StatusUnprocessableEntity
	}
	var open *resilience.CircuitOpenError
	if errors.As(err, &open) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
