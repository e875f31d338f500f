package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors for common cases.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInternal       = errors.New("internal error")
	ErrConflict       = errors.New("conflict")
	ErrServiceUnavail = errors.New("service unavailable")
)

// Sentinels for the search and synchronization failure taxonomy.
var (
	ErrSourceUnavailable = errors.New("source store unavailable")
	ErrMalformedRecord   = errors.New("malformed record")
	ErrIndexUnavailable  = errors.New("search index unavailable")
	ErrSchemaConflict    = errors.New("index schema conflict")
	ErrCacheUnavailable  = errors.New("cache unavailable")
	ErrInvalidQuery      = errors.New("invalid query")
	ErrSerialization     = errors.New("payload serialization failed")
)

// AppError represents a structured application error with HTTP status mapping.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`

	// cause is the underlying client error. It is kept out of Message so
	// that responses never leak raw store, index or cache payloads.
	cause error
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap exposes both the classifying sentinel and the underlying cause.
func (e *AppError) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Conflict creates a 409 error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:    "CONFLICT",
		Message: message,
		Status:  http.StatusConflict,
		Err:     ErrConflict,
	}
}

// Internal creates a 500 error.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     ErrInternal,
		cause:   err,
	}
}

// SourceUnavailable creates a 503 error for an unreachable or failing source store.
func SourceUnavailable(op string, err error) *AppError {
	return &AppError{
		Code:    "SOURCE_UNAVAILABLE",
		Message: fmt.Sprintf("source store unavailable during %s", op),
		Status:  http.StatusServiceUnavailable,
		Err:     ErrSourceUnavailable,
		cause:   err,
	}
}

// MalformedRecord creates a 422 error for a row that cannot be mapped to a product.
func MalformedRecord(message string, err error) *AppError {
	return &AppError{
		Code:    "MALFORMED_RECORD",
		Message: message,
		Status:  http.StatusUnprocessableEntity,
		Err:     ErrMalformedRecord,
		cause:   err,
	}
}

// IndexUnavailable creates a 503 error for an unreachable or failing search index.
func IndexUnavailable(op string, err error) *AppError {
	return &AppError{
		Code:    "INDEX_UNAVAILABLE",
		Message: fmt.Sprintf("search index unavailable during %s", op),
		Status:  http.StatusServiceUnavailable,
		Err:     ErrIndexUnavailable,
		cause:   err,
	}
}

// SchemaConflict creates a 409 error for a rejected index creation or mapping update.
func SchemaConflict(message string, err error) *AppError {
	return &AppError{
		Code:    "SCHEMA_CONFLICT",
		Message: message,
		Status:  http.StatusConflict,
		Err:     ErrSchemaConflict,
		cause:   err,
	}
}

// CacheUnavailable creates a 503 error for an unreachable cache.
func CacheUnavailable(op string, err error) *AppError {
	return &AppError{
		Code:    "CACHE_UNAVAILABLE",
		Message: fmt.Sprintf("cache unavailable during %s", op),
		Status:  http.StatusServiceUnavailable,
		Err:     ErrCacheUnavailable,
		cause:   err,
	}
}

// InvalidQuery creates a 400 error for empty or malformed query input.
func InvalidQuery(message string) *AppError {
	return &AppError{
		Code:    "INVALID_QUERY",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidQuery,
	}
}

// Serialization creates a 500 error for a payload that cannot be encoded for storage.
func Serialization(err error) *AppError {
	return &AppError{
		Code:    "SERIALIZATION_ERROR",
		Message: "payload could not be encoded",
		Status:  http.StatusInternalServerError,
		Err:     ErrSerialization,
		cause:   err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// IsRetryable reports whether err is a transient unavailability of one of
// the external systems. Deadline expiry counts as unavailability.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrSourceUnavailable),
		errors.Is(err, ErrIndexUnavailable),
		errors.Is(err, ErrCacheUnavailable),
		errors.Is(err, ErrServiceUnavail),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrSchemaConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, ErrMalformedRecord):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrSourceUnavailable), errors.Is(err, ErrIndexUnavailable),
		errors.Is(err, ErrCacheUnavailable), errors.Is(err, ErrServiceUnavail):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
