package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies the abstract kind of a gateway error, independent of
// the HTTP status it maps to.
type ErrorCode string

const (
	ErrNotFound         ErrorCode = "not_found"
	ErrConflict         ErrorCode = "conflict"
	ErrValidation       ErrorCode = "validation_error"
	ErrRouteInactive    ErrorCode = "route_inactive"
	ErrNoActiveProvider ErrorCode = "no_active_provider"
	ErrNoModelsAvail    ErrorCode = "no_models_available"
	ErrModelNotFound    ErrorCode = "model_not_found"
	ErrProvider         ErrorCode = "provider_error"
	ErrDecryptionFailed ErrorCode = "decryption_failed"
	ErrBackupMissing    ErrorCode = "backup_missing"
	ErrInternal         ErrorCode = "internal_error"
)

// Error is the structured error type threaded through every gateway layer.
// HTTPStatus is resolved once at construction so handlers never need a
// second classification step at the HTTP boundary.
type Error struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NotFound builds an ErrNotFound error (HTTP 404).
func NotFound(format string, args ...any) *Error {
	return &Error{Code: ErrNotFound, Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusNotFound}
}

// Conflict builds an ErrConflict error (HTTP 400) — duplicate-name on insert.
func Conflict(format string, args ...any) *Error {
	return &Error{Code: ErrConflict, Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}

// Validation builds an ErrValidation error (HTTP 400).
func Validation(format string, args ...any) *Error {
	return &Error{Code: ErrValidation, Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}

// RouteInactive builds an ErrRouteInactive error (HTTP 400).
func RouteInactive(name string) *Error {
	return &Error{Code: ErrRouteInactive, Message: fmt.Sprintf("route %q is not active", name), HTTPStatus: http.StatusBadRequest}
}

// NoActiveProvider builds an ErrNoActiveProvider error (HTTP 400).
func NoActiveProvider(format string, args ...any) *Error {
	return &Error{Code: ErrNoActiveProvider, Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}

// NoModelsAvailable builds an ErrNoModelsAvail error (HTTP 400).
func NoModelsAvailable(format string, args ...any) *Error {
	return &Error{Code: ErrNoModelsAvail, Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}

// ModelNotFound builds an ErrModelNotFound error (HTTP 400).
func ModelNotFound(model string) *Error {
	return &Error{Code: ErrModelNotFound, Message: fmt.Sprintf("model %q not found among candidates", model), HTTPStatus: http.StatusBadRequest}
}

// ProviderFailure builds a ProviderError from an upstream HTTP status code.
// status == 0 marks a transport-level failure (no response received).
// 4xx is not retryable per the pipeline's abort-on-client-error rule; 5xx,
// timeouts, and transport errors are.
func ProviderFailure(status int, detail string) *Error {
	httpStatus := http.StatusBadGateway
	retryable := true
	if status >= 400 && status < 500 {
		httpStatus = status
		retryable = false
	}
	msg := detail
	if status != 0 {
		msg = fmt.Sprintf("upstream status %d: %s", status, detail)
	}
	return &Error{Code: ErrProvider, Message: msg, HTTPStatus: httpStatus, Retryable: retryable}
}

// DecryptionFailed builds an ErrDecryptionFailed error (HTTP 500) — an
// operator misconfiguration (wrong or rotated API_KEY_SECRET), never a
// client-facing validation failure.
func DecryptionFailed(cause error) *Error {
	return &Error{Code: ErrDecryptionFailed, Message: "failed to decrypt provider credential", HTTPStatus: http.StatusInternalServerError, Cause: cause}
}

// BackupMissing builds an ErrBackupMissing error (HTTP 404).
func BackupMissing(path string) *Error {
	return &Error{Code: ErrBackupMissing, Message: fmt.Sprintf("no backup found at %q", path), HTTPStatus: http.StatusNotFound}
}

// Internal wraps an unexpected error as HTTP 500 without leaking its detail
// to callers; the original cause is preserved for logging.
func Internal(cause error) *Error {
	return &Error{Code: ErrInternal, Message: "internal error", HTTPStatus: http.StatusInternalServerError, Cause: cause}
}

// StatusCode resolves the HTTP status for any error: *Error values return
// their own HTTPStatus, everything else maps to 500.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the ErrorCode from err, or "" if err is not a *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the pipeline should advance to the next
// candidate provider rather than surface err immediately.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	// Transport-level errors that never got wrapped are treated as
	// retryable — they are the "something went wrong talking to the
	// network" case the pipeline is built to failover around.
	return true
}
