package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrInvalidCredentials = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrInactiveAccount    = New("ACCOUNT_INACTIVE", http.StatusForbidden, "account is inactive")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")

	// Session lifecycle and submission verification.
	ErrInvalidWindow       = New("INVALID_WINDOW", http.StatusBadRequest, "session end time must be after start time")
	ErrSessionNotFound     = New("SESSION_NOT_FOUND", http.StatusNotFound, "session not found")
	ErrSessionClosed       = New("SESSION_CLOSED", http.StatusConflict, "session is closed")
	ErrDuplicateSubmission = New("DUPLICATE_SUBMISSION", http.StatusConflict, "attendee already has a record for this session")
	ErrTokenExpired        = New("TOKEN_EXPIRED", http.StatusConflict, "presented token no longer matches the session token")
	ErrLocationRequired    = New("LOCATION_REQUIRED", http.StatusBadRequest, "session requires an observed location")
	ErrOutOfRange          = New("OUT_OF_RANGE", http.StatusUnprocessableEntity, "observed location is outside the session geofence")
	ErrBiometricRequired   = New("BIOMETRIC_REQUIRED", http.StatusUnprocessableEntity, "session requires biometric confirmation")

	// Correction workflow.
	ErrInvalidRecordState = New("INVALID_RECORD_STATE", http.StatusConflict, "record disposition cannot be contested")
	ErrDuplicateRequest   = New("DUPLICATE_REQUEST", http.StatusConflict, "an open correction request already exists for this record")
	ErrInvalidTransition  = New("INVALID_TRANSITION", http.StatusConflict, "correction request is not in a state that allows this decision")

	// Storage layer gave up after bounded retries.
	ErrStorageUnavailable = New("STORAGE_UNAVAILABLE", http.StatusServiceUnavailable, "storage temporarily unavailable")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// HasCode reports whether err carries the given domain error code.
func HasCode(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == target.Code
}
