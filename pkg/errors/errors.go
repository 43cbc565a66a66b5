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
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
	ErrTransient          = New("TRANSIENT_FAULT", http.StatusServiceUnavailable, "temporarily unavailable, retry later")
)

// Refresh-token and billing webhook errors.
var (
	// ErrInvalidCredential covers every refresh failure the client may learn about.
	ErrInvalidCredential = New("INVALID_CREDENTIAL", http.StatusUnauthorized, "invalid or expired credential")
	// ErrTokenReuse is kept distinct internally and collapsed into ErrInvalidCredential by Public.
	ErrTokenReuse         = New("TOKEN_REUSE_DETECTED", http.StatusUnauthorized, "credential reuse detected")
	ErrSignatureInvalid   = New("SIGNATURE_INVALID", http.StatusBadRequest, "invalid webhook signature")
	ErrMalformedEvent     = New("MALFORMED_EVENT", http.StatusBadRequest, "malformed event payload")
	ErrSubscriptionAbsent = New("SUBSCRIPTION_NOT_FOUND", http.StatusNotFound, "subscription not found")
)

// Is reports whether err carries the same code as target.
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code == target.Code
	}
	return false
}

// Public rewrites errors that must not be distinguishable by clients.
func Public(err *Error) *Error {
	if err == nil {
		return nil
	}
	if err.Code == ErrTokenReuse.Code {
		return Clone(ErrInvalidCredential, "")
	}
	return err
}

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
