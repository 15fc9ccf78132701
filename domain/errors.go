package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks bad input shape; the request is never sent.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden marks a non-owner attempting an owner-only action.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound marks a stale or unknown identity.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a duplicate idempotency key or membership.
	ErrConflict = errors.New("conflict")
	// ErrNetwork marks a transport failure.
	ErrNetwork = errors.New("network failure")
	// ErrStaleEvent marks an event that references an identity no longer in cache.
	ErrStaleEvent = errors.New("stale event")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, msg string) error {
	return ValidationError{Field: field, Msg: msg}
}

// Error is a domain failure with a user-facing message and a sentinel kind.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func Forbidden(msg string) error { return &Error{Kind: ErrForbidden, Msg: msg} }

func NotFound(msg string) error { return &Error{Kind: ErrNotFound, Msg: msg} }

func Conflict(msg string) error { return &Error{Kind: ErrConflict, Msg: msg} }

// APIError is a non-2xx REST response as seen by the client.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Status)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	}
	return nil
}

// NetworkError wraps a transport failure for the operation that hit it.
type NetworkError struct {
	Op  string
	Err error
}

func (e NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e NetworkError) Unwrap() []error { return []error{ErrNetwork, e.Err} }

// StatusFor maps an error to the HTTP status a handler should answer with.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
