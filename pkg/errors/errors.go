// Package errors holds the sentinel errors shared across the service and
// maps them to HTTP status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrCorrupted        = errors.New("corrupted store data")
	ErrUnknownAutomaton = errors.New("unknown automaton index")
	ErrInternal         = errors.New("internal error")
	ErrTimeout          = errors.New("operation timed out")
)

// AppError carries a sentinel together with the status and message a
// client should see.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Describe returns the status and client-facing message for err. Only
// AppErrors below 500 expose their own message; everything else gets a
// fixed text so internal detail never reaches the response body.
func Describe(err error) (int, string) {
	status := HTTPStatusCode(err)
	var appErr *AppError
	switch {
	case errors.As(err, &appErr) && status < http.StatusInternalServerError:
		return status, appErr.Message
	case errors.Is(err, ErrTimeout):
		return status, "compilation timed out"
	case errors.Is(err, ErrStoreUnavailable):
		return status, "index store unavailable"
	case errors.Is(err, ErrUnknownAutomaton):
		return status, "unknown automaton index"
	case errors.Is(err, ErrInvalidInput):
		return status, "invalid query"
	default:
		return status, "compilation failed"
	}
}

// HTTPStatusCode maps err to a response status, preferring an AppError's
// own code.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownAutomaton):
		return http.StatusNotFound
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
