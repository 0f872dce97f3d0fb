package dataproxy

import (
	"errors"
	"fmt"
)

var (
	// ErrAccessDenied is returned when the store answers 401.
	ErrAccessDenied = errors.New("dataproxy: access denied")

	// ErrNotFound is returned when the store answers 404.
	ErrNotFound = errors.New("dataproxy: does not exist")

	// ErrEntryNotFound is returned when no entry matches a lookup.
	ErrEntryNotFound = errors.New("dataproxy: entry not found")

	// ErrMalformedResponse is returned when a payload lacks expected fields or has the wrong shape.
	ErrMalformedResponse = errors.New("dataproxy: malformed response")

	// ErrDuplicateEntry is returned when a listing repeats a name within one traversal.
	ErrDuplicateEntry = errors.New("dataproxy: duplicate entry in listing")

	// ErrNotSupported is returned by backends that cannot serve an operation.
	ErrNotSupported = errors.New("dataproxy: operation not supported")

	// ErrStore is the generic store failure for statuses without a dedicated sentinel.
	ErrStore = errors.New("dataproxy: store request failed")
)

// Error carries the failed operation, the request path and the HTTP status.
type Error struct {
	Op         string
	Path       string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Op, e.Path, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return errors.Is(e.Err, target) }

// StatusCode returns the HTTP status attached to err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

func IsAccessDenied(err error) bool { return errors.Is(err, ErrAccessDenied) }

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrEntryNotFound)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
