package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an engine failure.
type Code string

const (
	CodeUnauthorized           Code = "unauthorized"
	CodeForbidden              Code = "forbidden"
	CodeNotFound               Code = "not_found"
	CodeConflict               Code = "conflict"
	CodeTranslationUnavailable Code = "translation_unavailable"
	CodeTransient              Code = "transient"
	CodeMalformed              Code = "malformed"
	CodeInternal               Code = "internal"
)

// Error carries a Code, a human readable reason and the underlying cause.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func Unauthorized(reason string) *Error { return New(CodeUnauthorized, reason, nil) }
func Forbidden(reason string) *Error    { return New(CodeForbidden, reason, nil) }
func NotFound(reason string) *Error     { return New(CodeNotFound, reason, nil) }
func Conflict(reason string) *Error     { return New(CodeConflict, reason, nil) }
func Malformed(reason string, err error) *Error {
	return New(CodeMalformed, reason, err)
}
func Transient(reason string, err error) *Error {
	return New(CodeTransient, reason, err)
}
func Internal(reason string, err error) *Error {
	return New(CodeInternal, reason, err)
}

// CodeOf returns the Code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ReasonOf returns a message safe to show to the caller.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return "internal error"
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to the status used by the polling API.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeMalformed:
		return http.StatusBadRequest
	case CodeTransient, CodeTranslationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
