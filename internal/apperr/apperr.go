// Package apperr defines the small closed set of error codes the core uses
// to communicate failure across the Store/JudgeClient/service boundaries,
// and the mappings from those codes onto the two external surfaces (REST
// status codes, duplex "error" events).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the error taxonomy entries from the spec's error handling
// design. It is a closed set; do not add ad hoc string errors for request-
// level failures that a caller needs to branch on.
type Code string

const (
	NotAuthenticated     Code = "not_authenticated"
	NotFound             Code = "not_found"
	Forbidden            Code = "forbidden"
	Conflict             Code = "conflict"
	InsufficientProblems Code = "insufficient_problems"
	JudgeUnavailable     Code = "judge_unavailable"
	UnknownHandle        Code = "unknown_handle"
	Internal             Code = "internal"
)

// Error is a typed error carrying one of the Code values plus a human
// message. Services return *Error (or a wrapped one) rather than ad hoc
// fmt.Errorf so transport boundaries can map deterministically.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the Code of err, defaulting to Internal when err is not
// (or does not wrap) an *Error.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return Internal
}

// HTTPStatus maps a Code onto the status codes named in spec.md §6.2.
func HTTPStatus(code Code) int {
	switch code {
	case NotAuthenticated:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case InsufficientProblems:
		return http.StatusUnprocessableEntity
	case JudgeUnavailable:
		return http.StatusBadGateway
	case UnknownHandle:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
