// Copyright 2025 James Ross
// Package schedulererr defines the closed set of error kinds the two RPC
// surfaces can return, per the error handling design (spec §7).
package schedulererr

import (
	"errors"
	"fmt"
)

// Code is one of the error kinds surfaced to RPC callers.
type Code string

const (
	Unauthenticated       Code = "UNAUTHENTICATED"
	Unauthorized          Code = "UNAUTHORIZED"
	UnknownBackend        Code = "UNKNOWN_BACKEND"
	BackendUnavailable    Code = "BACKEND_UNAVAILABLE"
	QuotaExceeded         Code = "QUOTA_EXCEEDED"
	PayloadTooLarge       Code = "PAYLOAD_TOO_LARGE"
	ResourceExhausted     Code = "RESOURCE_EXHAUSTED"
	NotFound              Code = "NOT_FOUND"
	AlreadyTerminal       Code = "ALREADY_TERMINAL"
	IllegalTransition     Code = "ILLEGAL_TRANSITION"
	ConcurrentModification Code = "CONCURRENT_MODIFICATION"
	Internal              Code = "INTERNAL"
)

// Error is a typed application error carrying one of the Code values above.
// RPC handlers map it directly to a transport status; unrecognized errors
// are wrapped as Internal before being returned to a caller.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap builds an Error carrying cause as its Unwrap target.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// Internalf wraps err as an Internal error, for the "external-I/O failures
// propagate as INTERNAL after one local retry" rule in spec §7.
func Internalf(format string, err error) *Error {
	return &Error{Code: Internal, Message: fmt.Sprintf(format, err), Cause: err}
}

// As extracts an *Error from err, following the standard wrapping chain.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns the Code of err if it (or something it wraps) is an *Error,
// otherwise Internal.
func CodeOf(err error) Code {
	if se, ok := As(err); ok {
		return se.Code
	}
	return Internal
}
