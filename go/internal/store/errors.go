package store

import (
	"errors"
	"fmt"
)

// Code is a machine-readable store failure code.
type Code string

const (
	CodeUnknown            Code = "unknown"
	CodePermissionDenied   Code = "permission-denied"
	CodeUnavailable        Code = "unavailable"
	CodeDeadlineExceeded   Code = "deadline-exceeded"
	CodeNotFound           Code = "not-found"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeAlreadyExists      Code = "already-exists"
	CodeInvalidArgument    Code = "invalid-argument"
	CodeInternal           Code = "internal"
)

// Error is returned by every backend for store-level failures.
type Error struct {
	Code   Code
	Op     string
	RoomID string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("store %s %s: %s", e.Op, e.RoomID, e.Code)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is comparisons by code.
var (
	ErrPermissionDenied   = &Error{Code: CodePermissionDenied}
	ErrUnavailable        = &Error{Code: CodeUnavailable}
	ErrDeadlineExceeded   = &Error{Code: CodeDeadlineExceeded}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrFailedPrecondition = &Error{Code: CodeFailedPrecondition}
	ErrAlreadyExists      = &Error{Code: CodeAlreadyExists}
)

// NewError builds a store error.
func NewError(code Code, op, roomID string, cause error) *Error {
	return &Error{Code: code, Op: op, RoomID: roomID, Cause: cause}
}

// CodeOf extracts the store code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}
