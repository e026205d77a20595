// Package errs defines the control-plane error taxonomy shared by the agent
// client, the registry and the reconciler. Every error that crosses a package
// boundary carries one of the five codes so callers can branch on semantics
// instead of string matching.
package errs

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies a control-plane error
type Code string

const (
	// NotFound means the referenced object does not exist
	NotFound Code = "NotFound"

	// AlreadyExists means the object or state already exists
	AlreadyExists Code = "AlreadyExists"

	// InvalidArgument means the request was malformed or out of range
	InvalidArgument Code = "InvalidArgument"

	// Internal means the agent or control plane failed unexpectedly
	Internal Code = "Internal"

	// Unavailable means the node is unreachable, offline or timed out
	Unavailable Code = "Unavailable"
)

// Error is a coded control-plane error
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an underlying error with a code and message
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// CodeOf returns the code of an error, walking the wrap chain.
// Unclassified errors report Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// FromGRPC maps a gRPC transport error into the taxonomy. Deadline and
// connectivity failures all collapse into Unavailable since the caller
// treats them the same way: the node is unreachable right now.
func FromGRPC(err error, msg string) *Error {
	st, ok := status.FromError(err)
	if !ok {
		return Wrap(Internal, err, "%s", msg)
	}

	switch st.Code() {
	case codes.NotFound:
		return Wrap(NotFound, err, "%s", msg)
	case codes.AlreadyExists:
		return Wrap(AlreadyExists, err, "%s", msg)
	case codes.InvalidArgument:
		return Wrap(InvalidArgument, err, "%s", msg)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return Wrap(Unavailable, err, "%s", msg)
	default:
		return Wrap(Internal, err, "%s", msg)
	}
}

// IsNotFound reports whether the error carries the NotFound code
func IsNotFound(err error) bool {
	return CodeOf(err) == NotFound
}

// IsAlreadyExists reports whether the error carries the AlreadyExists code
func IsAlreadyExists(err error) bool {
	return CodeOf(err) == AlreadyExists
}

// IsUnavailable reports whether the error carries the Unavailable code
func IsUnavailable(err error) bool {
	return CodeOf(err) == Unavailable
}
