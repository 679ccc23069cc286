package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a dispatch failure. The dispatcher never surfaces raw
// errors for expected failure modes; everything crossing its boundary carries
// one of these kinds.
type ErrorKind string

const (
	ErrKindValidation        ErrorKind = "validation"
	ErrKindNoHealthyInstance ErrorKind = "no_healthy_instance"
	ErrKindTransient         ErrorKind = "transient"
	ErrKindDownstream        ErrorKind = "downstream"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindParse             ErrorKind = "parse"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindUnknown           ErrorKind = "unknown"
)

// Error is a tagged error value. Wrapping is preserved so callers can still
// use errors.Is against sentinel causes.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the error kind, mapping bare context errors to their
// dispatch meaning. Unrecognised errors report ErrKindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}
	return ErrKindUnknown
}

// IsTransient reports whether the error is worth retrying at the provider
// level: network failures, 5xx and 429 responses.
func IsTransient(err error) bool {
	return KindOf(err) == ErrKindTransient
}

var ErrNoHealthyInstance = NewError(ErrKindNoHealthyInstance, "no healthy instance available")
