package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindPreconditionFailed Kind = "precondition_failed"
	KindAccessDenied       Kind = "access_denied"
	KindUpstream           Kind = "upstream"
)

// Error is the structured failure every core operation returns.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == KindUpstream {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func Precondition(format string, args ...any) *Error {
	return newf(KindPreconditionFailed, format, args...)
}

func AccessDenied(format string, args ...any) *Error {
	return newf(KindAccessDenied, format, args...)
}

// Upstream wraps a store or collaborator failure.
func Upstream(err error, msg string) *Error {
	return &Error{Kind: KindUpstream, Message: msg, Err: err}
}

// KindOf classifies err; anything that is not an *Error is an upstream failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Result is the transport-independent envelope callers branch on.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    Kind   `json:"code,omitempty"`
}

// ResultOf converts err into a failure Result. Upstream details are not exposed.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	kind := KindOf(err)
	msg := err.Error()
	if kind == KindUpstream {
		msg = "internal error"
	}
	return Result{Success: false, Error: msg, Code: kind}
}
