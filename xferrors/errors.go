// Package xferrors defines the error taxonomy shared across the image
// transfer engine: a fixed set of sentinel kinds plus structured context
// that every operation attaches when it wraps a lower-level failure.
package xferrors

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. An error built with New or Wrap carries exactly
// one of these, so callers can classify it with errors.Is regardless of
// the message text. The registry and digest packages report their own
// sentinel errors, which do not wrap these kinds.
var (
	ErrAuth          = errors.New("auth error")
	ErrNetwork       = errors.New("network error")
	ErrProtocol      = errors.New("protocol error")
	ErrIntegrity     = errors.New("integrity error")
	ErrCacheIO       = errors.New("cache i/o error")
	ErrArchiveFormat = errors.New("archive format error")
	ErrConfig        = errors.New("config error")
	ErrCancelled     = errors.New("cancelled")
)

// Context carries structured diagnostic fields attached to a wrapped error.
// Credentials must never be placed in a Context field.
type Context struct {
	Operation  string
	Repository string
	Digest     string
	Offset     int64
	Attempt    int
}

// Error wraps a sentinel kind with a message and structured context.
type Error struct {
	Kind    error
	Message string
	Ctx     Context
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Ctx.Operation == "" {
		return fmt.Sprintf("%v: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%v: %s [op=%s repo=%s digest=%s offset=%d attempt=%d]",
		e.Kind, msg, e.Ctx.Operation, e.Ctx.Repository, e.Ctx.Digest, e.Ctx.Offset, e.Ctx.Attempt)
}

// Unwrap allows errors.Is/errors.As to see both the sentinel kind and the
// underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// Wrap builds an *Error of the given kind with context, wrapping cause.
func Wrap(kind error, cause error, ctx Context) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause, Ctx: ctx}
}

// New builds an *Error of the given kind with a formatted message and
// context, with no underlying cause.
func New(kind error, ctx Context, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Ctx: ctx}
}

// IsRetriable reports true only for errors of kind ErrNetwork; every
// other kind, including ErrProtocol, is reported as terminal.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
