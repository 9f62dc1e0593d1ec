// Package apperror classifies domain errors into the small set of kinds the
// settlement engine reacts to (drop, fall back, retry or surface).
package apperror

import (
	"context"
	"errors"
)

type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindValidation          Kind = "validation_error"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindConflict            Kind = "conflict"
)

// Error is a coded error carrying a kind. Two errors match with errors.Is when
// they share a kind and either side is a bare kind sentinel, or when the codes match.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == string(t.Kind) || t.Code == e.Code
}

var (
	ErrNotFound            = &Error{Kind: KindNotFound, Code: string(KindNotFound)}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance, Code: string(KindInsufficientBalance)}
	ErrValidation          = &Error{Kind: KindValidation, Code: string(KindValidation)}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable, Code: string(KindUpstreamUnavailable)}
	ErrConflict            = &Error{Kind: KindConflict, Code: string(KindConflict)}
)

// New returns a sentinel error of the given kind.
func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// Wrap attaches a kind and code to a lower-level error.
func Wrap(kind Kind, code string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) (Kind, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUpstreamUnavailable, true
	}
	return "", false
}

// CodeOf returns the code of the first classified error in the chain.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsPermanent reports whether retrying the same input can never succeed.
func IsPermanent(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindValidation || kind == KindConflict
}

// IsRetryable reports whether the failure came from a degraded dependency.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindUpstreamUnavailable
}
