package distrocache

import (
	"errors"
	"strings"
)

// Error is the distrocache error domain type.
//
// Errors coming from distrocache components should be able to be inspected
// as ([errors.As]) an *Error at some point in the error chain.
//
// Implementers of distrocache components should create an Error at the
// system boundary (a Fetcher backend, a Store query, a config read) and
// intermediate layers should not wrap in another Error except to add
// additional [ErrorKind] information. That is to say, use [fmt.Errorf] with
// a "%w" verb in preference to creating a containing Error.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

// Assert this implements all the cool features.
var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	switch e.Kind {
	case ErrConflict, ErrDownload, ErrInternal, ErrInvalid, ErrModel, ErrNotFound:
		b.WriteString(string(e.Kind))
	default:
		b.WriteString("???")
	}
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is].
//
// It compares the error kind. Callers should compare against a declared
// [ErrorKind] over a specific error.
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents classes of errors to be checked against.
//
// If an error is unsure which kind to use, ErrInternal should be used.
type ErrorKind string

// Defined error kinds. See spec §7.
var (
	// ErrDownload covers any failure producing bytes from a Fetcher backend:
	// unparseable or unmatched URL, non-200 HTTP status, non-zero subprocess
	// exit, missing ref, LFS size mismatch.
	ErrDownload = ErrorKind("download")
	// ErrModel covers high-level engine failures such as an unknown
	// distribution. It commonly wraps an ErrDownload.
	ErrModel = ErrorKind("model")
	// ErrNotFound is a Store cache-miss signal. It's caught inside the
	// engine; it must never be surfaced to an external caller directly.
	ErrNotFound = ErrorKind("not-found")
	// ErrConflict is a Store uniqueness violation. Once the Coalescer is
	// correctly interposed this should never occur; treat it as fatal.
	ErrConflict = ErrorKind("conflict")
	// ErrInvalid marks a programming error: an identity-less descriptor, or
	// similar caller misuse.
	ErrInvalid = ErrorKind("invalid")
	// ErrInternal is for otherwise-unclassified internal failures.
	ErrInternal = ErrorKind("internal")
)

// Error implements error.
func (e ErrorKind) Error() string {
	return string(e)
}

// IsNotFound reports whether err is (or wraps) an ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
