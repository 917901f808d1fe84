// Package engineerr defines the error kinds shared across the agent execution
// engine (permission, tool, executor, session, index, lsp). Every fallible
// operation in those packages returns (or wraps) one of these kinds so callers
// can branch with errors.Is/errors.As instead of string matching.
package engineerr

import "fmt"

// Kind identifies the category of failure. String values are stable and may
// appear in logs and surfaced error messages.
type Kind string

const (
	NotFound                  Kind = "not_found"
	InvalidInput              Kind = "invalid_input"
	PermissionDenied          Kind = "permission_denied"
	HookRejected              Kind = "hook_rejected"
	Timeout                   Kind = "timeout"
	Internal                  Kind = "internal"
	ContextWindowExceeded     Kind = "context_window_exceeded"
	EmbeddingDimensionMismatch Kind = "embedding_dimension_mismatch"
)

// Error wraps an underlying cause with a Kind, so it composes with both
// errors.Is(err, engineerr.Sentinel(engineerr.PermissionDenied)) and
// errors.Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, SomeKind) work by comparing against a sentinel
// *Error constructed from a bare Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(*Error)
	if !ok {
		return false
	}
	return k.Kind == e.Kind && k.Message == ""
}

// New constructs an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error without discarding it.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinel is a zero-message marker usable with errors.Is, e.g.
// errors.Is(err, engineerr.Sentinel(PermissionDenied)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf extracts the Kind from err if it is (or wraps) an *Error, defaulting
// to Internal for unrecognized errors.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return Internal
	}
	return e.Kind
}
