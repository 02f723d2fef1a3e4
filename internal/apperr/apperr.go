package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary adapters. Transport layers map kinds
// to status codes; services only ever branch on the kind, never on codes.
type Kind string

const (
	// KindNotFound marks an unknown notebook, page or link.
	KindNotFound Kind = "not_found"
	// KindUnauthorized marks a credential mismatch.
	KindUnauthorized Kind = "unauthorized"
	// KindConflict marks a forced write that still lost the version race.
	KindConflict Kind = "conflict"
	// KindInvalidPayload marks a malformed annotation, unknown operation or
	// broken chunk stream.
	KindInvalidPayload Kind = "invalid_payload"
	// KindInternal marks unexpected storage or dependency failures.
	KindInternal Kind = "internal"
)

// Error is the single tagged error type used across services.
type Error struct {
	kind   Kind
	code   string
	reason string
	err    error
}

// New builds an Error from a kind plus an operation/reason code pair.
func New(kind Kind, operation, reason string, cause error) *Error {
	return &Error{
		kind:   kind,
		code:   fmt.Sprintf("%s.%s", operation, reason),
		reason: reason,
		err:    cause,
	}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the error classification.
func (e *Error) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	return e.kind
}

// Code returns the operation.reason code.
func (e *Error) Code() string {
	return e.code
}

// KindOf extracts the kind from any error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind()
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
