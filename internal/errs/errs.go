// Package errs defines the engine's closed set of error kinds, carried
// as a typed error so callers across store, spool, sandbox, alm, router
// and the public API can branch on Kind without string-matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the stable, user-visible error identifiers.
type Kind string

const (
	KindStore      Kind = "store-error"
	KindSpool      Kind = "spool-error"
	KindSandbox    Kind = "sandbox-error"
	KindNotFound   Kind = "not-found"
	KindInvalid    Kind = "invalid-state"
	KindTimeout    Kind = "timeout"
	KindRecovery   Kind = "recovery-error"
	KindValidation Kind = "validation-error"
)

// ForgeError is the engine's error type: a stable Kind plus a message
// and, optionally, the underlying cause.
type ForgeError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *ForgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ForgeError) Unwrap() error {
	return e.Err
}

// New builds a ForgeError with no underlying cause.
func New(kind Kind, message string) *ForgeError {
	return &ForgeError{Kind: kind, Message: message}
}

// Wrap builds a ForgeError carrying an underlying cause.
func Wrap(kind Kind, message string, err error) *ForgeError {
	return &ForgeError{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a ForgeError of the given kind.
func Is(err error, kind Kind) bool {
	var fe *ForgeError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Kind == kind
}
