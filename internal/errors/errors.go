// Package errors defines the gateway's error-kind taxonomy.
//
// Every error that crosses a component boundary carries a Kind so callers
// can decide how to propagate it without string-matching messages: fatal
// at startup, reported to a client, retried, or logged and contained to one
// connection.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation purposes.
type Kind string

const (
	KindConfig   Kind = "config"
	KindAuth     Kind = "auth"
	KindProtocol Kind = "protocol"
	KindProvider Kind = "provider"
	KindTool     Kind = "tool"
	KindSafety   Kind = "safety"
	KindResource Kind = "resource"
	KindInternal Kind = "internal"
)

// Error wraps an underlying cause with a Kind.
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

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, walking Unwrap chains. Returns
// KindInternal if err does not carry a Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err (or anything it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func Config(msg string, cause error) *Error   { return Wrap(KindConfig, msg, cause) }
func Auth(msg string, cause error) *Error     { return Wrap(KindAuth, msg, cause) }
func Protocol(msg string, cause error) *Error { return Wrap(KindProtocol, msg, cause) }
func Provider(msg string, cause error) *Error { return Wrap(KindProvider, msg, cause) }
func Tool(msg string, cause error) *Error     { return Wrap(KindTool, msg, cause) }
func Safety(msg string, cause error) *Error   { return Wrap(KindSafety, msg, cause) }
func Resource(msg string, cause error) *Error { return Wrap(KindResource, msg, cause) }
func Internal(msg string, cause error) *Error { return Wrap(KindInternal, msg, cause) }
