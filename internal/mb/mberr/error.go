// Package mberr defines the engine's flat error-kind enumeration and error
// type, split out from internal/mb/broker so that every component package
// can report typed errors without importing the top-level facade package
// (which in turn imports every component).
package mberr

import (
	"errors"
	"fmt"
)

// Kind is the flat error enumeration the engine uses end to end.
type Kind int

const (
	Unspecified Kind = iota
	MalformedIdentifier
	EvenDescriptorError
	TrustedTimeError
	PreStorageProcessorError
	IntegrityProtectionError
	AuthenticationFailure
	Unauthorized
)

func (k Kind) String() string {
	switch k {
	case MalformedIdentifier:
		return "MalformedIdentifier"
	case EvenDescriptorError:
		return "EvenDescriptorError"
	case TrustedTimeError:
		return "TrustedTimeError"
	case PreStorageProcessorError:
		return "PreStorageProcessorError"
	case IntegrityProtectionError:
		return "IntegrityProtectionError"
	case AuthenticationFailure:
		return "AuthenticationFailure"
	case Unauthorized:
		return "Unauthorized"
	default:
		return "Unspecified"
	}
}

// Error is the engine's error type: a flat Kind plus an optional message and
// wrapped cause, unwrapped the same way fmt.Errorf("...: %w", err) chains
// are.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" && e.Err == nil {
		return e.Kind.String()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind of err, or Unspecified if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unspecified
}
