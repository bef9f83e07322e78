// Package broker implements the top-level message-broker facade: the seven
// client-facing operations (descriptor upsert, publish, by-id lookup,
// by-index lookup, by-correlation lookup, subscribe, confirm).
//
// Its error type lives in internal/mb/mberr (imported by every component
// package); broker re-exports the names callers outside internal/mb commonly
// need so that transport and cmd code can write broker.Unauthorized instead
// of reaching into mberr directly.
package broker

import "github.com/ocx/broker/internal/mb/mberr"

type ErrorKind = mberr.Kind

const (
	Unspecified              = mberr.Unspecified
	MalformedIdentifier      = mberr.MalformedIdentifier
	EvenDescriptorError      = mberr.EvenDescriptorError
	TrustedTimeError         = mberr.TrustedTimeError
	PreStorageProcessorError = mberr.PreStorageProcessorError
	IntegrityProtectionError = mberr.IntegrityProtectionError
	AuthenticationFailure    = mberr.AuthenticationFailure
	Unauthorized             = mberr.Unauthorized
)

type Error = mberr.Error

var (
	Newf   = mberr.Newf
	Wrap   = mberr.Wrap
	KindOf = mberr.KindOf
)
