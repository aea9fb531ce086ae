package bfd

import "errors"

// Kind classifies a CoreError into one of the named error kinds the core
// exposes to its collaborators. Names are indicative, matching the
// vocabulary callers use to decide how to react; they are not meant to be
// exhaustively type-switched.
type Kind uint8

const (
	// KindConfigInvalid covers a missing peer address, bad address family,
	// a label collision without an override, or truncation of a bounded
	// string. Always surfaced to the caller.
	KindConfigInvalid Kind = iota

	// KindRegistryConflict covers a discriminator or key collision on
	// create. Always surfaced to the caller.
	KindRegistryConflict

	// KindResourceUnavailable covers a failed socket open or interface
	// lookup. Surfaced on create; during steady-state operation the
	// affected transmit is dropped and the failure is logged instead.
	KindResourceUnavailable

	// KindPacketMalformed covers a wire-validation failure (RFC 5880
	// Section 6.8.6 steps 1-8). Counted and dropped silently; never
	// surfaced synchronously to a caller.
	KindPacketMalformed

	// KindInternal covers refcount underflow or registry corruption --
	// conditions that should never arise in correct operation.
	KindInternal
)

// String returns the human-readable name of the error kind.
func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindRegistryConflict:
		return "RegistryConflict"
	case KindResourceUnavailable:
		return "ResourceUnavailable"
	case KindPacketMalformed:
		return "PacketMalformed"
	case KindInternal:
		return "Internal"
	default:
		return unknownStr
	}
}

// CoreError wraps an underlying error with its Kind so callers can react
// to the class of failure without matching individual sentinel errors.
type CoreError struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap exposes the underlying error for errors.Is/errors.As.
func (e *CoreError) Unwrap() error { return e.Err }

// newCoreError builds a CoreError, wrapping err under the given kind.
func newCoreError(kind Kind, err error) *CoreError {
	return &CoreError{Kind: kind, Err: err}
}

// ErrKind extracts the Kind from err if it (or something it wraps) is a
// *CoreError. Returns KindInternal, false if no CoreError is found.
func ErrKind(err error) (Kind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return KindInternal, false
}
