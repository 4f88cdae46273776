// Package errors defines the relay's error taxonomy and the silent-drop
// versus respond-and-drop handling policy that follows from it.
package errors

import "fmt"

// Kind classifies a relay error so callers can decide how to log it, which
// metric to increment, and whether any datagram should be sent in response.
type Kind int

const (
	// MalformedDatagram: too short, bad length for its declared type, or
	// otherwise not a well-formed WireGuard message. Silent drop.
	MalformedDatagram Kind = iota
	// Unauthorized: well-formed handshake from a peer not on the AllowList,
	// or a forward attempt between peers not declared as counterparties.
	// Silent drop — no oracle response is ever sent.
	Unauthorized
	// UnderLoad: handshake-initiation rate exceeded the configured limit.
	// The only drop kind that produces a reply (a Cookie Reply).
	UnderLoad
	// UnknownRoute: a Transport Data or Cookie Reply datagram whose
	// receiver-index has no entry in the session table. Silent drop.
	UnknownRoute
	// ControlBadFrame: a control-channel payload with a bad marker, magic,
	// version, or opcode. Silent drop; the carrying session survives.
	ControlBadFrame
	// ControlFailed: a well-formed control-channel command that could not
	// be carried out. Produces an error-opcode reply.
	ControlFailed
	// Fatal: unrecoverable startup error (bad config, cannot bind socket).
	// Never occurs once the daemon is running.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case MalformedDatagram:
		return "malformed_datagram"
	case Unauthorized:
		return "unauthorized"
	case UnderLoad:
		return "under_load"
	case UnknownRoute:
		return "unknown_route"
	case ControlBadFrame:
		return "control_bad_frame"
	case ControlFailed:
		return "control_failed"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RelayError is the concrete error type returned by classify/forward/
// control-channel code paths.
type RelayError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *RelayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RelayError) Unwrap() error { return e.Cause }

// New builds a RelayError with no wrapped cause.
func New(kind Kind, message string) *RelayError {
	return &RelayError{Kind: kind, Message: message}
}

// Wrap builds a RelayError around an existing error.
func Wrap(kind Kind, message string, cause error) *RelayError {
	return &RelayError{Kind: kind, Message: message, Cause: cause}
}

// As extracts a *RelayError from err, if any, mirroring errors.As without
// requiring callers to declare the target variable inline.
func As(err error) (*RelayError, bool) {
	re, ok := err.(*RelayError)
	if ok {
		return re, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if re, ok := err.(*RelayError); ok {
			return re, true
		}
	}
	return nil, false
}

// RespondsWithReply reports whether this error kind produces a reply
// datagram to the sender instead of a pure silent drop.
func (k Kind) RespondsWithReply() bool {
	return k == UnderLoad || k == ControlFailed
}
