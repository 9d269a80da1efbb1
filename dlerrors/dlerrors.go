// Package dlerrors defines the error kinds of the synchronization control
// plane (see spec §7): configuration errors and type-contract violations
// are fatal at the call site, transport disconnects are recoverable once,
// protocol violations are fatal in the receiving process.
package dlerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind discriminates the four error categories the control plane reasons
// about explicitly. StoppingSignal is deliberately not a Kind: it is not an
// error, it is a normal control-flow exit (see workstate).
type Kind int

const (
	KindConfiguration Kind = iota
	KindTypeContract
	KindTransportDisconnect
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindTypeContract:
		return "TypeContractError"
	case KindTransportDisconnect:
		return "TransportDisconnect"
	case KindProtocolViolation:
		return "ProtocolViolation"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying cause with a Kind so callers can recover the
// kind via errors.As without losing the pkg/errors stack trace attached at
// the point of Wrap/Wrapf.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

func wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, cause: errors.WithStack(err)}
}

func wrapf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Configuration reports a component wired incorrectly (missing
// communicator, missing synchronizer, missing data source). Fatal at
// startup.
func Configuration(format string, args ...interface{}) error {
	return wrapf(KindConfiguration, format, args...)
}

// TypeContract reports a Parameters-typed argument of the wrong variant or
// shape. Fatal at the call site.
func TypeContract(format string, args ...interface{}) error {
	return wrapf(KindTypeContract, format, args...)
}

// TransportDisconnect wraps a broker connection loss. Recoverable: the
// transport package reconnects once and replays the last publish, or
// rebuilds the consumer channel and re-subscribes.
func TransportDisconnect(cause error) error {
	return wrap(KindTransportDisconnect, cause)
}

// ProtocolViolation reports an inbound record that is not a well-formed
// (routing_key, exchange, body) triple, or a payload that fails to decode.
// Fatal in the receiving process.
func ProtocolViolation(format string, args ...interface{}) error {
	return wrapf(KindProtocolViolation, format, args...)
}

// Is reports whether err carries the given Kind, unwrapping through any
// number of wrapping layers.
func Is(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}
