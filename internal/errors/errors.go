// Package errors defines the error kinds surfaced to the operator.
// Every component reports the most specific kind it can detect; callers
// add context by wrapping, never by changing the kind.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// Unknown is reported for errors that carry no kind.
	Unknown Kind = "unknown"
	// InvalidArgument indicates malformed operator input, caught before transmission.
	InvalidArgument Kind = "invalid_argument"
	// TransportError indicates a connection failure or exhausted retries.
	TransportError Kind = "transport_error"
	// ProtocolError indicates a malformed frame or unknown tag.
	ProtocolError Kind = "protocol_error"
	// InvalidState indicates a task transition not permitted from the current state.
	InvalidState Kind = "invalid_state"
	// IntegrityError indicates a checksum mismatch after a transfer.
	IntegrityError Kind = "integrity_error"
	// DeviceError indicates the device reported a failure.
	DeviceError Kind = "device_error"
)

// Code returns the wire code for a kind. Zero is reserved for Unknown.
func (k Kind) Code() uint8 {
	switch k {
	case InvalidArgument:
		return 1
	case TransportError:
		return 2
	case ProtocolError:
		return 3
	case InvalidState:
		return 4
	case IntegrityError:
		return 5
	case DeviceError:
		return 6
	default:
		return 0
	}
}

// KindFromCode maps a wire code back to a kind.
func KindFromCode(code uint8) Kind {
	switch code {
	case 1:
		return InvalidArgument
	case 2:
		return TransportError
	case 3:
		return ProtocolError
	case 4:
		return InvalidState
	case 5:
		return IntegrityError
	case 6:
		return DeviceError
	default:
		return Unknown
	}
}

// ExitCode is the process exit status for a command that failed with this kind.
func (k Kind) ExitCode() int {
	switch k {
	case InvalidArgument:
		return 2
	case TransportError:
		return 3
	case ProtocolError:
		return 4
	case InvalidState:
		return 5
	case IntegrityError:
		return 6
	case DeviceError:
		return 7
	default:
		return 1
	}
}

// E wraps an error with kind and human-friendly message.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// Newf is New with a format string.
func Newf(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost *E in err's chain.
func KindOf(err error) Kind {
	var e *E
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
