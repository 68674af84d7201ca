// Package scyerr defines the typed error object shared across the async,
// netio, stun, turn and http stacks so callbacks always see a fully
// populated error or none at all.
package scyerr

import "fmt"

// Code enumerates the error kinds surfaced to applications in spec.md §7.
type Code int

const (
	// Transport errors.
	ConnectRefused Code = iota + 1
	ConnectTimeout
	ReadError
	WriteError
	AddressInUse
	UnresolvedHost

	// Protocol errors.
	ParseError
	IntegrityFailed
	UnexpectedResponse

	// Transaction errors.
	Timeout
	Cancelled
	PeerError

	// TURN errors.
	AllocationMismatch
	Unauthorized
	WrongCredentials
	UnsupportedTransport
	AllocationQuotaReached
	RoleConflict
	ConnectionTimeoutOrFailure
	BadChannel

	// Packet stream errors.
	AdapterRejected
	SourceStopped
	PipelineError
)

var names = map[Code]string{
	ConnectRefused:             "connect refused",
	ConnectTimeout:             "connect timeout",
	ReadError:                  "read error",
	WriteError:                 "write error",
	AddressInUse:               "address in use",
	UnresolvedHost:             "unresolved host",
	ParseError:                 "parse error",
	IntegrityFailed:            "integrity failed",
	UnexpectedResponse:         "unexpected response",
	Timeout:                    "timeout",
	Cancelled:                  "cancelled",
	PeerError:                  "peer error",
	AllocationMismatch:         "allocation mismatch",
	Unauthorized:               "unauthorized",
	WrongCredentials:           "wrong credentials",
	UnsupportedTransport:       "unsupported transport",
	AllocationQuotaReached:     "allocation quota reached",
	RoleConflict:               "role conflict",
	ConnectionTimeoutOrFailure: "connection timeout or failure",
	BadChannel:                 "bad channel",
	AdapterRejected:            "adapter rejected",
	SourceStopped:              "source stopped",
	PipelineError:              "pipeline error",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "unknown error"
}

// STUNStatus maps TURN/STUN-flavoured codes to the wire error-code values
// named throughout spec.md §4.6 and §7. Codes without a wire equivalent
// return 0.
func (c Code) STUNStatus() int {
	switch c {
	case AllocationMismatch:
		return 437
	case Unauthorized:
		return 401
	case WrongCredentials:
		return 441
	case UnsupportedTransport:
		return 442
	case AllocationQuotaReached:
		return 486
	case RoleConflict:
		return 487
	case ConnectionTimeoutOrFailure:
		return 447
	case BadChannel:
		return 400
	}
	return 0
}

// Error is the cached error object every handle, transaction and packet
// stream exposes instead of throwing from a callback.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// New builds an Error with a code and a message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code to an existing error, preserving it as Cause.
func Wrap(code Code, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: cause.Error(), Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Any reports whether e carries a real error (mirrors the original
// scy::Error::any()).
func (e *Error) Any() bool {
	return e != nil && e.Code != 0
}
