// Package core holds the error taxonomy shared by the session core.
package core

import (
	"fmt"
)

// Error is the typed error surfaced by the session core.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrConnection covers transport that never opened, timed out, or dropped.
	ErrConnection ErrorType = "connection_error"
	// ErrProtocol covers malformed or unrecognized inbound frames.
	ErrProtocol ErrorType = "protocol_error"
	// ErrCapability covers missing microphone/camera/speech support on the host.
	ErrCapability ErrorType = "capability_error"
	// ErrApplication covers server-sent error frames with known codes.
	ErrApplication ErrorType = "application_error"
	// ErrInvariant covers locally rejected operations, before any network I/O.
	ErrInvariant ErrorType = "invariant_violation"
)

// Application error codes the session maps to specific recovery UI.
const (
	CodeNoCredits       = "NO_CREDITS"
	CodeUnauthenticated = "UNAUTHENTICATED"
)

// NewConnectionError creates a connection error wrapping the transport cause.
func NewConnectionError(message string, cause error) *Error {
	return &Error{
		Type:    ErrConnection,
		Message: message,
		Cause:   cause,
	}
}

// NewProtocolError creates a protocol error for a single bad frame.
func NewProtocolError(message string) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: message,
	}
}

// NewCapabilityError creates a capability error for a missing host facility.
func NewCapabilityError(message string, cause error) *Error {
	return &Error{
		Type:    ErrCapability,
		Message: message,
		Cause:   cause,
	}
}

// NewApplicationError creates an application error carrying the server code.
func NewApplicationError(code, message string) *Error {
	return &Error{
		Type:    ErrApplication,
		Message: message,
		Code:    code,
	}
}

// NewInvariantError creates an invariant violation error.
func NewInvariantError(message string) *Error {
	return &Error{
		Type:    ErrInvariant,
		Message: message,
	}
}

// IsFatal reports whether the error tears down the session.
// Only connection errors are fatal; everything else leaves the session open.
func (e *Error) IsFatal() bool {
	return e.Type == ErrConnection
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}
