// Package errors provides standardized error codes for deskrelay.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (relay, server, sync, transport, prefs, keepawake)
//   - error: The specific error type within that domain
//
// Codes are stable and appear in HTTP error bodies returned by the relay's
// side APIs, so CLI tools and scripts can branch on them.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes by domain.
const (
	// Relay domain - identity registry and controller state
	CodeRelayDuplicateIdentity = "relay.duplicate_identity" // Identity already held by another connection
	CodeRelayNotConnected      = "relay.not_connected"      // Named identity has no live connection
	CodeRelayServerOnly        = "relay.server_only"        // Tag may only originate at the relay

	// Server domain - transport and envelope handling
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or partially populated envelope
	CodeServerUnknownType    = "server.unknown_type"    // Envelope tag not in the protocol
	CodeServerSendFailed     = "server.send_failed"     // Outbound buffer full or connection closing
	CodeServerConnectionLost = "server.connection_lost" // Connection unexpectedly closed

	// Sync domain - file synchronization
	CodeSyncApplyFailed = "sync.apply_failed" // Remote change could not be written locally
	CodeSyncPathEscape  = "sync.path_escape"  // Relative path resolves outside the sync root
	CodeSyncReadFailed  = "sync.read_failed"  // Local change could not be read for sending

	// Transport domain - client side connectivity
	CodeTransportDialFailed = "transport.dial_failed" // Could not reach the relay
	CodeTransportClosed     = "transport.closed"      // Transport already closed

	// Prefs domain - client preference file
	CodePrefsLoadFailed = "prefs.load_failed"
	CodePrefsSaveFailed = "prefs.save_failed"

	// Keep-awake domain - relay host sleep inhibitor
	CodeKeepAwakeUnsupported   = "keepawake.unsupported"    // No inhibitor command on this host
	CodeKeepAwakeAcquireFailed = "keepawake.acquire_failed" // Inhibitor command failed to start

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "relay.not_connected")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to HTTP responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// HTTPStatus maps an error to the status code the side APIs answer with.
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case "":
		return http.StatusOK
	case CodeRelayNotConnected:
		return http.StatusNotFound
	case CodeServerInvalidMessage, CodeServerUnknownType, CodeRelayServerOnly:
		return http.StatusBadRequest
	case CodeRelayDuplicateIdentity:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Common error constructors for frequently used error types.

// DuplicateIdentity creates a "relay.duplicate_identity" error.
func DuplicateIdentity(identity string) *CodedError {
	return New(CodeRelayDuplicateIdentity, fmt.Sprintf("identity %q is already connected", identity))
}

// NotConnected creates a "relay.not_connected" error.
func NotConnected(identity string) *CodedError {
	return New(CodeRelayNotConnected, fmt.Sprintf("client %q is not connected", identity))
}

// ServerOnly creates a "relay.server_only" error for tags clients may not send.
func ServerOnly(tag string) *CodedError {
	return New(CodeRelayServerOnly, fmt.Sprintf("%s may only be sent by the relay", tag))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// UnknownType creates a "server.unknown_type" error.
func UnknownType(tag string) *CodedError {
	return New(CodeServerUnknownType, fmt.Sprintf("unknown message type %q", tag))
}

// SendFailed creates a "server.send_failed" error.
func SendFailed(reason string) *CodedError {
	return New(CodeServerSendFailed, reason)
}

// ApplyFailed creates a "sync.apply_failed" error.
func ApplyFailed(path string, cause error) *CodedError {
	return Wrap(CodeSyncApplyFailed, fmt.Sprintf("apply %s", path), cause)
}

// PathEscape creates a "sync.path_escape" error.
// Remote paths must stay inside the local sync root.
func PathEscape(path string) *CodedError {
	return New(CodeSyncPathEscape, fmt.Sprintf("path %q escapes the sync root", path))
}

// ReadFailed creates a "sync.read_failed" error.
func ReadFailed(path string, cause error) *CodedError {
	return Wrap(CodeSyncReadFailed, fmt.Sprintf("read %s", path), cause)
}

// DialFailed creates a "transport.dial_failed" error.
func DialFailed(endpoint string, cause error) *CodedError {
	return Wrap(CodeTransportDialFailed, fmt.Sprintf("dial %s", endpoint), cause)
}

// TransportClosed creates a "transport.closed" error.
func TransportClosed() *CodedError {
	return New(CodeTransportClosed, "transport is closed")
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
