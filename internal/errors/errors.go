// Package errors provides standardized error codes for the host application.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (protocol, session, transform, fix, backend, cache, storage, server)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by editor clients for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that clients can rely on for error handling.
const (
	// Protocol domain - malformed or out-of-contract frames.
	// Protocol errors are fatal for the offending connection; the
	// session itself survives.
	CodeProtocolMalformedFrame = "protocol.malformed_frame" // Frame could not be decoded
	CodeProtocolBadRevision    = "protocol.bad_revision"    // baseRevision refers to a revision never issued
	CodeProtocolUnknownType    = "protocol.unknown_type"    // No handler for message type
	CodeProtocolNotJoined      = "protocol.not_joined"      // Edit for a session the sender never joined

	// Session domain - document session lifecycle errors
	CodeSessionNotFound     = "session.not_found"     // Session ID does not exist
	CodeSessionClosed       = "session.closed"        // Session has been closed
	CodeSessionJoinFailed   = "session.join_failed"   // Failed to join session
	CodeSessionIngestFailed = "session.ingest_failed" // Operation ingestion failed

	// Transform domain - operational-transform anomalies
	CodeTransformConflict = "transform.conflict" // Unresolvable transform conflict, session flagged for resync
	CodeTransformResync   = "transform.resync"   // Full resync in progress, re-join required

	// Fix domain - autonomous repair loop errors
	CodeFixAbandoned      = "fix.abandoned"       // Max attempts exhausted, diagnostic surfaced unresolved
	CodeFixAttemptPending = "fix.attempt_pending" // File already has an active attempt
	CodeFixApplyFailed    = "fix.apply_failed"    // Synthetic operation could not be applied

	// Backend domain - generative backend failures
	CodeBackendRateLimited = "backend.rate_limited" // Backend rejected the call due to rate limiting
	CodeBackendTimeout     = "backend.timeout"      // Backend call exceeded its deadline
	CodeBackendInvalid     = "backend.invalid"      // Backend returned malformed or empty output

	// Cache domain - pattern cache errors
	CodeCacheCorrupt = "cache.corrupt" // Persisted entry could not be decoded (dropped on load)

	// Storage domain - database and persistence errors
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Server domain - WebSocket and network errors
	CodeServerUpgradeFailed  = "server.upgrade_failed"  // WebSocket upgrade failed
	CodeServerSendFailed     = "server.send_failed"     // Failed to send message
	CodeServerConnectionLost = "server.connection_lost" // Connection unexpectedly closed
	CodeServerRateLimited    = "server.rate_limited"    // Too many edit frames per second

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "protocol.bad_revision")
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
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
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
// This is the primary function for converting errors to client responses.
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

// Common error constructors for frequently used error types.

// BadRevision creates a "protocol.bad_revision" error for a revision
// number the session never issued.
func BadRevision(sessionID string, revision uint64) *CodedError {
	return New(CodeProtocolBadRevision,
		fmt.Sprintf("session %s never issued revision %d", sessionID, revision))
}

// SessionNotFound creates a "session.not_found" error.
func SessionNotFound(sessionID string) *CodedError {
	return New(CodeSessionNotFound, fmt.Sprintf("session %s not found", sessionID))
}
