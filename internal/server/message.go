// Package server provides the WebSocket gateway for editor clients.
// It carries document edits, snapshots, and diagnostics between the
// host and connected participants.
package server

import (
	"time"

	"github.com/syncpad/host/internal/ot"
)

// MessageType identifies the kind of message being sent over WebSocket.
// Each type has a specific payload structure defined below.
type MessageType string

const (
	// MessageTypeSessionJoin is sent by clients to join an editing session.
	// Payload: SessionJoinPayload
	MessageTypeSessionJoin MessageType = "session.join"

	// MessageTypeSessionSnapshot is sent by the server after a successful
	// join, carrying the full document and its revision. Every edit the
	// client submits afterwards is expressed against this revision or a
	// later one learned from doc.applied.
	// Payload: SessionSnapshotPayload
	MessageTypeSessionSnapshot MessageType = "session.snapshot"

	// MessageTypeDocEdit is sent by clients to submit document edits.
	// Payload: DocEditPayload
	MessageTypeDocEdit MessageType = "doc.edit"

	// MessageTypeDocApplied is sent by the server when an operation has
	// been applied to a session's document. The edits carried here are
	// the rebased form and can be applied directly at the new revision.
	// Payload: DocAppliedPayload
	MessageTypeDocApplied MessageType = "doc.applied"

	// MessageTypeSessionResync is sent by the server when a client's view
	// may have diverged. The client must discard local state and resume
	// from the carried snapshot.
	// Payload: SessionSnapshotPayload
	MessageTypeSessionResync MessageType = "session.resync"

	// MessageTypeDiagnosticReport is sent by clients (or tooling attached
	// to them) to report a compiler or linter diagnostic for a file.
	// Payload: DiagnosticReportPayload
	MessageTypeDiagnosticReport MessageType = "diagnostic.report"

	// MessageTypeFixUnresolved is sent by the server when the automatic
	// repair loop gives up on a diagnostic. Clients surface it to the user.
	// Payload: FixUnresolvedPayload
	MessageTypeFixUnresolved MessageType = "fix.unresolved"

	// MessageTypeSessionLeave is sent by clients to leave a session.
	// Payload: SessionLeavePayload
	MessageTypeSessionLeave MessageType = "session.leave"

	// MessageTypeError sends error information to clients.
	// Payload: ErrorPayload
	MessageTypeError MessageType = "error"

	// MessageTypeHeartbeat is used to keep the connection alive.
	// Payload: none (empty object)
	MessageTypeHeartbeat MessageType = "heartbeat"
)

// Message is the envelope for all WebSocket messages.
// Every message has a type and an optional ID for request/response correlation.
// The Payload field contains type-specific data.
type Message struct {
	// Type identifies what kind of message this is.
	Type MessageType `json:"type"`

	// ID is an optional message identifier for correlation.
	// Clients can use this to match responses to requests.
	ID string `json:"id,omitempty"`

	// Payload contains the message-specific data.
	// The structure depends on the Type field.
	Payload interface{} `json:"payload"`
}

// SessionJoinPayload carries a request to join an editing session.
type SessionJoinPayload struct {
	// SessionID identifies the session (typically a file path or document ID).
	SessionID string `json:"session_id"`

	// ParticipantID is the identity edits will be attributed to.
	// If empty, the server assigns the connection's generated ID.
	ParticipantID string `json:"participant_id,omitempty"`

	// Content seeds the document when the session does not exist yet.
	// Ignored for sessions that are already open.
	Content string `json:"content,omitempty"`
}

// SessionSnapshotPayload carries the full document state.
// Used for both session.snapshot (on join) and session.resync.
type SessionSnapshotPayload struct {
	// SessionID identifies the session.
	SessionID string `json:"session_id"`

	// Content is the complete document text.
	Content string `json:"content"`

	// Revision is the number of operations applied so far.
	Revision uint64 `json:"revision"`
}

// DocEditPayload carries one operation from a client.
// All edits are expressed against the same base revision, with positions
// measured in runes into that snapshot of the document.
type DocEditPayload struct {
	// SessionID identifies the session being edited.
	SessionID string `json:"session_id"`

	// BaseRevision is the revision the edits were computed against.
	BaseRevision uint64 `json:"base_revision"`

	// Edits is the list of insertions and deletions.
	Edits []ot.Edit `json:"edits"`
}

// DocAppliedPayload notifies clients that an operation was applied.
type DocAppliedPayload struct {
	// SessionID identifies the session.
	SessionID string `json:"session_id"`

	// Origin is the participant whose operation was applied.
	Origin string `json:"origin"`

	// Revision is the document revision after applying the operation.
	Revision uint64 `json:"revision"`

	// Edits is the rebased form of the operation, ready to apply at
	// revision-1 of the receiving client's document.
	Edits []ot.Edit `json:"edits"`
}

// DiagnosticReportPayload carries a compiler or linter diagnostic.
type DiagnosticReportPayload struct {
	// FileID identifies the file (and its editing session).
	FileID string `json:"file_id"`

	// Message is the raw diagnostic text.
	Message string `json:"message"`

	// Language is the source language of the file (e.g. "java", "go").
	Language string `json:"language"`

	// Line is the zero-based line the diagnostic points at.
	Line int `json:"line"`
}

// FixUnresolvedPayload notifies clients that automatic repair gave up.
type FixUnresolvedPayload struct {
	// FileID identifies the file the diagnostic belongs to.
	FileID string `json:"file_id"`

	// Message is the diagnostic text that could not be resolved.
	Message string `json:"message"`

	// Line is the zero-based line of the original diagnostic.
	Line int `json:"line"`

	// Timestamp is when the loop abandoned the attempt (Unix milliseconds).
	Timestamp int64 `json:"timestamp"`
}

// SessionLeavePayload carries a request to leave a session.
type SessionLeavePayload struct {
	// SessionID identifies the session to leave.
	SessionID string `json:"session_id"`
}

// ErrorPayload carries error information to the client.
type ErrorPayload struct {
	// Code is a stable error code for programmatic handling.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// NewSessionSnapshotMessage creates a message carrying full document state.
// This is a convenience function to ensure consistent message creation.
func NewSessionSnapshotMessage(sessionID, content string, revision uint64) Message {
	return Message{
		Type: MessageTypeSessionSnapshot,
		Payload: SessionSnapshotPayload{
			SessionID: sessionID,
			Content:   content,
			Revision:  revision,
		},
	}
}

// NewSessionResyncMessage creates a resync message with a fresh snapshot.
// Clients must discard local state and resume from this snapshot.
func NewSessionResyncMessage(sessionID, content string, revision uint64) Message {
	return Message{
		Type: MessageTypeSessionResync,
		Payload: SessionSnapshotPayload{
			SessionID: sessionID,
			Content:   content,
			Revision:  revision,
		},
	}
}

// NewDocAppliedMessage creates a message announcing an applied operation.
func NewDocAppliedMessage(sessionID, origin string, revision uint64, edits []ot.Edit) Message {
	return Message{
		Type: MessageTypeDocApplied,
		Payload: DocAppliedPayload{
			SessionID: sessionID,
			Origin:    origin,
			Revision:  revision,
			Edits:     edits,
		},
	}
}

// NewFixUnresolvedMessage creates a message for an abandoned repair attempt.
func NewFixUnresolvedMessage(fileID, message string, line int) Message {
	return Message{
		Type: MessageTypeFixUnresolved,
		Payload: FixUnresolvedPayload{
			FileID:    fileID,
			Message:   message,
			Line:      line,
			Timestamp: time.Now().UnixMilli(),
		},
	}
}

// NewErrorMessage creates an error message to send to clients.
func NewErrorMessage(code, message string) Message {
	return Message{
		Type: MessageTypeError,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}

// NewHeartbeatMessage creates a heartbeat message for keep-alive.
func NewHeartbeatMessage() Message {
	return Message{
		Type:    MessageTypeHeartbeat,
		Payload: struct{}{},
	}
}
