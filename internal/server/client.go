package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/syncpad/host/internal/errors"
	"github.com/syncpad/host/internal/ot"
	"github.com/syncpad/host/internal/session"
)

// requestTimeout bounds calls into the session layer made on behalf of
// a single frame. A session owner that cannot answer within this window
// is effectively wedged and the client should hear about it.
const requestTimeout = 5 * time.Second

// Client represents a single WebSocket connection.
// Each client has its own goroutine for writing messages,
// which prevents slow clients from blocking other senders.
type Client struct {
	// id is the generated connection identity. It doubles as the default
	// participant ID when a join does not name one.
	id string

	// conn is the underlying WebSocket connection.
	conn *websocket.Conn

	// send is a buffered channel for outgoing messages.
	// The write goroutine reads from this and sends to the WebSocket.
	// Buffering prevents blocking when the client is slow.
	send chan Message

	// done is closed to signal the client should shut down.
	// Used to coordinate clean shutdown without racing on send channel.
	done chan struct{}

	// sendOnce ensures the done channel is only closed once.
	// Both Stop() and readPump() may try to close it, so we use
	// sync.Once to prevent a "close of closed channel" panic.
	sendOnce sync.Once

	// server is a reference back to the parent server.
	server *Server

	// editLimiter rate-limits doc.edit messages to prevent flooding.
	// Phase-limited bursts (pastes) pass; sustained floods are rejected
	// with server.rate_limited.
	editLimiter *rate.Limiter

	// joined maps session ID to the participant ID used for that join.
	// Written and read only by this client's readPump goroutine.
	joined map[string]string
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan Message, channelBufferSize),
		done:        make(chan struct{}),
		server:      s,
		editLimiter: rate.NewLimiter(rate.Limit(editRateLimit), editRateBurst),
		joined:      make(map[string]string),
	}
}

// closeSend safely signals the client to shut down exactly once.
// This is safe to call multiple times from different goroutines.
// We only close the done channel (not send) to avoid racing with
// ongoing send operations. All senders check done before sending.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// enqueue puts a message on this client's send channel without blocking.
// Messages to a full or shutting-down client are dropped; the protocol
// is built so clients recover from gaps via session.resync.
func (c *Client) enqueue(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		log.Printf("Warning: client %s send buffer full, dropping %s", c.id, msg.Type)
	}
}

// sendError reports a non-fatal error to this client.
func (c *Client) sendError(code, message string) {
	c.enqueue(NewErrorMessage(code, message))
}

// fatal reports a protocol violation and tears the connection down.
// The error message is queued first so writePump flushes it before
// the close frame.
func (c *Client) fatal(code, message string) {
	c.enqueue(NewErrorMessage(code, message))
	c.closeSend()
}

// writePump continuously sends messages from the send channel to the WebSocket.
// It also sends periodic pings to keep the connection alive.
func (c *Client) writePump() {
	// Pings help detect dead connections and keep NAT/firewalls happy.
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Shutdown signaled. Flush whatever is still queued, then
			// send the close frame.
			for {
				select {
				case msg := <-c.send:
					c.writeMessage(msg)
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}

		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				log.Printf("Write error: %v", err)
				return
			}

		case <-ticker.C:
			// Send a ping to keep the connection alive
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeMessage(msg Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump reads messages from the WebSocket and handles them.
// It is the only goroutine that touches the joined map, so join and
// leave bookkeeping needs no locking.
func (c *Client) readPump() {
	defer func() {
		// Unregister the client when this goroutine exits
		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()

		// Drop out of every session so broadcasts stop targeting this
		// connection.
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		for sessionID, participantID := range c.joined {
			c.server.sessions.Leave(ctx, sessionID, participantID)
		}
		cancel()

		// Use closeSend() to safely signal writePump to exit.
		// Stop() may have already signaled it during shutdown.
		c.closeSend()

		log.Printf("Client %s disconnected (%d remaining)", c.id, c.server.ClientCount())
	}()

	// Configure connection parameters
	c.conn.SetReadLimit(512 * 1024) // Max message size: 512KB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	// Set up pong handler to reset the read deadline.
	// When we receive a pong (response to our ping), we know the client is alive.
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		// Read the next message from the WebSocket.
		// This blocks until a message arrives or an error occurs.
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// Check if this is a normal close (client disconnected)
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				log.Printf("Read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse message from client %s: %v", c.id, err)
			c.fatal(apperrors.CodeProtocolMalformedFrame, "invalid message format")
			return
		}

		// Handle the message based on type
		switch msg.Type {
		case MessageTypeSessionJoin:
			c.handleSessionJoin(data)
		case MessageTypeDocEdit:
			c.handleDocEdit(data)
		case MessageTypeDiagnosticReport:
			c.handleDiagnosticReport(data)
		case MessageTypeSessionLeave:
			c.handleSessionLeave(data)
		case MessageTypeHeartbeat:
			// The read deadline was reset by the read itself.
		default:
			log.Printf("Received message: type=%s", msg.Type)
			c.sendError(apperrors.CodeProtocolUnknownType,
				"unknown message type: "+string(msg.Type))
		}

		select {
		case <-c.done:
			return
		default:
		}
	}
}

// handleSessionJoin processes a session.join message.
// On success the client synchronously receives a session.snapshot before
// any doc.applied for that session can reach it.
func (c *Client) handleSessionJoin(data []byte) {
	var msg struct {
		Type    MessageType        `json:"type"`
		ID      string             `json:"id,omitempty"`
		Payload SessionJoinPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Failed to parse session.join payload: %v", err)
		c.fatal(apperrors.CodeProtocolMalformedFrame, "invalid session.join payload")
		return
	}

	payload := msg.Payload
	if payload.SessionID == "" {
		c.fatal(apperrors.CodeProtocolMalformedFrame, "session_id is required")
		return
	}

	participantID := payload.ParticipantID
	if participantID == "" {
		participantID = c.id
	}

	// Seed the document when the session does not exist yet. Open is
	// idempotent, so a racing second join just attaches to the winner.
	if payload.Content != "" {
		c.server.sessions.Open(payload.SessionID, payload.Content)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	err := c.server.sessions.Join(ctx, payload.SessionID, participantID, &clientHandle{client: c})
	if err != nil {
		log.Printf("Join failed: client=%s session=%s: %v", c.id, payload.SessionID, err)
		code, message := apperrors.ToCodeAndMessage(err)
		c.sendError(code, message)
		return
	}

	c.joined[payload.SessionID] = participantID
	log.Printf("Client %s joined session %s as %s", c.id, payload.SessionID, participantID)
}

// handleDocEdit processes a doc.edit message. The operation is submitted
// to the session, which transforms it against anything applied since the
// frame's base revision. The rebased result comes back to the sender as
// doc.applied; other participants get the same broadcast from the session.
func (c *Client) handleDocEdit(data []byte) {
	if !c.editLimiter.Allow() {
		c.sendError(apperrors.CodeServerRateLimited, "too many edit frames, slow down")
		return
	}

	var msg struct {
		Type    MessageType    `json:"type"`
		ID      string         `json:"id,omitempty"`
		Payload DocEditPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Failed to parse doc.edit payload: %v", err)
		c.fatal(apperrors.CodeProtocolMalformedFrame, "invalid doc.edit payload")
		return
	}

	payload := msg.Payload
	participantID, ok := c.joined[payload.SessionID]
	if !ok {
		c.fatal(apperrors.CodeProtocolNotJoined,
			"edit for session the client has not joined: "+payload.SessionID)
		return
	}

	op := ot.Operation{
		Origin:       participantID,
		BaseRevision: payload.BaseRevision,
		Edits:        payload.Edits,
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	applied, err := c.server.sessions.Ingest(ctx, payload.SessionID, op)
	if err != nil {
		c.handleIngestError(ctx, payload.SessionID, err)
		return
	}

	// The session broadcast excludes the origin, so confirm directly.
	c.enqueue(NewDocAppliedMessage(payload.SessionID, participantID, applied.Revision, applied.Op.Edits))
}

// handleIngestError maps a rejected operation to client traffic.
// A stale or unknown base revision means the client's view drifted, so a
// fresh snapshot rides along with the error. Structurally invalid edits
// are a protocol violation and fatal.
func (c *Client) handleIngestError(ctx context.Context, sessionID string, err error) {
	code, message := apperrors.ToCodeAndMessage(err)

	if apperrors.IsCode(err, apperrors.CodeProtocolMalformedFrame) {
		c.fatal(code, message)
		return
	}

	c.sendError(code, message)

	if apperrors.IsCode(err, apperrors.CodeProtocolBadRevision) {
		content, revision, snapErr := c.server.sessions.Snapshot(ctx, sessionID)
		if snapErr != nil {
			log.Printf("Resync snapshot failed for session %s: %v", sessionID, snapErr)
			return
		}
		c.enqueue(NewSessionResyncMessage(sessionID, content, revision))
	}
}

// handleDiagnosticReport processes a diagnostic.report message.
// The diagnostic is handed to the repair loop via the configured handler;
// there is no acknowledgement, clients observe outcomes as doc.applied
// (repair succeeded) or fix.unresolved (repair gave up).
func (c *Client) handleDiagnosticReport(data []byte) {
	var msg struct {
		Type    MessageType             `json:"type"`
		ID      string                  `json:"id,omitempty"`
		Payload DiagnosticReportPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Failed to parse diagnostic.report payload: %v", err)
		c.fatal(apperrors.CodeProtocolMalformedFrame, "invalid diagnostic.report payload")
		return
	}

	payload := msg.Payload
	if payload.FileID == "" || payload.Message == "" {
		c.sendError(apperrors.CodeProtocolMalformedFrame, "file_id and message are required")
		return
	}

	c.server.mu.RLock()
	handler := c.server.diagnosticHandler
	c.server.mu.RUnlock()

	if handler == nil {
		log.Printf("No diagnostic handler registered, ignoring report for %s", payload.FileID)
		return
	}

	handler(payload.FileID, payload.Message, payload.Language, payload.Line)
}

// handleSessionLeave processes a session.leave message.
func (c *Client) handleSessionLeave(data []byte) {
	var msg struct {
		Type    MessageType         `json:"type"`
		ID      string              `json:"id,omitempty"`
		Payload SessionLeavePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Failed to parse session.leave payload: %v", err)
		c.fatal(apperrors.CodeProtocolMalformedFrame, "invalid session.leave payload")
		return
	}

	participantID, ok := c.joined[msg.Payload.SessionID]
	if !ok {
		// Leaving a session never joined is harmless.
		return
	}
	delete(c.joined, msg.Payload.SessionID)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	c.server.sessions.Leave(ctx, msg.Payload.SessionID, participantID)

	log.Printf("Client %s left session %s", c.id, msg.Payload.SessionID)
}

// clientHandle adapts a Client into a session.Handle. Session events are
// converted to wire messages and queued on the client's send channel.
// Deliver runs on session owner goroutines and must never block.
type clientHandle struct {
	client *Client
}

func (h *clientHandle) Deliver(ev session.Event) {
	switch e := ev.(type) {
	case session.Snapshot:
		h.client.enqueue(NewSessionSnapshotMessage(e.SessionID, e.Content, e.Revision))
	case session.Applied:
		h.client.enqueue(NewDocAppliedMessage(e.SessionID, e.Origin, e.Revision, e.Edits))
	case session.Resync:
		h.client.enqueue(NewSessionResyncMessage(e.SessionID, e.Content, e.Revision))
	default:
		log.Printf("Unhandled session event %T for client %s", ev, h.client.id)
	}
}
