package server

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	// gorilla/websocket is the most popular WebSocket library for Go.
	// It provides a complete implementation of the WebSocket protocol
	// with support for reading/writing messages, ping/pong, and close handling.
	"github.com/gorilla/websocket"

	"github.com/syncpad/host/internal/session"
)

// channelBufferSize is the buffer size for the broadcast channel and per-client
// send channels. This value balances memory usage against the ability to absorb
// bursts of messages without blocking senders. If the buffer fills up, messages
// may be dropped for slow clients.
const channelBufferSize = 256

// Edit frame rate limiting per client. The burst absorbs a paste or a
// rapid typing run; sustained flooding gets rejected.
const (
	editRateLimit = 200
	editRateBurst = 50
)

// writeWait is the deadline for writes to the WebSocket.
const writeWait = 10 * time.Second

// DiagnosticHandler processes diagnostic reports from clients.
// It is called when a client sends a diagnostic.report message.
// Implementations hand the diagnostic to the automatic repair loop.
type DiagnosticHandler func(fileID, message, language string, line int)

// Server manages WebSocket connections and routes messages between
// clients and editing sessions. It handles multiple concurrent clients
// and ensures messages are delivered without blocking the sender.
type Server struct {
	// addr is the address to listen on (e.g., "127.0.0.1:7070")
	addr string

	// upgrader converts HTTP connections to WebSocket connections.
	// We configure it to accept connections from any origin for development.
	upgrader websocket.Upgrader

	// sessions owns the editing sessions. Join, leave, and edit frames
	// are routed through it; session events come back through per-client
	// handles registered on join.
	sessions *session.Manager

	// clients tracks all connected WebSocket clients.
	// The map key is a pointer to the client, value is always true.
	// Using a map makes add/remove O(1) operations.
	clients map[*Client]bool

	// mu protects the clients map and stopped flag from concurrent access.
	mu sync.RWMutex

	// stopped indicates whether the server has been stopped.
	// This prevents sending to a closed broadcast channel.
	stopped bool

	// broadcast receives messages to send to all clients.
	// Using a channel decouples message production from delivery.
	broadcast chan Message

	// httpServer is the underlying HTTP server for graceful shutdown.
	httpServer *http.Server

	// diagnosticHandler is called when a client sends a diagnostic.report
	// message. If nil, diagnostics are logged but not processed.
	diagnosticHandler DiagnosticHandler
}

// NewServer creates a new WebSocket server routing into the given
// session manager. Call Start() or StartAsync() to begin accepting
// connections.
func NewServer(addr string, sessions *session.Manager) *Server {
	return &Server{
		addr:      addr,
		sessions:  sessions,
		clients:   make(map[*Client]bool),
		broadcast: make(chan Message, channelBufferSize),
		upgrader: websocket.Upgrader{
			// Allow connections from any origin during development.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			// Buffer sizes for reading and writing WebSocket frames.
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// SetDiagnosticHandler sets the callback for processing diagnostic reports.
// This should be called before any clients connect. The handler is called
// when a client sends a diagnostic.report message.
func (s *Server) SetDiagnosticHandler(handler DiagnosticHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagnosticHandler = handler
}

// Start begins listening for WebSocket connections.
// This method blocks, so call it in a goroutine if you need to do other work.
// For non-blocking startup with error handling, use StartAsync() instead.
func (s *Server) Start() error {
	mux := s.createMux()

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	// Start the broadcast goroutine that sends messages to all clients
	go s.runBroadcaster()

	log.Printf("WebSocket server listening on %s", s.addr)

	// ListenAndServe blocks until the server is stopped or an error occurs.
	// It returns http.ErrServerClosed on graceful shutdown.
	return s.httpServer.ListenAndServe()
}

// StartAsync starts the server in a goroutine and returns any startup errors.
// This is useful when you need to verify the server started successfully
// before proceeding with other initialization.
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
// After receiving from the channel, the server is either running or failed.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	mux := s.createMux()

	// Create the listener first to detect port conflicts immediately.
	// net.Listen returns an error if the port is already in use.
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	go s.runBroadcaster()

	go func() {
		log.Printf("WebSocket server listening on %s", s.addr)
		// Signal successful startup
		errCh <- nil
		close(errCh)

		// Serve blocks until the server is stopped
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("WebSocket server error: %v", err)
		}
	}()

	return errCh
}

// createMux creates the HTTP mux with all endpoints.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Handle WebSocket connections at the /ws endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Health check endpoint for monitoring
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

// Stop gracefully shuts down the server.
// It sends close frames to all clients, closes connections, and stops
// accepting new ones. This also closes the broadcast channel to allow
// the runBroadcaster goroutine to exit cleanly.
func (s *Server) Stop() error {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		return nil // Already stopped
	}
	s.stopped = true

	// Signal all clients to stop. writePump sends the close frame and
	// closes the connection when it sees the done channel close. We
	// don't write directly here to avoid racing with writePump.
	for client := range s.clients {
		client.closeSend()
	}

	// Clear the clients map
	s.clients = make(map[*Client]bool)

	// Close the broadcast channel to allow runBroadcaster to exit.
	// This must happen after setting stopped=true to prevent panics
	// from concurrent Broadcast() calls.
	close(s.broadcast)

	s.mu.Unlock()

	// Shutdown the HTTP server
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// Broadcast sends a message to all connected clients.
// This method is non-blocking; messages are queued for delivery.
// If the server has been stopped, this method does nothing.
func (s *Server) Broadcast(msg Message) {
	// Hold RLock while checking stopped AND sending to avoid race with Stop().
	// Stop() takes the write lock, sets stopped=true, then closes the channel.
	// By holding RLock through the send, we ensure the channel can't be closed
	// while we're sending to it.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}

	// Use select with default to make this non-blocking.
	// If the broadcast channel is full, we log and drop the message
	// rather than blocking the caller.
	select {
	case s.broadcast <- msg:
	default:
		log.Printf("Warning: broadcast channel full, dropping message")
	}
}

// BroadcastFixUnresolved notifies all clients that the repair loop gave
// up on a diagnostic. Wired as the loop's unresolved reporter.
func (s *Server) BroadcastFixUnresolved(fileID, message string, line int) {
	s.Broadcast(NewFixUnresolvedMessage(fileID, message, line))
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// handleWebSocket upgrades an HTTP connection to a WebSocket connection.
// This is called by the HTTP server for each new connection to /ws.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade the HTTP connection to a WebSocket connection.
	// This performs the WebSocket handshake (HTTP 101 Switching Protocols).
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := newClient(conn, s)

	// Register the client
	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	log.Printf("Client %s connected (%d total)", client.id, s.ClientCount())

	// writePump drains the send channel; it must be running before any
	// session events can be delivered to this client.
	go client.writePump()
	go client.readPump()
}

// runBroadcaster reads from the broadcast channel and sends to all clients.
// This runs in its own goroutine started by Start().
func (s *Server) runBroadcaster() {
	for msg := range s.broadcast {
		s.mu.RLock()
		for client := range s.clients {
			// Try to send to each client, but don't block if their buffer
			// is full or if the client is shutting down.
			select {
			case <-client.done:
				// Client is shutting down - skip
			case client.send <- msg:
			default:
				// Client is too slow; drop the message for this client.
				log.Printf("Warning: client send buffer full, dropping message")
			}
		}
		s.mu.RUnlock()
	}
}
