package session

import (
	"context"
	"log"
	"sync"

	apperrors "github.com/syncpad/host/internal/errors"
	"github.com/syncpad/host/internal/ot"
)

// Manager owns every open document session. It hands out no internal
// state: all interaction with a session goes through the methods below,
// which route requests to the session's owner goroutine.
type Manager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty manager. Close shuts down every session.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Open creates the session for id over the given initial content, or
// returns the existing one (initial content is ignored then). Opening is
// idempotent so the gateway and the fix loop can both call it without
// coordinating.
func (m *Manager) Open(id, content string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := newSession(m.ctx, id, content)
	m.sessions[id] = s
	log.Printf("session %s: opened (%d total)", id, len(m.sessions))
	return s
}

// get looks up an open session.
func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.SessionNotFound(id)
	}
	return s, nil
}

// Join registers a participant handle with a session. The session opens
// empty if it does not exist yet. The participant receives a Snapshot
// event before any subsequent Applied broadcast.
func (m *Manager) Join(ctx context.Context, sessionID, participantID string, h Handle) error {
	s := m.Open(sessionID, "")
	_, err := s.send(ctx, request{kind: reqJoin, participant: participantID, handle: h})
	return err
}

// Leave removes a participant from a session's broadcast set. Leaving an
// unknown session or participant is a no-op: disconnects race with
// session shutdown and neither side should care who wins.
func (m *Manager) Leave(ctx context.Context, sessionID, participantID string) {
	s, err := m.get(sessionID)
	if err != nil {
		return
	}
	s.send(ctx, request{kind: reqLeave, participant: participantID})
}

// Ingest submits an operation to a session. This is the single write path
// into a document: human edits and fix-loop edits both land here. The
// result is the operation as applied; everyone else in the session gets
// the corresponding Applied broadcast.
func (m *Manager) Ingest(ctx context.Context, sessionID string, op ot.Operation) (ot.Applied, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return ot.Applied{}, err
	}
	res, err := s.send(ctx, request{kind: reqIngest, op: op})
	if err != nil {
		return ot.Applied{}, err
	}
	return res.applied, res.err
}

// Snapshot returns the current content and revision of a session.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (string, uint64, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return "", 0, err
	}
	res, err := s.send(ctx, request{kind: reqSnapshot})
	if err != nil {
		return "", 0, err
	}
	return res.content, res.revision, nil
}

// CloseSession shuts down one session and forgets it. Subsequent calls
// for the same id are no-ops.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Close()
		log.Printf("session %s: closed", id)
	}
}

// Close shuts down every session and the manager itself.
func (m *Manager) Close() {
	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	m.cancel()
}
