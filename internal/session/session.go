// Package session implements the session manager: one operation log per
// open document, a set of connected participants, and a single owner
// goroutine per session that serializes every mutation.
//
// All operations for a session - human edits arriving over websocket
// connections and synthetic edits from the fix loop - funnel through the
// owner goroutine in arrival order. That total order, combined with the
// transform engine's deterministic tie-breaks, is what yields convergence.
package session

import (
	"context"
	"log"

	apperrors "github.com/syncpad/host/internal/errors"
	"github.com/syncpad/host/internal/ot"
)

// Event is an outbound notification delivered to a participant's handle.
// The concrete types are Snapshot, Applied, and Resync.
type Event interface {
	event()
}

// Snapshot carries the full materialized content and revision of a
// session. It is the first event a joining participant receives; no
// Applied event reaches a participant before the snapshot it builds on.
type Snapshot struct {
	SessionID string
	Content   string
	Revision  uint64
}

// Applied announces an operation that was appended to the session log,
// in the coordinates of the revision it applied on top of.
type Applied struct {
	SessionID string
	Origin    string
	Revision  uint64
	Edits     []ot.Edit
}

// Resync tells participants the session hit a transform anomaly and they
// must discard local state and continue from the included snapshot.
type Resync struct {
	SessionID string
	Content   string
	Revision  uint64
}

func (Snapshot) event() {}
func (Applied) event()  {}
func (Resync) event()   {}

// Handle is the write-only sink through which a session reaches one
// participant. Implementations must not block: the server backs handles
// with buffered per-client channels and drops on overflow. The session
// never owns transport lifetime; a dead handle is simply removed on leave.
type Handle interface {
	Deliver(ev Event)
}

// reqKind enumerates owner-goroutine requests.
type reqKind int

const (
	reqJoin reqKind = iota
	reqLeave
	reqIngest
	reqSnapshot
)

type request struct {
	kind        reqKind
	participant string
	handle      Handle
	op          ot.Operation
	reply       chan result
}

type result struct {
	applied  ot.Applied
	content  string
	revision uint64
	err      error
}

// Session is one collaborative document. Its log and participant set are
// touched only by the owner goroutine started in newSession.
type Session struct {
	id           string
	log          *ot.Log
	participants map[string]Handle
	inbox        chan request
	cancel       context.CancelFunc
	done         chan struct{}
}

// newSession creates the session over initial content and starts its
// owner goroutine. ctx cancellation (via cancel) shuts the owner down.
func newSession(ctx context.Context, id, content string) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:           id,
		log:          ot.NewLog(content),
		participants: make(map[string]Handle),
		inbox:        make(chan request),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// run drains the inbox. This goroutine is the sole mutator of the
// session's log and participant set, so no locking is needed inside.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.inbox:
			s.handle(req)
		}
	}
}

func (s *Session) handle(req request) {
	switch req.kind {
	case reqJoin:
		s.participants[req.participant] = req.handle
		// The snapshot is delivered from the owner goroutine before any
		// later request is processed, so the joiner can never observe an
		// Applied for a revision it has no base for.
		req.handle.Deliver(Snapshot{
			SessionID: s.id,
			Content:   s.log.Content(),
			Revision:  s.log.Revision(),
		})
		log.Printf("session %s: participant %s joined (%d total)", s.id, req.participant, len(s.participants))
		req.reply <- result{}

	case reqLeave:
		delete(s.participants, req.participant)
		log.Printf("session %s: participant %s left (%d remaining)", s.id, req.participant, len(s.participants))
		req.reply <- result{}

	case reqIngest:
		applied, err := s.log.Submit(req.op)
		if err != nil {
			if apperrors.IsCode(err, apperrors.CodeTransformConflict) {
				// Should not occur given deterministic transform rules.
				// Rather than leaving replicas in an undefined state,
				// flag the session for full resync.
				log.Printf("session %s: transform conflict, broadcasting resync: %v", s.id, err)
				s.broadcast("", Resync{
					SessionID: s.id,
					Content:   s.log.Content(),
					Revision:  s.log.Revision(),
				})
			}
			req.reply <- result{err: err}
			return
		}
		s.broadcast(req.op.Origin, Applied{
			SessionID: s.id,
			Origin:    applied.Op.Origin,
			Revision:  applied.Revision,
			Edits:     applied.Op.Edits,
		})
		req.reply <- result{applied: applied}

	case reqSnapshot:
		req.reply <- result{
			content:  s.log.Content(),
			revision: s.log.Revision(),
		}
	}
}

// broadcast delivers ev to every participant except the named origin.
// Synthetic origins (the fix loop) match no participant, so everyone
// receives those.
func (s *Session) broadcast(exceptOrigin string, ev Event) {
	for id, h := range s.participants {
		if id == exceptOrigin {
			continue
		}
		h.Deliver(ev)
	}
}

// send submits a request to the owner goroutine and waits for the reply,
// honoring both caller cancellation and session shutdown.
func (s *Session) send(ctx context.Context, req request) (result, error) {
	req.reply = make(chan result, 1)
	select {
	case s.inbox <- req:
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-s.done:
		return result{}, context.Canceled
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Close stops the owner goroutine. Pending requests fail with a
// cancellation error; participants are dropped implicitly.
func (s *Session) Close() {
	s.cancel()
}
