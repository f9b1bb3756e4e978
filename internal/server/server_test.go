package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	apperrors "github.com/syncpad/host/internal/errors"
	"github.com/syncpad/host/internal/ot"
	"github.com/syncpad/host/internal/session"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	sessions := session.NewManager()
	t.Cleanup(sessions.Close)

	s := NewServer("unused", sessions)
	go s.runBroadcaster()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	ts := httptest.NewServer(mux)

	return s, ts
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func payloadMap(t *testing.T, msg Message) map[string]interface{} {
	t.Helper()
	payload, ok := msg.Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map payload, got %#v", msg.Payload)
	}
	return payload
}

// joinSession sends session.join and consumes the snapshot reply.
func joinSession(t *testing.T, conn *websocket.Conn, sessionID, participantID, content string) map[string]interface{} {
	t.Helper()
	writeMessage(t, conn, Message{
		Type: MessageTypeSessionJoin,
		Payload: SessionJoinPayload{
			SessionID:     sessionID,
			ParticipantID: participantID,
			Content:       content,
		},
	})
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSessionSnapshot {
		t.Fatalf("expected session.snapshot, got %s", msg.Type)
	}
	return payloadMap(t, msg)
}

func TestJoinReceivesSnapshot(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	conn := dial(t, ts)
	payload := joinSession(t, conn, "notes.txt", "alice", "hello world")

	if payload["content"] != "hello world" {
		t.Errorf("snapshot content = %#v, want %q", payload["content"], "hello world")
	}
	if payload["revision"] != float64(0) {
		t.Errorf("snapshot revision = %#v, want 0", payload["revision"])
	}
}

func TestEditAppliedEchoAndBroadcast(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	connA := dial(t, ts)
	connB := dial(t, ts)
	joinSession(t, connA, "doc", "alice", "hello")
	joinSession(t, connB, "doc", "bob", "")

	writeMessage(t, connA, Message{
		Type: MessageTypeDocEdit,
		Payload: DocEditPayload{
			SessionID:    "doc",
			BaseRevision: 0,
			Edits:        []ot.Edit{{Kind: ot.EditInsert, Pos: 5, Text: "!"}},
		},
	})

	// Sender gets a direct confirmation.
	msgA := readMessage(t, connA)
	if msgA.Type != MessageTypeDocApplied {
		t.Fatalf("expected doc.applied for sender, got %s", msgA.Type)
	}
	payload := payloadMap(t, msgA)
	if payload["origin"] != "alice" {
		t.Errorf("origin = %#v, want alice", payload["origin"])
	}
	if payload["revision"] != float64(1) {
		t.Errorf("revision = %#v, want 1", payload["revision"])
	}

	// Other participants get the broadcast.
	msgB := readMessage(t, connB)
	if msgB.Type != MessageTypeDocApplied {
		t.Fatalf("expected doc.applied broadcast, got %s", msgB.Type)
	}
	if payloadMap(t, msgB)["origin"] != "alice" {
		t.Errorf("broadcast origin = %#v, want alice", payloadMap(t, msgB)["origin"])
	}
}

func TestStaleEditIsRebased(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	conn := dial(t, ts)
	joinSession(t, conn, "doc", "alice", "abc")

	// First edit lands at revision 1.
	writeMessage(t, conn, Message{
		Type: MessageTypeDocEdit,
		Payload: DocEditPayload{
			SessionID: "doc",
			Edits:     []ot.Edit{{Kind: ot.EditInsert, Pos: 0, Text: "xx"}},
		},
	})
	_ = readMessage(t, conn)

	// Second edit still claims base revision 0; its position must be
	// shifted past the earlier insert.
	writeMessage(t, conn, Message{
		Type: MessageTypeDocEdit,
		Payload: DocEditPayload{
			SessionID:    "doc",
			BaseRevision: 0,
			Edits:        []ot.Edit{{Kind: ot.EditInsert, Pos: 3, Text: "!"}},
		},
	})
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeDocApplied {
		t.Fatalf("expected doc.applied, got %s", msg.Type)
	}
	payload := payloadMap(t, msg)
	if payload["revision"] != float64(2) {
		t.Errorf("revision = %#v, want 2", payload["revision"])
	}
	edits, ok := payload["edits"].([]interface{})
	if !ok || len(edits) != 1 {
		t.Fatalf("expected one rebased edit, got %#v", payload["edits"])
	}
	edit := edits[0].(map[string]interface{})
	if edit["pos"] != float64(5) {
		t.Errorf("rebased pos = %#v, want 5", edit["pos"])
	}
}

func TestFutureRevisionGetsErrorAndResync(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	conn := dial(t, ts)
	joinSession(t, conn, "doc", "alice", "abc")

	writeMessage(t, conn, Message{
		Type: MessageTypeDocEdit,
		Payload: DocEditPayload{
			SessionID:    "doc",
			BaseRevision: 99,
			Edits:        []ot.Edit{{Kind: ot.EditInsert, Pos: 0, Text: "x"}},
		},
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}
	if code := payloadMap(t, msg)["code"]; code != apperrors.CodeProtocolBadRevision {
		t.Errorf("error code = %#v, want %s", code, apperrors.CodeProtocolBadRevision)
	}

	msg = readMessage(t, conn)
	if msg.Type != MessageTypeSessionResync {
		t.Fatalf("expected session.resync after bad revision, got %s", msg.Type)
	}
	payload := payloadMap(t, msg)
	if payload["content"] != "abc" {
		t.Errorf("resync content = %#v, want abc", payload["content"])
	}
}

func TestEditWithoutJoinClosesConnection(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	conn := dial(t, ts)

	writeMessage(t, conn, Message{
		Type: MessageTypeDocEdit,
		Payload: DocEditPayload{
			SessionID: "doc",
			Edits:     []ot.Edit{{Kind: ot.EditInsert, Pos: 0, Text: "x"}},
		},
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}
	if code := payloadMap(t, msg)["code"]; code != apperrors.CodeProtocolNotJoined {
		t.Errorf("error code = %#v, want %s", code, apperrors.CodeProtocolNotJoined)
	}

	// The connection must be torn down after the error.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection close after protocol violation")
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	conn := dial(t, ts)

	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}
	if code := payloadMap(t, msg)["code"]; code != apperrors.CodeProtocolMalformedFrame {
		t.Errorf("error code = %#v, want %s", code, apperrors.CodeProtocolMalformedFrame)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection close after malformed frame")
	}
}

func TestUnknownMessageTypeKeepsConnection(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	conn := dial(t, ts)

	writeMessage(t, conn, Message{Type: "bogus.type", Payload: struct{}{}})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}
	if code := payloadMap(t, msg)["code"]; code != apperrors.CodeProtocolUnknownType {
		t.Errorf("error code = %#v, want %s", code, apperrors.CodeProtocolUnknownType)
	}

	// The connection stays usable.
	joinSession(t, conn, "doc", "alice", "still here")
}

func TestDiagnosticReportReachesHandler(t *testing.T) {
	s, ts := newTestServer(t)
	defer ts.Close()

	type report struct {
		fileID, message, language string
		line                      int
	}
	got := make(chan report, 1)
	s.SetDiagnosticHandler(func(fileID, message, language string, line int) {
		got <- report{fileID, message, language, line}
	})

	conn := dial(t, ts)
	writeMessage(t, conn, Message{
		Type: MessageTypeDiagnosticReport,
		Payload: DiagnosticReportPayload{
			FileID:   "Main.java",
			Message:  "unused import java.util.List",
			Language: "java",
			Line:     2,
		},
	})

	select {
	case r := <-got:
		if r.fileID != "Main.java" || r.line != 2 || r.language != "java" {
			t.Errorf("unexpected report: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("diagnostic never reached the handler")
	}
}

func TestFixUnresolvedBroadcast(t *testing.T) {
	s, ts := newTestServer(t)
	defer ts.Close()
	defer s.Stop()

	conn := dial(t, ts)
	joinSession(t, conn, "doc", "alice", "x")

	s.BroadcastFixUnresolved("Main.java", "unused import java.util.List", 2)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeFixUnresolved {
		t.Fatalf("expected fix.unresolved, got %s", msg.Type)
	}
	payload := payloadMap(t, msg)
	if payload["file_id"] != "Main.java" {
		t.Errorf("file_id = %#v, want Main.java", payload["file_id"])
	}
}

func TestLeaveStopsBroadcasts(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	connA := dial(t, ts)
	connB := dial(t, ts)
	joinSession(t, connA, "doc", "alice", "abc")
	joinSession(t, connB, "doc", "bob", "")

	writeMessage(t, connB, Message{
		Type:    MessageTypeSessionLeave,
		Payload: SessionLeavePayload{SessionID: "doc"},
	})

	// Leave has no acknowledgement; give the session a moment to process.
	time.Sleep(100 * time.Millisecond)

	writeMessage(t, connA, Message{
		Type: MessageTypeDocEdit,
		Payload: DocEditPayload{
			SessionID: "doc",
			Edits:     []ot.Edit{{Kind: ot.EditInsert, Pos: 0, Text: "x"}},
		},
	})
	_ = readMessage(t, connA)

	connB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Error("expected no broadcast after leaving")
	}
}

func TestStartAsyncFailsWhenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	sessions := session.NewManager()
	defer sessions.Close()

	s := NewServer(ln.Addr().String(), sessions)
	errCh := s.StartAsync()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected startup error for occupied port")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartAsync did not report within timeout")
	}
}
