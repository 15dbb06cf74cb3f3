package app

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"pulseboard/api/internal/realtime"
)

func dialRoom(t *testing.T, ctx context.Context, baseURL, reportID, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + baseURL[len("http"):] + "/api/rooms/report/" + reportID + "/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	return conn
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) realtime.Event {
	t.Helper()
	var ev realtime.Event
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Read(readCtx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestRoomWebsocketPresenceAndComments(t *testing.T) {
	fs := newFakeStore()
	seedReport(fs, "rep_1", defaultTenantID, "Weekly Revenue")
	seedUser(fs, "usr_a", "Avery", "member")
	seedUser(fs, "usr_b", "Blake", "member")
	svc := newTestService(t, fs)
	ts := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	connA := dialRoom(t, ctx, ts.URL, "rep_1", bearerFor(t, "usr_a", "Avery", "member"))
	defer connA.Close(websocket.StatusNormalClosure, "")

	state := readEvent(t, ctx, connA)
	if state.Type != realtime.EventPresenceState {
		t.Fatalf("first event should be presence.state, got %s", state.Type)
	}
	var roster struct {
		Participants []realtime.Participant `json:"participants"`
	}
	if err := json.Unmarshal(state.Payload, &roster); err != nil {
		t.Fatalf("parse roster: %v", err)
	}
	if len(roster.Participants) != 1 || roster.Participants[0].UserName != "Avery" {
		t.Fatalf("roster %v", roster.Participants)
	}

	connB := dialRoom(t, ctx, ts.URL, "rep_1", bearerFor(t, "usr_b", "Blake", "member"))
	defer connB.Close(websocket.StatusNormalClosure, "")

	join := readEvent(t, ctx, connA)
	if join.Type != realtime.EventPresenceJoin || join.Actor != "Blake" {
		t.Fatalf("expected presence.join from Blake, got %s/%s", join.Type, join.Actor)
	}
	if join.Seq <= state.Seq {
		t.Fatalf("seq must increase: %d then %d", state.Seq, join.Seq)
	}

	stateB := readEvent(t, ctx, connB)
	if stateB.Type != realtime.EventPresenceState {
		t.Fatalf("joiner's first event should be presence.state, got %s", stateB.Type)
	}
	if err := json.Unmarshal(stateB.Payload, &roster); err != nil {
		t.Fatalf("parse roster: %v", err)
	}
	if len(roster.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(roster.Participants))
	}

	// Comments echo to everyone including the sender, so both sides see
	// the same position in the total order.
	if err := wsjson.Write(ctx, connB, map[string]any{
		"type":    "comment.new",
		"payload": map[string]any{"text": "Looks off to me"},
	}); err != nil {
		t.Fatalf("send comment: %v", err)
	}

	commentA := readEvent(t, ctx, connA)
	commentB := readEvent(t, ctx, connB)
	if commentA.Type != realtime.EventCommentNew || commentB.Type != realtime.EventCommentNew {
		t.Fatalf("expected comment.new on both, got %s and %s", commentA.Type, commentB.Type)
	}
	if commentA.Seq != commentB.Seq {
		t.Fatalf("same event must carry the same seq: %d vs %d", commentA.Seq, commentB.Seq)
	}
	if commentA.Actor != "Blake" {
		t.Fatalf("comment actor %q", commentA.Actor)
	}

	connB.Close(websocket.StatusNormalClosure, "done")

	leave := readEvent(t, ctx, connA)
	if leave.Type != realtime.EventPresenceLeave || leave.Actor != "Blake" {
		t.Fatalf("expected presence.leave from Blake, got %s/%s", leave.Type, leave.Actor)
	}
}

func TestRoomWebsocketRejectsDisallowedEvent(t *testing.T) {
	fs := newFakeStore()
	seedReport(fs, "rep_1", defaultTenantID, "Weekly Revenue")
	svc := newTestService(t, fs)
	ts := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn := dialRoom(t, ctx, ts.URL, "rep_1", bearerFor(t, "usr_v", "Viewer", "viewer"))
	defer conn.Close(websocket.StatusNormalClosure, "")

	if ev := readEvent(t, ctx, conn); ev.Type != realtime.EventPresenceState {
		t.Fatalf("expected presence.state, got %s", ev.Type)
	}

	// Viewers cannot edit; the rejection comes back as an error frame and
	// the connection survives.
	if err := wsjson.Write(ctx, conn, map[string]any{
		"type":    "doc.change",
		"payload": map[string]any{"widgets": []any{}},
	}); err != nil {
		t.Fatalf("send doc.change: %v", err)
	}

	var frame map[string]any
	readCtx, cancelRead := context.WithTimeout(ctx, 5*time.Second)
	defer cancelRead()
	if err := wsjson.Read(readCtx, conn, &frame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if frame["type"] != "error" || frame["code"] != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN error frame, got %v", frame)
	}

	// The connection survives the rejection; a read-level event still goes
	// through.
	if err := wsjson.Write(ctx, conn, map[string]any{"type": "typing.start"}); err != nil {
		t.Fatalf("send typing.start: %v", err)
	}
}

func TestRoomWebsocketUnknownReportCloses(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	ts := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialRoom(t, ctx, ts.URL, "rep_missing", bearerFor(t, "usr_a", "Avery", "member"))
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ev realtime.Event
	readCtx, cancelRead := context.WithTimeout(ctx, 5*time.Second)
	defer cancelRead()
	if err := wsjson.Read(readCtx, conn, &ev); err == nil {
		t.Fatal("expected the server to close the connection for an unknown report")
	}
}

func TestRoomWebsocketWithoutTokenIsRejected(t *testing.T) {
	fs := newFakeStore()
	seedReport(fs, "rep_1", defaultTenantID, "Weekly Revenue")
	svc := newTestService(t, fs)
	ts := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + ts.URL[len("http"):] + "/api/rooms/report/rep_1/ws"
	if _, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Fatal("dial without token should fail the handshake")
	}
}

func TestPresenceEndpoint(t *testing.T) {
	fs := newFakeStore()
	seedReport(fs, "rep_1", defaultTenantID, "Weekly Revenue")
	svc := newTestService(t, fs)
	server := NewHTTPServer(svc, "*")

	sess := Session{UserID: "usr_a", UserName: "Avery", Role: "member", TenantID: defaultTenantID}
	if _, _, err := svc.JoinRoom(context.Background(), sess, "report", "rep_1", "conn-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	rr := authedGet(t, server, "/api/rooms/report/rep_1/presence", bearerFor(t, "usr_b", "Blake", "viewer"))
	if rr.Code != 200 {
		t.Fatalf("status %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Participants []realtime.Participant `json:"participants"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(payload.Participants) != 1 || payload.Participants[0].UserID != "usr_a" {
		t.Fatalf("participants %v", payload.Participants)
	}
}
