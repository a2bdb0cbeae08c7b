package sio

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog"

	"github.com/kiliankoe/roomsync/internal/game"
	"github.com/kiliankoe/roomsync/internal/protocol"
	"github.com/kiliankoe/roomsync/internal/room"
)

type emitted struct {
	event string
	args  []any
}

// fakeConn implements the parts of socketio.Conn the server touches.
type fakeConn struct {
	socketio.Conn
	id string

	mu     sync.Mutex
	ctx    any
	emits  []emitted
	rooms  []string
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Context() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *fakeConn) SetContext(ctx any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
}

func (c *fakeConn) Emit(event string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emits = append(c.emits, emitted{event: event, args: args})
}

func (c *fakeConn) Join(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = append(c.rooms, room)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) events(name string) []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emitted
	for _, e := range c.emits {
		if e.event == name {
			out = append(out, e)
		}
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *room.Manager) {
	t.Helper()
	m := room.NewManager(zerolog.Nop())
	m.Define("lobby", room.Options{
		DisconnectionTimeout: 10 * time.Second,
		SweepInterval:        time.Hour,
		PatchInterval:        10 * time.Millisecond,
	})
	t.Cleanup(m.Close)
	return New(m, "lobby", zerolog.Nop()), m
}

func newSocket(id string) *fakeConn {
	s := &fakeConn{id: id}
	s.SetContext(&ConnCtx{})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinAcksAndEmitsState(t *testing.T) {
	srv, m := newTestServer(t)
	s := newSocket("sid-1")

	ack := srv.join(s, joinRequest{})
	roomID, _ := ack["roomId"].(string)
	sessionID, _ := ack["sessionId"].(string)
	if roomID == "" || sessionID == "" {
		t.Fatalf("unexpected ack: %v", ack)
	}
	if _, err := m.Get(roomID); err != nil {
		t.Fatalf("room should exist: %v", err)
	}
	if len(s.events(protocol.TypeJoinRoom)) != 1 || len(s.events(protocol.TypeRoomState)) != 1 {
		t.Fatalf("expected JOIN_ROOM and ROOM_STATE events, got %+v", s.emits)
	}
	ctx := s.Context().(*ConnCtx)
	if ctx.RoomID != roomID || ctx.SessionID != sessionID {
		t.Fatalf("context not updated: %+v", ctx)
	}
	if len(s.rooms) != 1 || s.rooms[0] != roomID {
		t.Fatalf("socket should join the room channel, got %v", s.rooms)
	}

	again := srv.join(s, joinRequest{})
	if again["code"] != protocol.CodeBadRequest {
		t.Fatalf("second join should be rejected, got %v", again)
	}
}

func TestJoinUnknownRoomName(t *testing.T) {
	srv, _ := newTestServer(t)
	s := newSocket("sid-1")
	ack := srv.join(s, joinRequest{Room: "arena"})
	if ack["code"] != protocol.CodeRoomNotFound {
		t.Fatalf("expected room_not_found, got %v", ack)
	}
	if len(s.events(EventError)) != 1 {
		t.Fatal("an error event should be emitted")
	}
}

func TestMessageBeforeJoinRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	s := newSocket("sid-1")
	srv.message(protocol.TypePing)(s, json.RawMessage(`1`))
	errs := s.events(EventError)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(errs))
	}
	if e := errs[0].args[0].(protocol.Error); e.Code != protocol.CodeBadRequest {
		t.Fatalf("expected bad_request, got %s", e.Code)
	}
}

func TestMessagesReachRoom(t *testing.T) {
	srv, m := newTestServer(t)
	s := newSocket("sid-1")
	ack := srv.join(s, joinRequest{})

	srv.message(protocol.TypeNewChatMessage)(s, json.RawMessage(`"hi there"`))
	srv.message(protocol.TypePing)(s, json.RawMessage(`7`))
	srv.message(protocol.TypeTransformMovementUpdate)(s, json.RawMessage(`["player_x"]`))

	waitFor(t, "pong", func() bool { return len(s.events(protocol.TypePong)) == 1 })
	r, _ := m.Get(ack["roomId"].(string))
	var texts []string
	_ = r.Inspect(context.Background(), func(st *game.State) {
		for _, msg := range st.ChatMessages.Items() {
			texts = append(texts, msg.Text)
		}
	})
	if len(texts) != 1 || texts[0] != "hi there" {
		t.Fatalf("unexpected chat log: %v", texts)
	}
}

func TestDisconnectReservesSeat(t *testing.T) {
	srv, m := newTestServer(t)
	s := newSocket("sid-1")
	ack := srv.join(s, joinRequest{})
	other := newSocket("sid-2")
	srv.join(other, joinRequest{})
	roomID, sessionID := ack["roomId"].(string), ack["sessionId"].(string)

	srv.disconnect(s, "transport close")

	r, _ := m.Get(roomID)
	waitFor(t, "disconnect mark", func() bool {
		var since int64
		_ = r.Inspect(context.Background(), func(st *game.State) { since = st.DisconnectedSince()[sessionID] })
		return since > 0
	})

	back := newSocket("sid-3")
	res := srv.reconnect(back, reconnectRequest{RoomID: roomID, SessionID: sessionID})
	if res["sessionId"] != sessionID {
		t.Fatalf("unexpected reconnect ack: %v", res)
	}

	rejected := srv.reconnect(newSocket("sid-4"), reconnectRequest{RoomID: roomID, SessionID: "ghost"})
	if rejected["code"] != protocol.CodeReconnectionRejected {
		t.Fatalf("expected reconnection_rejected, got %v", rejected)
	}
}

func TestNamespaceDisconnectIsConsented(t *testing.T) {
	srv, m := newTestServer(t)
	s := newSocket("sid-1")
	ack := srv.join(s, joinRequest{})
	srv.join(newSocket("sid-2"), joinRequest{})
	roomID, sessionID := ack["roomId"].(string), ack["sessionId"].(string)

	srv.disconnect(s, "client namespace disconnect")

	r, _ := m.Get(roomID)
	waitFor(t, "removal", func() bool {
		var ok bool
		_ = r.Inspect(context.Background(), func(st *game.State) { ok = st.Players.Has(sessionID) })
		return !ok
	})
}

func TestClientSendEmitsRawPayload(t *testing.T) {
	s := newSocket("sid-1")
	c := &client{conn: s, sessionID: "A"}
	if err := c.Send(protocol.MustEncode(protocol.Pong{Timestamp: 5})); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := s.events(protocol.TypePong)
	if len(got) != 1 || len(got[0].args) != 1 {
		t.Fatalf("unexpected emits: %+v", s.emits)
	}
	raw, _ := json.Marshal(got[0].args[0])
	if string(raw) != "5" {
		t.Fatalf("expected raw payload 5, got %s", raw)
	}
	_ = c.Close("bye")
	if !s.closed {
		t.Fatal("close should close the socket")
	}
}
