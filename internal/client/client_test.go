package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kiliankoe/roomsync/internal/game"
	"github.com/kiliankoe/roomsync/internal/pose"
	"github.com/kiliankoe/roomsync/internal/protocol"
	"github.com/kiliankoe/roomsync/internal/room"
	"github.com/kiliankoe/roomsync/internal/ws"
)

func newTestServer(t *testing.T, timeout time.Duration) (*room.Manager, string) {
	t.Helper()
	m := room.NewManager(zerolog.Nop())
	m.Define("lobby", room.Options{
		DisconnectionTimeout: timeout,
		SweepInterval:        time.Hour,
		PatchInterval:        10 * time.Millisecond,
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.New(m, "lobby", zerolog.Nop()).Handler())
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		m.Close()
		server.Close()
	})
	return m, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func newTestClient(t *testing.T, url string, store Store) *Client {
	t.Helper()
	c := New(Options{URL: url, Store: store, Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// pollUntil ticks the client until cond holds.
func pollUntil(t *testing.T, c *Client, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = c.Poll()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinOrCreateStoresIdentity(t *testing.T) {
	_, url := newTestServer(t, time.Second)
	store := NewMemoryStore()
	c := newTestClient(t, url, store)

	if err := c.JoinOrCreate(context.Background(), "lobby", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !c.Connected() {
		t.Fatal("client should be connected")
	}
	if got, _ := store.Get(KeyLastRoomID); got != c.RoomID() {
		t.Fatalf("expected stored room %s, got %s", c.RoomID(), got)
	}
	if got, _ := store.Get(KeyLastSessionID); got != c.SessionID() {
		t.Fatalf("expected stored session %s, got %s", c.SessionID(), got)
	}

	if c.State().Players.Len() != 0 {
		t.Fatal("mirror should only change inside Poll")
	}
	pollUntil(t, c, "own player", func() bool { return c.State().Players.Has(c.SessionID()) })
	if !c.State().Transforms.Has(game.PlayerTransformID(c.SessionID())) {
		t.Fatal("own spawn transform should be mirrored")
	}
	if err := c.JoinOrCreate(context.Background(), "lobby", nil); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestMovementReachesOtherClient(t *testing.T) {
	m, url := newTestServer(t, time.Second)
	a := newTestClient(t, url, NewMemoryStore())
	b := newTestClient(t, url, NewMemoryStore())
	ctx := context.Background()
	if err := a.JoinOrCreate(ctx, "lobby", nil); err != nil {
		t.Fatalf("join A: %v", err)
	}
	if err := b.JoinOrCreate(ctx, "lobby", nil); err != nil {
		t.Fatalf("join B: %v", err)
	}
	entity := game.PlayerTransformID(a.SessionID())
	pollUntil(t, b, "A in B's mirror", func() bool { return b.State().Transforms.Has(entity) })

	var changed *game.Transform
	cancel := b.State().Transforms.OnChange(func(id string, tr *game.Transform) {
		if id == entity {
			copied := *tr
			changed = &copied
		}
	})
	defer cancel()

	p, err := pose.Decode("1.00000|0.00000|2.00000|0.00000|0.00000|0.00000")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := a.Send(protocol.TransformMovementUpdate{EntityID: entity, Pose: p}); err != nil {
		t.Fatalf("send: %v", err)
	}

	pollUntil(t, b, "onChange for A", func() bool {
		return changed != nil && changed.Position == (pose.Vector3{X: 1, Y: 0, Z: 2})
	})

	r, err := m.Get(a.RoomID())
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	var pos pose.Vector3
	_ = r.Inspect(ctx, func(s *game.State) {
		if tr, ok := s.Transform(entity); ok {
			pos = tr.Position
		}
	})
	if pos != (pose.Vector3{X: 1, Y: 0, Z: 2}) {
		t.Fatalf("server position should be (1,0,2), got %+v", pos)
	}
}

func TestConnectReconnectsFromStore(t *testing.T) {
	m, url := newTestServer(t, 10*time.Second)
	store := NewMemoryStore()
	ctx := context.Background()

	keep := newTestClient(t, url, NewMemoryStore())
	if err := keep.JoinOrCreate(ctx, "lobby", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	first := newTestClient(t, url, store)
	if err := first.Connect(ctx, "lobby"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	roomID, sessionID := first.RoomID(), first.SessionID()
	_ = first.Close()

	r, err := m.Get(roomID)
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		var since int64
		_ = r.Inspect(ctx, func(s *game.State) { since = s.DisconnectedSince()[sessionID] })
		if since > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server should notice the dropped connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := newTestClient(t, url, store)
	if err := second.Connect(ctx, "lobby"); err != nil {
		t.Fatalf("connect again: %v", err)
	}
	if second.RoomID() != roomID || second.SessionID() != sessionID {
		t.Fatalf("expected reconnect to %s/%s, got %s/%s", roomID, sessionID, second.RoomID(), second.SessionID())
	}
	pollUntil(t, second, "own player connected", func() bool {
		p, ok := second.State().Players.Get(sessionID)
		return ok && p.Connected
	})
}

func TestConnectFallsBackToLobby(t *testing.T) {
	_, url := newTestServer(t, time.Second)
	store := NewMemoryStore()
	_ = store.Set(KeyLastRoomID, "GONE")
	_ = store.Set(KeyLastSessionID, "stale")

	c := newTestClient(t, url, store)
	if err := c.Connect(context.Background(), "lobby"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.SessionID() == "stale" || c.RoomID() == "GONE" {
		t.Fatal("client should have joined a fresh room")
	}
	if got, _ := store.Get(KeyLastSessionID); got != c.SessionID() {
		t.Fatalf("store should hold the new session, got %s", got)
	}
}

func TestReconnectRejected(t *testing.T) {
	_, url := newTestServer(t, time.Second)
	c := newTestClient(t, url, NewMemoryStore())
	if err := c.JoinOrCreate(context.Background(), "lobby", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	other := newTestClient(t, url, NewMemoryStore())
	err := other.Reconnect(context.Background(), c.RoomID(), "ghost")
	if !errors.Is(err, ErrReconnectionRejected) {
		t.Fatalf("expected ErrReconnectionRejected, got %v", err)
	}
	err = other.Reconnect(context.Background(), "NOPE", "ghost")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if other.Connected() {
		t.Fatal("rejected client should stay unconnected")
	}
}

func TestTransportUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	server.Close()

	c := newTestClient(t, url, NewMemoryStore())
	err := c.Connect(context.Background(), "lobby")
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	if err := c.Poll(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Send(protocol.Ping{Timestamp: 1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestHandshakeHonoursContextDeadline(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// never answers the join
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(server.Close)

	c := newTestClient(t, "ws"+strings.TrimPrefix(server.URL, "http"), NewMemoryStore())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.JoinOrCreate(ctx, "lobby", nil)
	if !errors.Is(err, ErrTransportUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected transport unavailable with deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("handshake should stop at the context deadline, took %v", elapsed)
	}
	if c.Connected() {
		t.Fatal("client should not be connected")
	}
}

func TestLeaveClearsStoreAndFreesSeat(t *testing.T) {
	m, url := newTestServer(t, 10*time.Second)
	ctx := context.Background()
	keep := newTestClient(t, url, NewMemoryStore())
	if err := keep.JoinOrCreate(ctx, "lobby", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	store := NewMemoryStore()
	c := newTestClient(t, url, store)
	if err := c.JoinOrCreate(ctx, "lobby", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	roomID, sessionID := c.RoomID(), c.SessionID()

	if err := c.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, ok := store.Get(KeyLastRoomID); ok {
		t.Fatal("leave should clear the stored room")
	}
	r, err := m.Get(roomID)
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		var present bool
		_ = r.Inspect(ctx, func(s *game.State) { present = s.Players.Has(sessionID) })
		if !present {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("consented leave should remove the player immediately")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDroppedClientEvictedForOthers(t *testing.T) {
	_, url := newTestServer(t, 50*time.Millisecond)
	ctx := context.Background()
	a := newTestClient(t, url, NewMemoryStore())
	b := newTestClient(t, url, NewMemoryStore())
	if err := a.JoinOrCreate(ctx, "lobby", nil); err != nil {
		t.Fatalf("join A: %v", err)
	}
	if err := b.JoinOrCreate(ctx, "lobby", nil); err != nil {
		t.Fatalf("join B: %v", err)
	}
	sid := a.SessionID()
	pollUntil(t, b, "A mirrored", func() bool { return b.State().Players.Has(sid) })

	var removed []string
	cancel := b.State().Transforms.OnRemove(func(id string, _ *game.Transform) { removed = append(removed, id) })
	defer cancel()
	_ = a.Close()

	pollUntil(t, b, "A evicted", func() bool { return !b.State().Players.Has(sid) })
	if len(removed) != 1 || removed[0] != game.PlayerTransformID(sid) {
		t.Fatalf("expected removal of A's transform, got %v", removed)
	}
	if err := a.Poll(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("closed client should report ErrNotConnected, got %v", err)
	}
}

func TestOnMessageCancel(t *testing.T) {
	_, url := newTestServer(t, time.Second)
	c := newTestClient(t, url, NewMemoryStore())
	if err := c.JoinOrCreate(context.Background(), "lobby", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	var pongs int
	cancel := c.OnMessage(protocol.TypePong, func(protocol.Envelope) { pongs++ })
	if err := c.Send(protocol.Ping{Timestamp: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	pollUntil(t, c, "pong", func() bool { return pongs == 1 })

	cancel()
	if err := c.Send(protocol.Ping{Timestamp: 2}); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	_ = c.Poll()
	if pongs != 1 {
		t.Fatalf("cancelled listener should not run, got %d calls", pongs)
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "client.json")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := s.Get(KeyLastRoomID); ok {
		t.Fatal("new store should be empty")
	}
	if err := s.Set(KeyLastRoomID, "ROOM1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(KeyLastSessionID, "abc"); err != nil {
		t.Fatalf("set: %v", err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if v, _ := reopened.Get(KeyLastRoomID); v != "ROOM1" {
		t.Fatalf("expected ROOM1, got %q", v)
	}
	if err := reopened.Delete(KeyLastRoomID, KeyLastSessionID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	again, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := again.Get(KeyLastSessionID); ok {
		t.Fatal("deleted key should stay deleted")
	}
}
