package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kiliankoe/roomsync/internal/protocol"
	"github.com/kiliankoe/roomsync/internal/room"
)

type nopClient struct{ id string }

func (c nopClient) SessionID() string            { return c.id }
func (c nopClient) Send(protocol.Envelope) error { return nil }
func (c nopClient) Close(string) error           { return nil }

func setup(t *testing.T, user, pass string) (*gin.Engine, *room.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := room.NewManager(zerolog.Nop())
	m.Define("lobby", room.Options{SweepInterval: time.Hour})
	t.Cleanup(m.Close)
	r := gin.New()
	New(m).Mount(r, user, pass)
	return r, m
}

func TestHealth(t *testing.T) {
	r, _ := setup(t, "", "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok=true, got %v", body)
	}
}

func TestListAndGetRooms(t *testing.T) {
	r, m := setup(t, "", "")
	rm, err := m.JoinOrCreate(context.Background(), "lobby", nopClient{id: "abcdef"}, nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Rooms []room.Summary `json:"rooms"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Rooms) != 1 || list.Rooms[0].ID != rm.ID() || list.Rooms[0].Players != 1 {
		t.Fatalf("unexpected rooms: %+v", list.Rooms)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms/"+rm.ID(), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var detail roomDetail
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.State.Players["abcdef"] == nil {
		t.Fatalf("player missing from detail: %+v", detail.State)
	}
	if detail.State.Transforms["player_abcdef"] == nil {
		t.Fatalf("spawn transform missing from detail: %+v", detail.State)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms/NOPE", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestMonitorBasicAuth(t *testing.T) {
	r, _ := setup(t, "admin", "secret")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.SetBasicAuth("admin", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/monitor", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("monitor page should need auth, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health should stay public, got %d", w.Code)
	}
}

func TestMonitorPage(t *testing.T) {
	r, _ := setup(t, "", "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/monitor", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "roomsync monitor") {
		t.Fatalf("unexpected page: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/monitor/monitor.js", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/api/rooms") {
		t.Fatal("script should poll the rooms api")
	}
}
