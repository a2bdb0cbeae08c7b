package room

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiliankoe/roomsync/internal/game"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrUnknownRoomName = errors.New("room name not defined")
	ErrManagerClosed   = errors.New("room manager closed")
)

// Summary is a read-only view of a room for listings.
type Summary struct {
	ID         string    `json:"roomId"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Clients    int       `json:"clients"`
	Players    int       `json:"players"`
	Transforms int       `json:"transforms"`
	Messages   int       `json:"chatMessages"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Manager struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	definitions map[string]Options
	hooks       []func(*Room)
	closed      bool
	log         zerolog.Logger
}

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		rooms:       make(map[string]*Room),
		definitions: make(map[string]Options),
		log:         logger,
	}
}

// Define registers a joinable room name with the options its rooms use.
func (m *Manager) Define(name string, opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[name] = opts
}

// OnDispose registers fn to run for every room the manager disposes.
func (m *Manager) OnDispose(fn func(*Room)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// JoinOrCreate joins the oldest live room with the given name, creating
// one when none exists.
func (m *Manager) JoinOrCreate(ctx context.Context, name string, c Client, options map[string]any) (*Room, error) {
	for attempt := 0; attempt < 2; attempt++ {
		r, err := m.findOrCreate(name)
		if err != nil {
			return nil, err
		}
		err = r.Join(ctx, c, options)
		if errors.Is(err, ErrDisposed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, ErrDisposed
}

// Reconnect reattaches a session to the room it was reserved in.
func (m *Manager) Reconnect(ctx context.Context, roomID, sessionID string, c Client) (*Room, error) {
	r, err := m.Get(roomID)
	if err != nil {
		return nil, err
	}
	if err := r.Reconnect(ctx, sessionID, c); err != nil {
		if errors.Is(err, ErrDisposed) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return r, nil
}

func (m *Manager) Get(id string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.rooms[id]
	if r == nil || r.Disposed() {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// Rooms lists live rooms, oldest first.
func (m *Manager) Rooms(ctx context.Context) []Summary {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].createdAt.Before(rooms[j].createdAt) })

	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		s, err := r.Summary(ctx)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Close disposes every room and rejects further joins.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()
	for _, r := range rooms {
		r.Dispose()
	}
}

func (m *Manager) findOrCreate(name string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	opts, ok := m.definitions[name]
	if !ok {
		return nil, ErrUnknownRoomName
	}
	var found *Room
	for _, r := range m.rooms {
		if r.name != name || r.Disposed() {
			continue
		}
		if found == nil || r.createdAt.Before(found.createdAt) {
			found = r
		}
	}
	if found != nil {
		return found, nil
	}

	id := randomCode(9)
	for m.rooms[id] != nil {
		id = randomCode(9)
	}
	r := New(id, name, opts, m.log)
	hooks := append([]func(*Room){}, m.hooks...)
	r.OnDispose(func(r *Room) {
		for _, fn := range hooks {
			fn(r)
		}
		m.remove(r.id)
	})
	m.rooms[id] = r
	return r, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, id)
}

// Summary reports the room's current counts.
func (r *Room) Summary(ctx context.Context) (Summary, error) {
	s := Summary{ID: r.id, Name: r.name, CreatedAt: r.createdAt}
	err := r.Inspect(ctx, func(st *game.State) {
		s.Status = st.Status.Get().String()
		s.Clients = len(r.clients)
		s.Players = st.Players.Len()
		s.Transforms = st.Transforms.Len()
		s.Messages = st.ChatMessages.Len()
	})
	return s, err
}

func randomCode(n int) string {
	letters := []rune("ABCDEFGHJKLMNPQRSTUVWXYZ23456789")
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
