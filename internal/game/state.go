package game

import (
	"errors"
	"math/rand"

	"github.com/kiliankoe/roomsync/internal/pose"
	"github.com/kiliankoe/roomsync/internal/replication"
)

var (
	ErrDuplicateSession = errors.New("session already in room")
	ErrNotFound         = errors.New("not found")
)

// spawnGridSize bounds the integer X and Z of a player's spawn cell.
const spawnGridSize = 10

// State is the authoritative room state. All mutation goes through its
// methods; every mutation is recorded as a replication patch.
type State struct {
	Status       *replication.Value[Status]
	Players      *replication.Map[*Player]
	Transforms   *replication.Map[*Transform]
	ChatMessages *replication.List[ChatMessage]

	encoder *replication.Encoder
	intn    func(n int) int
}

func NewState() *State {
	s := &State{
		Status:       replication.NewValue(StatusPending),
		Players:      replication.NewMap[*Player](),
		Transforms:   replication.NewMap[*Transform](),
		ChatMessages: replication.NewList[ChatMessage](),
		encoder:      replication.NewEncoder(),
		intn:         rand.Intn,
	}
	replication.TrackValue(s.encoder, PathStatus, s.Status)
	replication.TrackMap(s.encoder, PathPlayers, s.Players)
	replication.TrackMap(s.encoder, PathTransforms, s.Transforms)
	replication.TrackList(s.encoder, PathChatMessages, s.ChatMessages)
	return s
}

// SetRand replaces the spawn cell source, mainly for tests.
func (s *State) SetRand(intn func(n int) int) { s.intn = intn }

func (s *State) SetStatus(status Status) { s.Status.Set(status) }

func (s *State) Player(sessionID string) (*Player, bool) { return s.Players.Get(sessionID) }

func (s *State) Transform(id string) (*Transform, bool) { return s.Transforms.Get(id) }

// AddPlayer registers a player and spawns its transform on a random cell
// of the spawn grid.
func (s *State) AddPlayer(sessionID, name string) error {
	if s.Players.Has(sessionID) {
		return ErrDuplicateSession
	}
	s.Players.Set(sessionID, NewPlayer(sessionID, name))

	spawn := pose.Pose{
		Position: pose.Vector3{X: float64(s.intn(spawnGridSize)), Y: 0, Z: float64(s.intn(spawnGridSize))},
	}
	s.AddTransform(PlayerTransformID(sessionID), sessionID, spawn, TransformTypePlayer, DefaultParameters)
	return nil
}

// RemovePlayer deletes every transform owned by the session and then the
// player itself. Removing an absent player is a no-op.
func (s *State) RemovePlayer(sessionID string) bool {
	if !s.Players.Has(sessionID) {
		return false
	}
	s.Transforms.Range(func(id string, t *Transform) bool {
		if t.SessionID == sessionID {
			s.Transforms.Delete(id)
		}
		return true
	})
	s.Players.Delete(sessionID)
	return true
}

func (s *State) SetPlayerPing(sessionID string, ping int) error {
	if !s.Players.Update(sessionID, func(p *Player) { p.Ping = ping }) {
		return ErrNotFound
	}
	return nil
}

func (s *State) SetPlayerReady(sessionID string, ready bool) error {
	if !s.Players.Update(sessionID, func(p *Player) { p.Ready = ready }) {
		return ErrNotFound
	}
	return nil
}

// MarkDisconnected flags the player as gone since nowMillis.
func (s *State) MarkDisconnected(sessionID string, nowMillis int64) error {
	ok := s.Players.Update(sessionID, func(p *Player) {
		p.Connected = false
		p.DisconnectedSince = nowMillis
	})
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *State) MarkReconnected(sessionID string) error {
	ok := s.Players.Update(sessionID, func(p *Player) {
		p.Connected = true
		p.DisconnectedSince = 0
	})
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DisconnectedSince lists every disconnected player with the time it left.
func (s *State) DisconnectedSince() map[string]int64 {
	out := make(map[string]int64)
	s.Players.Range(func(id string, p *Player) bool {
		if p.DisconnectedSince != 0 {
			out[id] = p.DisconnectedSince
		}
		return true
	})
	return out
}

// AddTransform creates or replaces the transform with the given id.
func (s *State) AddTransform(id, sessionID string, p pose.Pose, typ, parameters string) {
	if parameters == "" {
		parameters = DefaultParameters
	}
	s.Transforms.Set(id, &Transform{
		ID:         id,
		SessionID:  sessionID,
		Type:       typ,
		Parameters: parameters,
		Position:   p.Position,
		Rotation:   p.Rotation,
	})
}

// SetTransform overwrites position and rotation of an existing transform
// in place.
func (s *State) SetTransform(id string, p pose.Pose) error {
	ok := s.Transforms.Update(id, func(t *Transform) {
		t.Position = p.Position
		t.Rotation = p.Rotation
	})
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *State) RemoveTransform(id string) { s.Transforms.Delete(id) }

func (s *State) AddChatMessage(text, sessionID string) {
	s.ChatMessages.Append(ChatMessage{SessionID: sessionID, Text: text})
}

// Snapshot copies the whole state for a full resync.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Status:       s.Status.Get(),
		Players:      make(map[string]*Player, s.Players.Len()),
		Transforms:   make(map[string]*Transform, s.Transforms.Len()),
		ChatMessages: s.ChatMessages.Items(),
	}
	if snap.ChatMessages == nil {
		snap.ChatMessages = []ChatMessage{}
	}
	s.Players.Range(func(id string, p *Player) bool {
		cp := *p
		snap.Players[id] = &cp
		return true
	})
	s.Transforms.Range(func(id string, t *Transform) bool {
		cp := *t
		snap.Transforms[id] = &cp
		return true
	})
	return snap
}

// Patches drains the diffs recorded since the last call.
func (s *State) Patches() ([]replication.Patch, error) {
	return s.encoder.Drain(), s.encoder.Err()
}

// PendingPatches reports whether there are undelivered diffs.
func (s *State) PendingPatches() bool { return s.encoder.Pending() > 0 }

// Close detaches the diff encoder.
func (s *State) Close() { s.encoder.Close() }
