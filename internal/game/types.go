package game

import (
	"github.com/kiliankoe/roomsync/internal/pose"
)

type Status uint8

const (
	StatusPending Status = iota
	StatusStarted
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusStarted:
		return "STARTED"
	case StatusEnded:
		return "ENDED"
	}
	return "UNKNOWN"
}

// TransformTypePlayer tags the transform spawned for every joined player.
const TransformTypePlayer = "player"

// TransformTypeDynamic tags entities a client starts moving without
// declaring them first.
const TransformTypeDynamic = "dynamic"

// DefaultParameters is the empty per-type payload.
const DefaultParameters = "{}"

// PingUnknown is the ping of a player that has not reported one yet.
const PingUnknown = -1

type Player struct {
	SessionID         string `json:"sessionId"`
	Name              string `json:"name"`
	Connected         bool   `json:"connected"`
	DisconnectedSince int64  `json:"disconnectedSince"` // epoch millis, 0 while connected
	Ready             bool   `json:"ready"`
	Ping              int    `json:"ping"`
}

func NewPlayer(sessionID, name string) *Player {
	return &Player{SessionID: sessionID, Name: name, Connected: true, Ping: PingUnknown}
}

type Transform struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"sessionId"`
	Type       string       `json:"type"`
	Parameters string       `json:"parameters"`
	Position   pose.Vector3 `json:"position"`
	Rotation   pose.Vector3 `json:"rotation"`
}

func (t *Transform) Pose() pose.Pose {
	return pose.Pose{Position: t.Position, Rotation: t.Rotation}
}

type ChatMessage struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// PlayerTransformID is the id of the transform a player owns.
func PlayerTransformID(sessionID string) string {
	return "player_" + sessionID
}

// Snapshot is the full room state as sent to a mirror on join and resync.
type Snapshot struct {
	Status       Status                `json:"status"`
	Players      map[string]*Player    `json:"players"`
	Transforms   map[string]*Transform `json:"transforms"`
	ChatMessages []ChatMessage         `json:"chatMessages"`
}

// Collection paths used in replication patches.
const (
	PathStatus       = "status"
	PathPlayers      = "players"
	PathTransforms   = "transforms"
	PathChatMessages = "chatMessages"
)
