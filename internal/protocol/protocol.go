// Package protocol defines the messages exchanged between a room and its
// clients. Every message travels in an Envelope; Decode validates the
// payload at the transport boundary so room handlers only ever see typed
// messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kiliankoe/roomsync/internal/pose"
)

// Client to server.
const (
	TypePing                    = "PING"
	TypeSetPlayerPing           = "SET_PLAYER_PING"
	TypeSetPlayerReady          = "SET_PLAYER_READY"
	TypeTransformMovementUpdate = "TRANSFORM_MOVEMENT_UPDATE"
	TypeNewChatMessage          = "NEW_CHAT_MESSAGE"
	TypeLeave                   = "LEAVE"
)

// Server to client.
const (
	TypePong      = "PONG"
	TypeJoinRoom  = "JOIN_ROOM"
	TypeRoomState = "ROOM_STATE"
	TypeRoomPatch = "ROOM_PATCH"
	TypeError     = "ERROR"
)

// Error codes carried by ERROR messages.
const (
	CodeReconnectionRejected = "reconnection_rejected"
	CodeRoomNotFound         = "room_not_found"
	CodeJoinFailed           = "join_failed"
	CodeBadRequest           = "bad_request"
)

// CloseConsented is the websocket close code a client sends when it leaves
// on purpose. Any other close starts the reconnection window.
const CloseConsented = 4000

var (
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrMalformedPayload = errors.New("malformed payload")
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Message interface {
	Type() string
}

type Ping struct{ Timestamp float64 }

type Pong struct{ Timestamp float64 }

type SetPlayerPing struct{ Millis int }

type SetPlayerReady struct{ Ready bool }

// TransformMovementUpdate carries an entity id and its encoded pose. Pose is
// filled in by Decode; Encode sends Encoded as is.
type TransformMovementUpdate struct {
	EntityID string
	Encoded  string
	Pose     pose.Pose
}

type NewChatMessage struct{ Text string }

type Leave struct{ Consented bool }

type JoinRoom struct {
	RoomID    string `json:"roomId"`
	RoomName  string `json:"roomName"`
	SessionID string `json:"sessionId"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Ping) Type() string                    { return TypePing }
func (Pong) Type() string                    { return TypePong }
func (SetPlayerPing) Type() string           { return TypeSetPlayerPing }
func (SetPlayerReady) Type() string          { return TypeSetPlayerReady }
func (TransformMovementUpdate) Type() string { return TypeTransformMovementUpdate }
func (NewChatMessage) Type() string          { return TypeNewChatMessage }
func (Leave) Type() string                   { return TypeLeave }
func (JoinRoom) Type() string                { return TypeJoinRoom }
func (Error) Type() string                   { return TypeError }

// Decode turns a client envelope into its typed message.
func Decode(env Envelope) (Message, error) {
	switch env.Type {
	case TypePing:
		ts, err := decodeNumber(env.Payload)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return Ping{Timestamp: ts}, nil
	case TypeSetPlayerPing:
		ms, err := decodeInt(env.Payload)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return SetPlayerPing{Millis: ms}, nil
	case TypeSetPlayerReady:
		return SetPlayerReady{Ready: truthy(env.Payload)}, nil
	case TypeTransformMovementUpdate:
		var pair []string
		if err := json.Unmarshal(env.Payload, &pair); err != nil {
			return nil, malformed(env.Type, err)
		}
		if len(pair) < 2 || pair[0] == "" {
			return nil, malformed(env.Type, errors.New("expected [entityId, pose]"))
		}
		p, err := pose.Decode(pair[1])
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return TransformMovementUpdate{EntityID: pair[0], Encoded: pair[1], Pose: p}, nil
	case TypeNewChatMessage:
		var text string
		if err := json.Unmarshal(env.Payload, &text); err != nil {
			return nil, malformed(env.Type, err)
		}
		return NewChatMessage{Text: text}, nil
	case TypeLeave:
		return Leave{Consented: len(env.Payload) == 0 || truthy(env.Payload)}, nil
	case TypePong:
		ts, err := decodeNumber(env.Payload)
		if err != nil {
			return nil, malformed(env.Type, err)
		}
		return Pong{Timestamp: ts}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
}

// Encode wraps a message into an envelope using the wire payload shapes.
func Encode(m Message) (Envelope, error) {
	var payload any
	switch msg := m.(type) {
	case Ping:
		payload = msg.Timestamp
	case Pong:
		payload = msg.Timestamp
	case SetPlayerPing:
		payload = msg.Millis
	case SetPlayerReady:
		payload = msg.Ready
	case TransformMovementUpdate:
		encoded := msg.Encoded
		if encoded == "" {
			encoded = pose.Encode(msg.Pose, pose.DefaultPrecision)
		}
		payload = [2]string{msg.EntityID, encoded}
	case NewChatMessage:
		payload = msg.Text
	case Leave:
		payload = msg.Consented
	case JoinRoom, Error:
		payload = msg
	default:
		return Envelope{}, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	return NewEnvelope(m.Type(), payload)
}

// NewEnvelope marshals payload under the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: data}, nil
}

// MustEncode is Encode for messages known to the protocol.
func MustEncode(m Message) Envelope {
	env, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return env
}

// MustEnvelope is NewEnvelope for payloads that always marshal.
func MustEnvelope(typ string, payload any) Envelope {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func malformed(typ string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, typ, err)
}

func decodeNumber(raw json.RawMessage) (float64, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// decodeInt accepts numbers and numeric strings, truncating toward zero
// and ignoring trailing garbage the way parseInt does.
func decodeInt(raw json.RawMessage) (int, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, errors.New("not finite")
		}
		return int(t), nil
	case string:
		s := strings.TrimSpace(t)
		end := 0
		for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && (s[end] == '-' || s[end] == '+')) {
			end++
		}
		n, err := strconv.Atoi(s[:end])
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", t)
		}
		return n, nil
	}
	return 0, fmt.Errorf("not an integer: %s", raw)
}

// truthy coerces any JSON value to a boolean.
func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != "" && t != "false" && t != "0"
	case nil:
		return false
	}
	return true
}
