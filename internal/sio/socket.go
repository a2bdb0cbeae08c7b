// Package sio serves rooms to browser clients over Socket.IO. Every
// protocol message travels as an event named after its type.
package sio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kiliankoe/roomsync/internal/protocol"
	"github.com/kiliankoe/roomsync/internal/room"
)

const (
	EventJoin      = "room:join"
	EventReconnect = "room:reconnect"
	EventError     = "error"

	joinTimeout = 5 * time.Second
)

// clientEvents are the protocol messages a socket may emit once attached.
var clientEvents = []string{
	protocol.TypePing,
	protocol.TypeSetPlayerPing,
	protocol.TypeSetPlayerReady,
	protocol.TypeTransformMovementUpdate,
	protocol.TypeNewChatMessage,
	protocol.TypeLeave,
}

type ConnCtx struct {
	RoomID    string
	SessionID string

	room   *room.Room
	client *client
}

type Server struct {
	rooms *room.Manager
	lobby string
	log   zerolog.Logger
}

func New(rooms *room.Manager, lobby string, logger zerolog.Logger) *Server {
	return &Server{rooms: rooms, lobby: lobby, log: logger.With().Str("transport", "socket.io").Logger()}
}

// Mount attaches Socket.IO server with handlers to the given Gin engine.
func (srv *Server) Mount(r *gin.Engine) *socketio.Server {
	io := socketio.NewServer(nil)

	io.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(&ConnCtx{})
		srv.log.Info().Str("sid", s.ID()).Msg("socket connected")
		return nil
	})
	io.OnEvent("/", EventJoin, srv.join)
	io.OnEvent("/", EventReconnect, srv.reconnect)
	for _, typ := range clientEvents {
		io.OnEvent("/", typ, srv.message(typ))
	}
	io.OnError("/", func(s socketio.Conn, e error) {
		srv.log.Error().Str("sid", s.ID()).Err(e).Msg("socket error")
	})
	io.OnDisconnect("/", srv.disconnect)

	go func() {
		if err := io.Serve(); err != nil {
			srv.log.Error().Err(err).Msg("socket.io serve failed")
		}
	}()

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	// Basic CORS preflight for Socket.IO POST
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

type joinRequest struct {
	Room    string         `json:"room"`
	Options map[string]any `json:"options"`
}

type reconnectRequest struct {
	RoomID    string `json:"roomId"`
	SessionID string `json:"sessionId"`
}

// join attaches the socket to the named room, creating it when needed.
func (srv *Server) join(s socketio.Conn, payload joinRequest) map[string]any {
	if ctx := connCtx(s); ctx.room != nil {
		return srv.err(s, protocol.CodeBadRequest, "already in a room")
	}
	name := payload.Room
	if name == "" {
		name = srv.lobby
	}
	c := &client{conn: s, sessionID: uuid.NewString()}
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	rm, err := srv.rooms.JoinOrCreate(ctx, name, c, payload.Options)
	if err != nil {
		return srv.reject(s, err)
	}
	srv.attach(s, rm, c)
	srv.log.Info().Str("sid", s.ID()).Str("room", rm.ID()).Str("session", c.sessionID).Msg(EventJoin)
	return map[string]any{"roomId": rm.ID(), "sessionId": c.sessionID}
}

// reconnect reclaims a reserved seat.
func (srv *Server) reconnect(s socketio.Conn, payload reconnectRequest) map[string]any {
	if ctx := connCtx(s); ctx.room != nil {
		return srv.err(s, protocol.CodeBadRequest, "already in a room")
	}
	c := &client{conn: s, sessionID: payload.SessionID}
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	rm, err := srv.rooms.Reconnect(ctx, payload.RoomID, payload.SessionID, c)
	if err != nil {
		return srv.reject(s, err)
	}
	srv.attach(s, rm, c)
	srv.log.Info().Str("sid", s.ID()).Str("room", rm.ID()).Str("session", c.sessionID).Msg(EventReconnect)
	return map[string]any{"roomId": rm.ID(), "sessionId": c.sessionID}
}

func (srv *Server) message(typ string) func(s socketio.Conn, payload json.RawMessage) {
	return func(s socketio.Conn, payload json.RawMessage) {
		ctx := connCtx(s)
		if ctx.room == nil {
			srv.err(s, protocol.CodeBadRequest, "join a room first")
			return
		}
		msg, err := protocol.Decode(protocol.Envelope{Type: typ, Payload: payload})
		if err != nil {
			srv.log.Debug().Err(err).Str("sid", s.ID()).Str("type", typ).Msg("message rejected")
			return
		}
		ctx.room.Dispatch(ctx.client, msg)
	}
}

// disconnect hands the dropped socket to its room. A client that
// disconnects its namespace itself has left on purpose.
func (srv *Server) disconnect(s socketio.Conn, reason string) {
	ctx := connCtx(s)
	if ctx.room != nil {
		ctx.room.Leave(ctx.client, reason == "client namespace disconnect")
	}
	srv.log.Info().Str("sid", s.ID()).Str("session", ctx.SessionID).Str("reason", reason).Msg("socket disconnected")
}

func (srv *Server) attach(s socketio.Conn, rm *room.Room, c *client) {
	s.SetContext(&ConnCtx{RoomID: rm.ID(), SessionID: c.sessionID, room: rm, client: c})
	s.Join(rm.ID())
}

func (srv *Server) reject(s socketio.Conn, err error) map[string]any {
	switch {
	case errors.Is(err, room.ErrReconnectionRejected):
		return srv.err(s, protocol.CodeReconnectionRejected, err.Error())
	case errors.Is(err, room.ErrRoomNotFound), errors.Is(err, room.ErrUnknownRoomName):
		return srv.err(s, protocol.CodeRoomNotFound, err.Error())
	}
	return srv.err(s, protocol.CodeJoinFailed, err.Error())
}

func (srv *Server) err(s socketio.Conn, code, message string) map[string]any {
	s.Emit(EventError, protocol.Error{Code: code, Message: message})
	return map[string]any{"error": message, "code": code}
}

func connCtx(s socketio.Conn) *ConnCtx {
	if ctx, ok := s.Context().(*ConnCtx); ok {
		return ctx
	}
	return &ConnCtx{}
}

// client is a room.Client backed by a socket.
type client struct {
	conn      socketio.Conn
	sessionID string
	mu        sync.Mutex
}

func (c *client) SessionID() string { return c.sessionID }

func (c *client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(env.Payload) == 0 {
		c.conn.Emit(env.Type)
		return nil
	}
	c.conn.Emit(env.Type, env.Payload)
	return nil
}

func (c *client) Close(reason string) error {
	return c.conn.Close()
}
