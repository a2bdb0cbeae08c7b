// Package ws serves rooms over plain websockets carrying JSON envelopes.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kiliankoe/roomsync/internal/protocol"
	"github.com/kiliankoe/roomsync/internal/room"
)

const (
	writeWait      = 5 * time.Second
	joinTimeout    = 5 * time.Second
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

type Server struct {
	rooms *room.Manager
	lobby string
	log   zerolog.Logger
}

func New(rooms *room.Manager, lobby string, logger zerolog.Logger) *Server {
	return &Server{rooms: rooms, lobby: lobby, log: logger.With().Str("transport", "ws").Logger()}
}

// Mount serves the websocket endpoint at /ws.
func (srv *Server) Mount(r *gin.Engine) {
	r.GET("/ws", gin.WrapH(srv.Handler()))
}

// Handler upgrades the request and attaches the connection to a room.
// ?roomId=&sessionId= reconnects a reserved seat; otherwise ?room= (or the
// lobby) is joined or created. Remaining query values become join options.
func (srv *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			srv.log.Warn().Err(err).Msg("upgrade failed")
			return
		}
		ws.SetReadLimit(maxMessageSize)

		q := req.URL.Query()
		ctx, cancel := context.WithTimeout(req.Context(), joinTimeout)
		var (
			c  *conn
			rm *room.Room
		)
		if roomID, sid := q.Get("roomId"), q.Get("sessionId"); roomID != "" && sid != "" {
			c = newConn(ws, sid)
			rm, err = srv.rooms.Reconnect(ctx, roomID, sid, c)
		} else {
			name := q.Get("room")
			if name == "" {
				name = srv.lobby
			}
			options := map[string]any{}
			for k, v := range q {
				if k != "room" && len(v) > 0 {
					options[k] = v[0]
				}
			}
			c = newConn(ws, uuid.NewString())
			rm, err = srv.rooms.JoinOrCreate(ctx, name, c, options)
		}
		cancel()
		if err != nil {
			srv.reject(c, err)
			return
		}

		log := srv.log.With().Str("room", rm.ID()).Str("session", c.sessionID).Logger()
		log.Info().Str("remote", req.RemoteAddr).Msg("client attached")
		consented := srv.readLoop(c, rm, log)
		rm.Leave(c, consented)
		_ = c.Close("")
		log.Info().Bool("consented", consented).Msg("client detached")
	}
}

// readLoop dispatches client messages until the connection drops and
// reports whether the client closed it on purpose.
func (srv *Server) readLoop(c *conn, rm *room.Room, log zerolog.Logger) bool {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			return errors.As(err, &ce) && ce.Code == protocol.CloseConsented
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debug().Err(err).Msg("invalid envelope")
			continue
		}
		msg, err := protocol.Decode(env)
		if err != nil {
			log.Debug().Err(err).Str("type", env.Type).Msg("message rejected")
			continue
		}
		rm.Dispatch(c, msg)
	}
}

func (srv *Server) reject(c *conn, err error) {
	code := protocol.CodeJoinFailed
	switch {
	case errors.Is(err, room.ErrReconnectionRejected):
		code = protocol.CodeReconnectionRejected
	case errors.Is(err, room.ErrRoomNotFound), errors.Is(err, room.ErrUnknownRoomName):
		code = protocol.CodeRoomNotFound
	}
	srv.log.Info().Err(err).Str("session", c.sessionID).Str("code", code).Msg("client rejected")
	_ = c.Send(protocol.MustEnvelope(protocol.TypeError, protocol.Error{Code: code, Message: err.Error()}))
	_ = c.closeWith(websocket.ClosePolicyViolation, code)
}

// conn is a room.Client backed by a websocket.
type conn struct {
	ws        *websocket.Conn
	sessionID string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, sessionID string) *conn {
	return &conn{ws: ws, sessionID: sessionID}
}

func (c *conn) SessionID() string { return c.sessionID }

func (c *conn) Send(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

func (c *conn) Close(reason string) error {
	return c.closeWith(websocket.CloseNormalClosure, reason)
}

func (c *conn) closeWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = c.ws.Close()
	})
	return err
}
