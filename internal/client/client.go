// Package client connects to a room over websockets and keeps a local
// mirror of its state. Network receipt happens on a background goroutine;
// the mirror only changes inside Poll, on the caller's tick.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kiliankoe/roomsync/internal/game"
	"github.com/kiliankoe/roomsync/internal/protocol"
	"github.com/kiliankoe/roomsync/internal/replication"
)

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrReconnectionRejected = errors.New("reconnection rejected")
	ErrRoomNotFound         = errors.New("room not found")
	ErrJoinFailed           = errors.New("join failed")
	ErrNotConnected         = errors.New("not connected")
	ErrAlreadyConnected     = errors.New("already connected")
)

const (
	handshakeTimeout = 5 * time.Second
	writeWait        = 5 * time.Second
	inboxSize        = 1024
)

type Options struct {
	// URL of the server's websocket endpoint, e.g. ws://localhost:1248/ws.
	URL    string
	Lobby  string
	Store  Store
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

type Client struct {
	opts   Options
	log    zerolog.Logger
	mirror *game.Mirror

	mu        sync.Mutex
	conn      *websocket.Conn
	roomID    string
	roomName  string
	sessionID string
	inbox     chan protocol.Envelope
	done      chan struct{}
	quit      chan struct{}
	readErr   error

	writeMu sync.Mutex

	listenMu  sync.Mutex
	listeners map[string]map[int]func(protocol.Envelope)
	nextID    int
}

func New(opts Options) *Client {
	if opts.Lobby == "" {
		opts.Lobby = "lobby"
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:      opts,
		log:       opts.Logger,
		mirror:    game.NewMirror(),
		listeners: make(map[string]map[int]func(protocol.Envelope)),
	}
}

// State is the local mirror of the room. It survives reconnects and is
// reconciled with every new snapshot.
func (c *Client) State() *game.Mirror { return c.mirror }

func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Connect restores the remembered session if there is one and otherwise,
// or when that fails, joins roomName once.
func (c *Client) Connect(ctx context.Context, roomName string) error {
	roomID, okRoom := c.opts.Store.Get(KeyLastRoomID)
	sessionID, okSession := c.opts.Store.Get(KeyLastSessionID)
	if okRoom && okSession && roomID != "" && sessionID != "" {
		err := c.Reconnect(ctx, roomID, sessionID)
		if err == nil {
			return nil
		}
		c.log.Info().Err(err).Str("room", roomID).Str("session", sessionID).Msg("reconnect failed, joining instead")
	}
	if roomName == "" {
		roomName = c.opts.Lobby
	}
	return c.JoinOrCreate(ctx, roomName, nil)
}

// JoinOrCreate joins the named room. Options are passed to the server
// untouched.
func (c *Client) JoinOrCreate(ctx context.Context, roomName string, options map[string]string) error {
	q := url.Values{}
	for k, v := range options {
		q.Set(k, v)
	}
	q.Set("room", roomName)
	return c.dial(ctx, q)
}

// Reconnect reclaims a seat the server is still holding.
func (c *Client) Reconnect(ctx context.Context, roomID, sessionID string) error {
	q := url.Values{}
	q.Set("roomId", roomID)
	q.Set("sessionId", sessionID)
	return c.dial(ctx, q)
}

func (c *Client) dial(ctx context.Context, q url.Values) error {
	if c.Connected() {
		return ErrAlreadyConnected
	}
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	u.RawQuery = q.Encode()

	conn, _, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	joined, err := handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	if err := c.opts.Store.Set(KeyLastRoomID, joined.RoomID); err != nil {
		c.log.Warn().Err(err).Msg("store room id failed")
	}
	if err := c.opts.Store.Set(KeyLastSessionID, joined.SessionID); err != nil {
		c.log.Warn().Err(err).Msg("store session id failed")
	}

	inbox := make(chan protocol.Envelope, inboxSize)
	done := make(chan struct{})
	quit := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.roomID = joined.RoomID
	c.roomName = joined.RoomName
	c.sessionID = joined.SessionID
	c.inbox = inbox
	c.done = done
	c.quit = quit
	c.readErr = nil
	c.mu.Unlock()

	c.log.Info().Str("room", joined.RoomID).Str("session", joined.SessionID).Msg("joined")
	go c.readLoop(conn, inbox, done, quit)
	return nil
}

// handshake waits for JOIN_ROOM or an ERROR refusing the connection. It
// gives up at ctx's deadline or on cancellation, and after
// handshakeTimeout otherwise.
func handshake(ctx context.Context, conn *websocket.Conn) (protocol.JoinRoom, error) {
	deadline := time.Now().Add(handshakeTimeout)
	ctxDeadline, hasDeadline := ctx.Deadline()
	if hasDeadline && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })

	var env protocol.Envelope
	err := conn.ReadJSON(&env)
	if !stop() {
		return protocol.JoinRoom{}, fmt.Errorf("%w: %w", ErrTransportUnavailable, ctx.Err())
	}
	if err != nil {
		if hasDeadline && !time.Now().Before(ctxDeadline) {
			return protocol.JoinRoom{}, fmt.Errorf("%w: %w", ErrTransportUnavailable, context.DeadlineExceeded)
		}
		return protocol.JoinRoom{}, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	switch env.Type {
	case protocol.TypeJoinRoom:
		var jr protocol.JoinRoom
		if err := json.Unmarshal(env.Payload, &jr); err != nil {
			return jr, fmt.Errorf("%w: %v", ErrJoinFailed, err)
		}
		return jr, nil
	case protocol.TypeError:
		var e protocol.Error
		_ = json.Unmarshal(env.Payload, &e)
		switch e.Code {
		case protocol.CodeReconnectionRejected:
			return protocol.JoinRoom{}, fmt.Errorf("%w: %s", ErrReconnectionRejected, e.Message)
		case protocol.CodeRoomNotFound:
			return protocol.JoinRoom{}, fmt.Errorf("%w: %s", ErrRoomNotFound, e.Message)
		}
		return protocol.JoinRoom{}, fmt.Errorf("%w: %s", ErrJoinFailed, e.Message)
	}
	return protocol.JoinRoom{}, fmt.Errorf("%w: unexpected %s", ErrJoinFailed, env.Type)
}

func (c *Client) readLoop(conn *websocket.Conn, inbox chan<- protocol.Envelope, done, quit chan struct{}) {
	defer close(done)
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.readErr = err
			}
			c.mu.Unlock()
			return
		}
		select {
		case inbox <- env:
		case <-quit:
			return
		}
	}
}

// Poll merges everything received since the last call into the mirror and
// runs message listeners. It never blocks. It returns ErrNotConnected once
// the connection is gone and its queue drained.
func (c *Client) Poll() error {
	c.mu.Lock()
	inbox, done := c.inbox, c.done
	c.mu.Unlock()
	if inbox == nil {
		return ErrNotConnected
	}
	for {
		select {
		case env := <-inbox:
			c.apply(env)
			continue
		default:
		}
		select {
		case <-done:
			if len(inbox) > 0 {
				continue
			}
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrNotConnected, err)
			}
			return ErrNotConnected
		default:
			return nil
		}
	}
}

func (c *Client) apply(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRoomState:
		var snap game.Snapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			c.log.Warn().Err(err).Msg("invalid room state")
			break
		}
		c.mirror.Load(snap)
	case protocol.TypeRoomPatch:
		var patches []replication.Patch
		if err := json.Unmarshal(env.Payload, &patches); err != nil {
			c.log.Warn().Err(err).Msg("invalid room patch")
			break
		}
		if err := c.mirror.Apply(patches); err != nil {
			c.log.Warn().Err(err).Msg("patch did not apply cleanly")
		}
	case protocol.TypeError:
		c.log.Warn().RawJSON("error", env.Payload).Msg("server error")
	}
	c.listenMu.Lock()
	fns := make([]func(protocol.Envelope), 0, len(c.listeners[env.Type]))
	for _, fn := range c.listeners[env.Type] {
		fns = append(fns, fn)
	}
	c.listenMu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

// OnMessage registers fn for every received envelope of the given type.
func (c *Client) OnMessage(typ string, fn func(protocol.Envelope)) (cancel func()) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	id := c.nextID
	c.nextID++
	if c.listeners[typ] == nil {
		c.listeners[typ] = make(map[int]func(protocol.Envelope))
	}
	c.listeners[typ][id] = fn
	return func() {
		c.listenMu.Lock()
		defer c.listenMu.Unlock()
		delete(c.listeners[typ], id)
	}
}

// Send writes one message to the room.
func (c *Client) Send(m protocol.Message) error {
	env, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

// Leave closes the connection on purpose and forgets the room, so the
// server frees the seat at once.
func (c *Client) Leave() error {
	if err := c.opts.Store.Delete(KeyLastRoomID, KeyLastSessionID); err != nil {
		c.log.Warn().Err(err).Msg("clear store failed")
	}
	return c.shutdown(websocket.FormatCloseMessage(protocol.CloseConsented, "leave"))
}

// Close drops the connection without consent. The server keeps the seat
// for its reconnection window and the stored identity stays.
func (c *Client) Close() error {
	return c.shutdown(nil)
}

func (c *Client) shutdown(closeMsg []byte) error {
	c.mu.Lock()
	conn, done, quit := c.conn, c.done, c.quit
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	close(quit)
	if closeMsg != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		c.writeMu.Unlock()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
	err := conn.Close()
	<-done
	return err
}
