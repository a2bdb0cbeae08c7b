// Package room runs authoritative rooms. Each room owns a game.State and a
// single goroutine that executes every handler, timer callback and
// lifecycle event in order, so room state needs no locking.
package room

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiliankoe/roomsync/internal/game"
	"github.com/kiliankoe/roomsync/internal/protocol"
)

var (
	ErrDisposed             = errors.New("room disposed")
	ErrReconnectionRejected = errors.New("reconnection rejected")
)

// Client is one transport connection attached to a room.
type Client interface {
	SessionID() string
	Send(env protocol.Envelope) error
	Close(reason string) error
}

type Options struct {
	DisconnectionTimeout time.Duration
	SweepInterval        time.Duration
	PatchInterval        time.Duration
	AutoDispose          bool
	Now                  func() time.Time
}

func DefaultOptions() Options {
	return Options{
		DisconnectionTimeout: 10 * time.Second,
		SweepInterval:        2 * time.Second,
		PatchInterval:        50 * time.Millisecond,
		AutoDispose:          true,
		Now:                  time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DisconnectionTimeout <= 0 {
		o.DisconnectionTimeout = d.DisconnectionTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.PatchInterval <= 0 {
		o.PatchInterval = d.PatchInterval
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// reservation keeps a disconnected player's seat until it reconnects or
// the timer fires.
type reservation struct {
	sessionID string
	timer     *time.Timer
}

type handlerFunc func(c Client, msg protocol.Message) error

type Room struct {
	id        string
	name      string
	createdAt time.Time
	opts      Options
	log       zerolog.Logger

	state        *game.State
	clients      map[string]Client
	reservations map[string]*reservation
	handlers     map[string]handlerFunc
	roster       map[string]string

	inbox     chan func()
	done      chan struct{}
	disposed  atomic.Bool
	onDispose []func(*Room)
	clientCnt atomic.Int32

	sweepTicker *time.Ticker
	patchTicker *time.Ticker
}

// New creates a room and starts its loop.
func New(id, name string, opts Options, logger zerolog.Logger) *Room {
	opts = opts.withDefaults()
	r := &Room{
		id:           id,
		name:         name,
		createdAt:    opts.Now(),
		opts:         opts,
		log:          logger.With().Str("room", id).Str("name", name).Logger(),
		state:        game.NewState(),
		clients:      make(map[string]Client),
		reservations: make(map[string]*reservation),
		roster:       make(map[string]string),
		inbox:        make(chan func(), 256),
		done:         make(chan struct{}),
		sweepTicker:  time.NewTicker(opts.SweepInterval),
		patchTicker:  time.NewTicker(opts.PatchInterval),
	}
	r.handlers = map[string]handlerFunc{
		protocol.TypePing:                    r.onPing,
		protocol.TypeSetPlayerPing:           r.onSetPlayerPing,
		protocol.TypeSetPlayerReady:          r.onSetPlayerReady,
		protocol.TypeTransformMovementUpdate: r.onTransformMovementUpdate,
		protocol.TypeNewChatMessage:          r.onNewChatMessage,
		protocol.TypeLeave:                   r.onLeave,
	}
	r.log.Info().Msg("room created")
	go r.run()
	return r
}

func (r *Room) ID() string           { return r.id }
func (r *Room) Name() string         { return r.name }
func (r *Room) CreatedAt() time.Time { return r.createdAt }
func (r *Room) Disposed() bool       { return r.disposed.Load() }

// Clients reports the number of attached connections.
func (r *Room) Clients() int { return int(r.clientCnt.Load()) }

// State is the live room state. It may only be used on the room loop, as
// in dispose hooks; use Inspect everywhere else.
func (r *Room) State() *game.State { return r.state }

// Roster maps every session that joined the room to its display name,
// including players that have since left. Like State, it may only be used
// on the room loop.
func (r *Room) Roster() map[string]string { return r.roster }

// Done is closed once the room has been disposed.
func (r *Room) Done() <-chan struct{} { return r.done }

// OnDispose registers fn to run on the room loop during disposal.
func (r *Room) OnDispose(fn func(*Room)) {
	r.post(func() { r.onDispose = append(r.onDispose, fn) })
}

func (r *Room) run() {
	defer r.sweepTicker.Stop()
	defer r.patchTicker.Stop()
	for {
		select {
		case fn := <-r.inbox:
			fn()
		case <-r.sweepTicker.C:
			r.sweep()
		case <-r.patchTicker.C:
			r.broadcastPatches()
		case <-r.done:
			return
		}
	}
}

// post queues fn on the room loop without waiting for it.
func (r *Room) post(fn func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.inbox <- fn:
		return true
	case <-r.done:
		return false
	}
}

// exec runs fn on the room loop and waits for its result.
func (r *Room) exec(ctx context.Context, fn func() error) error {
	var err error
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		err = fn()
	}
	select {
	case <-r.done:
		return ErrDisposed
	default:
	}
	select {
	case r.inbox <- task:
	case <-r.done:
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once queued the task always runs, so its result is what counts.
	select {
	case <-finished:
		return err
	case <-r.done:
		select {
		case <-finished:
			return err
		default:
			return ErrDisposed
		}
	}
}

// Join adds the client's session as a new player and sends it the full
// state. A non-empty string "name" option overrides the display name.
func (r *Room) Join(ctx context.Context, c Client, options map[string]any) error {
	return r.exec(ctx, func() error {
		if r.disposed.Load() {
			return ErrDisposed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sid := c.SessionID()
		name := displayName(sid, options)
		if err := r.state.AddPlayer(sid, name); err != nil {
			return err
		}
		r.roster[sid] = name
		r.flushPatches()
		r.attach(c)
		r.log.Info().Str("session", sid).Int("clients", len(r.clients)).Msg("player joined")
		return nil
	})
}

// Reconnect reattaches a session whose seat is still reserved.
func (r *Room) Reconnect(ctx context.Context, sessionID string, c Client) error {
	return r.exec(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, ok := r.reservations[sessionID]
		if !ok {
			return ErrReconnectionRejected
		}
		res.timer.Stop()
		delete(r.reservations, sessionID)
		if err := r.state.MarkReconnected(sessionID); err != nil {
			return ErrReconnectionRejected
		}
		r.flushPatches()
		r.attach(c)
		r.log.Info().Str("session", sessionID).Msg("player reconnected")
		return nil
	})
}

// Leave reports that a client's connection is gone. Leaves from a
// connection that is no longer the session's current one are ignored.
func (r *Room) Leave(c Client, consented bool) {
	r.post(func() { r.handleLeave(c, consented) })
}

// Dispatch queues a decoded client message for its handler.
func (r *Room) Dispatch(c Client, msg protocol.Message) {
	r.post(func() { r.handle(c, msg) })
}

// SetStatus moves the room through its lifecycle.
func (r *Room) SetStatus(ctx context.Context, status game.Status) error {
	return r.exec(ctx, func() error {
		r.state.SetStatus(status)
		r.log.Info().Str("status", status.String()).Msg("status changed")
		return nil
	})
}

// Inspect runs fn against the live state on the room loop. fn must not
// keep references to the state.
func (r *Room) Inspect(ctx context.Context, fn func(s *game.State)) error {
	return r.exec(ctx, func() error {
		fn(r.state)
		return nil
	})
}

// Dispose stops the room: timers are released, clients closed, and the
// dispose hooks run. Disposing twice is a no-op.
func (r *Room) Dispose() {
	_ = r.exec(context.Background(), func() error {
		r.dispose()
		return nil
	})
}

func (r *Room) attach(c Client) {
	sid := c.SessionID()
	r.clients[sid] = c
	r.clientCnt.Store(int32(len(r.clients)))
	r.send(c, protocol.MustEnvelope(protocol.TypeJoinRoom, protocol.JoinRoom{RoomID: r.id, RoomName: r.name, SessionID: sid}))
	r.send(c, protocol.MustEnvelope(protocol.TypeRoomState, r.state.Snapshot()))
}

func (r *Room) detach(sid string) {
	delete(r.clients, sid)
	r.clientCnt.Store(int32(len(r.clients)))
}

func (r *Room) handleLeave(c Client, consented bool) {
	sid := c.SessionID()
	if cur, ok := r.clients[sid]; !ok || cur != c {
		return
	}
	r.detach(sid)
	if err := r.state.MarkDisconnected(sid, r.opts.Now().UnixMilli()); err != nil {
		r.log.Warn().Err(err).Str("session", sid).Msg("leave without player")
	}
	if consented {
		r.removePlayer(sid, "consented leave")
		r.maybeAutoDispose()
		return
	}
	r.allowReconnection(sid, r.opts.DisconnectionTimeout)
}

func (r *Room) allowReconnection(sid string, timeout time.Duration) {
	if old, ok := r.reservations[sid]; ok {
		old.timer.Stop()
	}
	res := &reservation{sessionID: sid}
	res.timer = time.AfterFunc(timeout, func() {
		r.post(func() { r.expire(res) })
	})
	r.reservations[sid] = res
	r.log.Info().Str("session", sid).Dur("timeout", timeout).Msg("waiting for reconnection")
}

func (r *Room) expire(res *reservation) {
	if r.reservations[res.sessionID] != res {
		return
	}
	delete(r.reservations, res.sessionID)
	r.removePlayer(res.sessionID, "reconnection timeout")
	r.maybeAutoDispose()
}

// sweep evicts players that have been disconnected for longer than the
// reconnection window, in case their reservation never fired.
func (r *Room) sweep() {
	now := r.opts.Now().UnixMilli()
	limit := r.opts.DisconnectionTimeout.Milliseconds()
	removed := false
	for sid, since := range r.state.DisconnectedSince() {
		if now-since <= limit {
			continue
		}
		if res, ok := r.reservations[sid]; ok {
			res.timer.Stop()
			delete(r.reservations, sid)
		}
		r.removePlayer(sid, "sweep")
		removed = true
	}
	if removed {
		r.maybeAutoDispose()
	}
}

func (r *Room) removePlayer(sid, reason string) {
	if r.state.RemovePlayer(sid) {
		r.log.Info().Str("session", sid).Str("reason", reason).Msg("player removed")
	}
}

func (r *Room) maybeAutoDispose() {
	if r.opts.AutoDispose && len(r.clients) == 0 && len(r.reservations) == 0 {
		r.dispose()
	}
}

func (r *Room) dispose() {
	if r.disposed.Swap(true) {
		return
	}
	for _, res := range r.reservations {
		res.timer.Stop()
	}
	r.reservations = map[string]*reservation{}
	for sid, c := range r.clients {
		if err := c.Close("room disposed"); err != nil {
			r.log.Debug().Err(err).Str("session", sid).Msg("close failed")
		}
	}
	r.clients = map[string]Client{}
	r.clientCnt.Store(0)
	r.sweepTicker.Stop()
	r.patchTicker.Stop()
	for _, fn := range r.onDispose {
		fn(r)
	}
	r.state.Close()
	close(r.done)
	r.log.Info().Msg("room disposed")
}

func (r *Room) handle(c Client, msg protocol.Message) {
	sid := c.SessionID()
	if cur, ok := r.clients[sid]; !ok || cur != c {
		r.log.Debug().Str("session", sid).Str("type", msg.Type()).Msg("message from detached client dropped")
		return
	}
	h, ok := r.handlers[msg.Type()]
	if !ok {
		r.log.Warn().Str("session", sid).Str("type", msg.Type()).Msg("no handler")
		return
	}
	if err := h(c, msg); err != nil {
		r.log.Warn().Err(err).Str("session", sid).Str("type", msg.Type()).Msg("message dropped")
	}
}

func (r *Room) flushPatches() {
	r.broadcastPatches()
}

func (r *Room) broadcastPatches() {
	if !r.state.PendingPatches() {
		return
	}
	patches, err := r.state.Patches()
	if err != nil {
		r.log.Error().Err(err).Msg("state encoding failed")
	}
	if len(patches) == 0 {
		return
	}
	env, err := protocol.NewEnvelope(protocol.TypeRoomPatch, patches)
	if err != nil {
		r.log.Error().Err(err).Msg("patch encoding failed")
		return
	}
	for _, c := range r.clients {
		r.send(c, env)
	}
}

func (r *Room) send(c Client, env protocol.Envelope) {
	if err := c.Send(env); err != nil {
		r.log.Debug().Err(err).Str("session", c.SessionID()).Str("type", env.Type).Msg("send failed")
	}
}

func displayName(sessionID string, options map[string]any) string {
	if name, ok := options["name"].(string); ok && name != "" {
		return name
	}
	short := sessionID
	if len(short) > 4 {
		short = short[:4]
	}
	return "Player " + short
}
