package world

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiliankoe/roomsync/internal/client"
	"github.com/kiliankoe/roomsync/internal/game"
	"github.com/kiliankoe/roomsync/internal/interp"
	"github.com/kiliankoe/roomsync/internal/protocol"
)

// Network is the connection a NetworkWorld replicates through.
type Network interface {
	Connect(ctx context.Context, room string) error
	Poll() error
	Send(m protocol.Message) error
	State() *game.Mirror
	SessionID() string
	OnMessage(typ string, fn func(protocol.Envelope)) (cancel func())
	Close() error
}

type Config struct {
	Room            string
	Interpolator    interp.Interpolator
	UpdateFrequency time.Duration
	PingInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Room:            "lobby",
		Interpolator:    interp.DefaultInterpolator(),
		UpdateFrequency: interp.DefaultUpdateFrequency,
		PingInterval:    interp.DefaultPingInterval,
	}
}

// NetworkWorld mirrors the room's transforms as entities. The player's own
// transform is handed to the controller and replicated back; every other
// transform is interpolated toward the server's pose.
type NetworkWorld struct {
	net        Network
	controller Controllable
	cfg        Config
	log        zerolog.Logger

	entities   map[string]*interp.Entity
	own        *interp.Entity
	replicator *interp.Replicator
	pinger     *interp.Pinger
	cancels    []func()
	connected  bool
	tick       time.Time
}

func NewNetworkWorld(net Network, controller Controllable, cfg Config, logger zerolog.Logger) *NetworkWorld {
	return &NetworkWorld{
		net:        net,
		controller: controller,
		cfg:        cfg,
		log:        logger,
		entities:   make(map[string]*interp.Entity),
	}
}

// Load connects and subscribes to the mirror. Entities already mirrored
// are stamped with now. On failure the world stays empty and the error is
// returned.
func (w *NetworkWorld) Load(ctx context.Context, now time.Time) error {
	if err := w.net.Connect(ctx, w.cfg.Room); err != nil {
		return err
	}
	w.connected = true
	w.tick = now
	w.pinger = interp.NewPinger(w.net, w.cfg.PingInterval)

	transforms := w.net.State().Transforms
	w.cancels = append(w.cancels,
		transforms.OnAdd(w.onTransformAdd),
		transforms.OnChange(w.onTransformChange),
		transforms.OnRemove(w.onTransformRemove),
		w.net.OnMessage(protocol.TypePong, w.onPong),
	)
	// entities already mirrored before subscribing
	transforms.Range(func(id string, t *game.Transform) bool {
		w.onTransformAdd(id, t)
		return true
	})
	w.log.Info().Str("session", w.net.SessionID()).Msg("world loaded")
	return nil
}

// Update polls the network, interpolates remote entities and replicates
// the possessed one.
func (w *NetworkWorld) Update(now time.Time) error {
	if !w.connected {
		return nil
	}
	w.tick = now
	if err := w.net.Poll(); err != nil {
		if errors.Is(err, client.ErrNotConnected) {
			w.log.Warn().Err(err).Msg("connection lost")
			w.connected = false
			return nil
		}
		return err
	}
	for _, e := range w.entities {
		w.cfg.Interpolator.Step(e, now)
	}
	if w.own != nil && w.replicator != nil {
		if _, err := w.replicator.Tick(w.own.Pose(), now); err != nil {
			return err
		}
	}
	return w.pinger.Tick(now)
}

// Entities lists the world's entities ordered by id.
func (w *NetworkWorld) Entities() []*interp.Entity {
	out := make([]*interp.Entity, 0, len(w.entities))
	for _, e := range w.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Own is the possessed entity, if any.
func (w *NetworkWorld) Own() *interp.Entity { return w.own }

func (w *NetworkWorld) Connected() bool { return w.connected }

// Dispose drops every subscription and closes the connection.
func (w *NetworkWorld) Dispose() {
	for _, cancel := range w.cancels {
		cancel()
	}
	w.cancels = nil
	if w.controller != nil && w.own != nil {
		w.controller.Possess(nil)
	}
	w.own = nil
	w.replicator = nil
	w.entities = make(map[string]*interp.Entity)
	if w.connected {
		if err := w.net.Close(); err != nil {
			w.log.Debug().Err(err).Msg("close failed")
		}
	}
	w.connected = false
}

func (w *NetworkWorld) onTransformAdd(id string, t *game.Transform) {
	if _, ok := w.entities[id]; ok {
		return
	}
	e := interp.NewEntity(id, t.Pose())
	w.entities[id] = e
	if t.SessionID == w.net.SessionID() && t.Type == game.TransformTypePlayer {
		w.own = e
		w.replicator = interp.NewReplicator(w.net, id, w.cfg.UpdateFrequency)
		if w.controller != nil {
			w.controller.Possess(e)
		}
		return
	}
	e.Network.ServerReplicate = true
	e.Receive(t.Pose(), w.tick)
}

// onTransformChange ignores the session's own transforms; their pose is
// driven locally.
func (w *NetworkWorld) onTransformChange(id string, t *game.Transform) {
	if t.SessionID == w.net.SessionID() {
		return
	}
	e, ok := w.entities[id]
	if !ok {
		w.onTransformAdd(id, t)
		return
	}
	e.Receive(t.Pose(), w.tick)
}

func (w *NetworkWorld) onTransformRemove(id string, _ *game.Transform) {
	e, ok := w.entities[id]
	if !ok {
		return
	}
	delete(w.entities, id)
	if e == w.own {
		w.own = nil
		w.replicator = nil
		if w.controller != nil {
			w.controller.Possess(nil)
		}
	}
}

func (w *NetworkWorld) onPong(env protocol.Envelope) {
	msg, err := protocol.Decode(env)
	if err != nil {
		w.log.Debug().Err(err).Msg("bad pong")
		return
	}
	pong, ok := msg.(protocol.Pong)
	if !ok {
		return
	}
	if err := w.pinger.HandlePong(pong, w.tick); err != nil {
		w.log.Debug().Err(err).Msg("ping report failed")
	}
}

var (
	_ Network           = (*client.Client)(nil)
	_ NetworkReplicated = (*interp.Entity)(nil)
)
