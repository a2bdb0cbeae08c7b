// Command bot is a headless client: it connects like a player, walks its
// avatar in a circle and logs what it sees of the room.
package main

import (
	"context"
	"flag"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"

	"github.com/kiliankoe/roomsync/internal/client"
	"github.com/kiliankoe/roomsync/internal/config"
	"github.com/kiliankoe/roomsync/internal/interp"
	"github.com/kiliankoe/roomsync/internal/protocol"
	"github.com/kiliankoe/roomsync/internal/world"
)

func main() {
	var (
		urlFlag  = flag.String("url", "", "Websocket URL (overrides GAME_SERVER_URL)")
		roomFlag = flag.String("room", "", "Room to join (overrides LOBBY_ROOM)")
		fps      = flag.Int("fps", 30, "Frames per second")
		duration = flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
		radius   = flag.Float64("radius", 3, "Radius of the walked circle")
		chat     = flag.String("chat", "", "Chat message to send after joining")
		memory   = flag.Bool("memory", false, "Keep the session only in memory")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	zerologlog.Logger = zerologlog.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cfg, err := config.ClientFromEnv()
	if err != nil {
		zerologlog.Fatal().Err(err).Msg("config")
	}
	if *urlFlag != "" {
		cfg.ServerURL = *urlFlag
	}
	if *roomFlag != "" {
		cfg.Room = *roomFlag
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	var store client.Store = client.NewMemoryStore()
	if !*memory {
		fs, err := client.OpenFileStore(cfg.StoreFile)
		if err != nil {
			zerologlog.Fatal().Err(err).Msg("store")
		}
		store = fs
	}

	conn := client.New(client.Options{
		URL:    cfg.ServerURL,
		Lobby:  cfg.Room,
		Store:  store,
		Logger: zerologlog.Logger,
	})
	walker := &walker{radius: *radius, start: time.Now()}
	nw := world.NewNetworkWorld(conn, walker, world.Config{
		Room: cfg.Room,
		Interpolator: interp.Interpolator{
			Smoothing: cfg.InterpolationSmoothing,
			Tolerance: cfg.InterpolationTolerance,
		},
		UpdateFrequency: cfg.UpdateFrequency,
		PingInterval:    cfg.PingInterval,
	}, zerologlog.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if *chat != "" {
		cancel := conn.OnMessage(protocol.TypeRoomState, func(protocol.Envelope) {
			if err := conn.Send(protocol.NewChatMessage{Text: *chat}); err != nil {
				zerologlog.Warn().Err(err).Msg("chat failed")
			}
		})
		defer cancel()
	}

	app := &world.App{
		World:      nw,
		Controller: walker,
		Renderer:   &logRenderer{every: 2 * time.Second},
		Log:        zerologlog.Logger,
	}
	if err := app.Run(ctx, *fps); err != nil {
		zerologlog.Error().Err(err).Msg("run")
	}
	if *duration > 0 {
		// a timed run ends the session for good
		if err := conn.Leave(); err != nil {
			zerologlog.Warn().Err(err).Msg("leave")
		}
	}
}

// walker moves the possessed entity around a circle centred on its spawn.
type walker struct {
	radius float64
	start  time.Time

	entity *interp.Entity
	origin [3]float64
}

func (w *walker) Possess(e *interp.Entity) {
	w.entity = e
	if e != nil {
		w.origin = [3]float64{e.Position.X(), e.Position.Y(), e.Position.Z()}
	}
}

func (w *walker) Update(now time.Time) error {
	if w.entity == nil {
		return nil
	}
	angle := now.Sub(w.start).Seconds()
	w.entity.Position[0] = w.origin[0] + w.radius*math.Cos(angle) - w.radius
	w.entity.Position[2] = w.origin[2] + w.radius*math.Sin(angle)
	w.entity.Rotation[1] = -angle
	w.entity.Orientation = interp.Orientation(w.entity.Pose().Rotation)
	return nil
}

// logRenderer prints a line per interval instead of drawing.
type logRenderer struct {
	every time.Duration
	last  time.Time
}

func (r *logRenderer) Render(entities []*interp.Entity) {
	if time.Since(r.last) < r.every {
		return
	}
	r.last = time.Now()
	ev := zerologlog.Info().Int("entities", len(entities))
	for _, e := range entities {
		if e.Network.ServerReplicate {
			ev = ev.Str(e.ID, interp.FormatPosition(e))
		}
	}
	ev.Msg("frame")
}
