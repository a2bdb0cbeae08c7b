// Package world runs the client side of a room: entities mirrored from the
// server, the locally controlled entity, and the frame loop driving both.
package world

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiliankoe/roomsync/internal/interp"
)

type Updatable interface {
	Update(now time.Time) error
}

// Controllable can be handed the entity local input should drive. A nil
// entity releases control.
type Controllable interface {
	Possess(e *interp.Entity)
}

type NetworkReplicated interface {
	NetworkState() *interp.NetworkState
}

type World interface {
	Updatable
	Load(ctx context.Context, now time.Time) error
	Entities() []*interp.Entity
	Dispose()
}

// Controller turns local input into pose changes of the possessed entity.
type Controller interface {
	Updatable
	Controllable
}

type Renderer interface {
	Render(entities []*interp.Entity)
}

// App wires a world to its controller and renderer and owns the frame
// loop. Controller and Renderer are optional.
type App struct {
	World      World
	Controller Controller
	Renderer   Renderer
	Now        func() time.Time
	Log        zerolog.Logger
}

// Run loads the world and ticks it at fps until ctx is done, then disposes
// it. A world that fails to load keeps ticking without entities.
func (a *App) Run(ctx context.Context, fps int) error {
	if fps <= 0 {
		fps = 60
	}
	now := a.Now
	if now == nil {
		now = time.Now
	}
	if err := a.World.Load(ctx, now()); err != nil {
		a.Log.Error().Err(err).Msg("world load failed")
	}
	defer a.World.Dispose()

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Frame(now())
		}
	}
}

// Frame runs one tick: input, then world, then rendering.
func (a *App) Frame(now time.Time) {
	if a.Controller != nil {
		if err := a.Controller.Update(now); err != nil {
			a.Log.Warn().Err(err).Msg("controller update failed")
		}
	}
	if err := a.World.Update(now); err != nil {
		a.Log.Warn().Err(err).Msg("world update failed")
	}
	if a.Renderer != nil {
		a.Renderer.Render(a.World.Entities())
	}
}
