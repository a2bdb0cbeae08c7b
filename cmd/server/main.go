package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"

	"github.com/kiliankoe/roomsync/internal/api"
	"github.com/kiliankoe/roomsync/internal/config"
	"github.com/kiliankoe/roomsync/internal/game"
	"github.com/kiliankoe/roomsync/internal/room"
	"github.com/kiliankoe/roomsync/internal/sio"
	"github.com/kiliankoe/roomsync/internal/ws"
)

const version = "v0.1.0-dev"

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`roomsync - authoritative room server

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 1248 or PORT env var)

Environment Variables:
  PORT                           Port to listen on (default: 1248)
  HOST                           Interface to bind (default: all)
  LOBBY_ROOM                     Name of the joinable room (default: lobby)
  DISCONNECTION_TIMEOUT_SECONDS  Reconnection window (default: 10)
  SWEEP_INTERVAL_MS              Stale player sweep interval (default: 2000)
  PATCH_INTERVAL_MS              State patch broadcast interval (default: 50)
  MONITOR_USER                   Monitor API username for basic auth
  MONITOR_PASS                   Monitor API password for basic auth
  EXPORT_ENABLED                 Append chat logs of closed rooms to a file (default: false)
  EXPORT_FILE                    Path of the chat log (default: ./roomsync-chat.txt)
  LOG_LEVEL                      debug, info, warn or error (default: info)
  CONFIG_FILE                    Optional YAML file read before the environment

Examples:
  %s                  Start server with default settings
  %s --port 3000      Start server on port 3000
`, os.Args[0], os.Args[0], os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("roomsync %s\n", version)
		return
	}

	// zerolog setup (human-friendly console)
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	zerologlog.Logger = zerologlog.Output(cw)

	cfg, err := config.FromEnv()
	if err != nil {
		zerologlog.Fatal().Err(err).Msg("config")
	}
	if *portFlag != "" {
		cfg.Port = *portFlag
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	// Gin setup with custom logger (skip transport noise)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") || path == "/ws" {
			return
		}
		status := c.Writer.Status()
		dur := time.Since(start)
		zerologlog.Info().Str("path", path).Int("status", status).Dur("dur", dur).Msg("http")
	})

	rooms := room.NewManager(zerologlog.Logger)
	rooms.Define(cfg.LobbyRoom, room.Options{
		DisconnectionTimeout: cfg.DisconnectionTimeout,
		SweepInterval:        cfg.SweepInterval,
		PatchInterval:        cfg.PatchInterval,
		AutoDispose:          true,
	})
	if cfg.ExportEnabled {
		rooms.OnDispose(func(rm *room.Room) {
			if err := exportRoom(rm, cfg.ExportFile); err != nil {
				zerologlog.Error().Err(err).Str("room", rm.ID()).Msg("failed to export chat log")
				return
			}
			zerologlog.Info().Str("room", rm.ID()).Str("file", cfg.ExportFile).Msg("exported chat log")
		})
	}

	api.New(rooms).Mount(r, cfg.MonitorUser, cfg.MonitorPass)
	ws.New(rooms, cfg.LobbyRoom, zerologlog.Logger).Mount(r)
	io := sio.New(rooms, cfg.LobbyRoom, zerologlog.Logger).Mount(r)
	defer io.Close()

	srv := &http.Server{Addr: cfg.Addr(), Handler: r}
	go func() {
		zerologlog.Info().Str("addr", cfg.Addr()).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerologlog.Fatal().Err(err).Msg("listen")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	zerologlog.Info().Msg("shutting down")
	rooms.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zerologlog.Error().Err(err).Msg("shutdown")
	}
}

// exportRoom runs on the room loop while the room is being disposed, so
// the state can be read directly.
func exportRoom(rm *room.Room, file string) error {
	return game.ExportChatLog(rm.ID(), rm.State(), rm.Roster(), file)
}
