// Package api exposes health and room monitoring over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kiliankoe/roomsync/internal/game"
	"github.com/kiliankoe/roomsync/internal/room"
	"github.com/kiliankoe/roomsync/static"
)

const inspectTimeout = 2 * time.Second

type Server struct {
	rooms *room.Manager
}

func New(rooms *room.Manager) *Server {
	return &Server{rooms: rooms}
}

// Mount registers /health, the /api/rooms monitor and the /monitor page.
// The monitor routes are put behind basic auth when both user and pass
// are set.
func (srv *Server) Mount(r *gin.Engine, user, pass string) {
	r.GET("/health", srv.health)

	var auth []gin.HandlerFunc
	if user != "" && pass != "" {
		auth = append(auth, gin.BasicAuth(gin.Accounts{user: pass}))
	}
	monitor := r.Group("/api", auth...)
	monitor.GET("/rooms", srv.listRooms)
	monitor.GET("/rooms/:id", srv.getRoom)

	page := append(auth, gin.WrapH(static.Handler()))
	r.GET("/monitor", page...)
	r.GET("/monitor/*any", page...)
}

func (srv *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
}

func (srv *Server) listRooms(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), inspectTimeout)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{"rooms": srv.rooms.Rooms(ctx)})
}

type roomDetail struct {
	room.Summary
	State game.Snapshot `json:"state"`
}

func (srv *Server) getRoom(c *gin.Context) {
	r, err := srv.rooms.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), inspectTimeout)
	defer cancel()

	summary, err := r.Summary(ctx)
	if err != nil {
		srv.inspectFailed(c, err)
		return
	}
	detail := roomDetail{Summary: summary}
	err = r.Inspect(ctx, func(s *game.State) { detail.State = s.Snapshot() })
	if err != nil {
		srv.inspectFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (srv *Server) inspectFailed(c *gin.Context, err error) {
	if errors.Is(err, room.ErrDisposed) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
}
