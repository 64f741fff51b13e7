// Package http wires the parleyd REST and feed surface. The daemon is the
// stand-in for a hosted realtime document store: documents, candidate
// sequences and presence records under /api/rooms, change feeds under
// /api/ws/rooms.
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/adapters/feed"
	"github.com/dkeye/Parley/internal/config"
	"github.com/dkeye/Parley/internal/core"
)

// ClientTokenMiddleware tags every client with a stable uuid cookie so
// requests are attributable in logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, store core.DocStore) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	h := &Handlers{Store: store}
	f := &feed.Controller{Store: store}

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")
	rooms := api.Group("/rooms/:room")
	{
		rooms.GET("/session", h.GetSession)
		rooms.PUT("/session", h.PutSession)
		rooms.DELETE("/session", h.DeleteSession)
		rooms.POST("/answer", h.PublishAnswer)

		rooms.POST("/candidates/:role", h.AddCandidate)
		rooms.GET("/revisions", h.ListRevisions)
		rooms.DELETE("/revisions/:rev", h.DeleteRevision)

		rooms.GET("/presence", h.ListPresence)
		rooms.GET("/presence/:uid", h.GetPresence)
		rooms.PUT("/presence/:uid", h.PutPresence)
		rooms.DELETE("/presence/:uid", h.DeletePresence)

		rooms.PUT("/descriptions/:ref", h.PutDescription)
		rooms.GET("/descriptions/:ref", h.GetDescription)
		rooms.DELETE("/descriptions", h.DeleteDescriptions)
	}

	ws := api.Group("/ws/rooms/:room")
	{
		ws.GET("/session", f.HandleSession)
		ws.GET("/presence", f.HandlePresence)
		ws.GET("/revisions/:rev/candidates/:role", f.HandleCandidates)
	}

	return r
}
