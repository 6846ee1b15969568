// Package http is the browser-facing gateway: one session per client, REST
// commands and a websocket stream of session updates.
package http

import (
	"github.com/dkeye/Spaces/internal/adapters/auth"
	"github.com/dkeye/Spaces/internal/adapters/signal"
	"github.com/dkeye/Spaces/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	sessionName    = "SpacesSessions"
	clientTokenKey = "client_token"
)

// ClientTokenMiddleware gives every browser a stable token kept in the cookie session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			sess.Set(clientTokenKey, token)
			if err := sess.Save(); err != nil {
				log.Warn().Str("module", "adapters.http").Err(err).Msg("failed to save client session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// SetupRouter wires the gateway. relay may be nil when signaling runs elsewhere.
func SetupRouter(cfg *config.Config, reg *Registry, relay *signal.Relay) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "sessions": reg.Len()})
	})

	// the relay checks its own space-scoped token
	if relay != nil {
		r.GET("/api/ws/signal", gin.WrapH(relay))
	}

	h := &handlers{reg: reg, readLimit: cfg.ReadLimit, pingPeriod: cfg.PingPeriod}
	api := r.Group("/api", auth.Middleware([]byte(cfg.Secret)))

	api.POST("/spaces", h.createSpace)
	api.POST("/spaces/:id/start", h.startSpace)
	api.POST("/spaces/:id/join", h.join)

	s := api.Group("/session")
	s.GET("", h.snapshot)
	s.GET("/events", h.events)
	s.POST("/leave", h.leave)
	s.POST("/end", h.end)
	s.POST("/mute", h.mute)
	s.POST("/request", h.request)
	s.DELETE("/request", h.cancelRequest)
	s.GET("/requests", h.pending)
	s.POST("/requests/:rid/resolve", h.resolve)
	s.POST("/promote", h.promote)
	s.POST("/remove", h.remove)
	s.POST("/recording", h.recording)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Bool("relay", relay != nil).Msg("router setup")
	return r
}
