package http

import (
	"context"

	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

const clientTokenKey = "client_token"

// ClientTokenMiddleware keeps a per-browser token in the session and exposes
// it on the context as "client_token". Must run after sessions.Sessions.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			session.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
			if err := session.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeshSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")
	api.GET("/state", ctl.getState)

	api.GET("/peers", ctl.listPeers)
	api.POST("/peers", ctl.connectPeer)
	api.DELETE("/peers/:id", ctl.disconnectPeer)
	api.POST("/broadcast", ctl.broadcast)

	voice := api.Group("/voice")
	voice.POST("/join", ctl.join)
	voice.POST("/leave", ctl.leave)
	voice.POST("/mic", ctl.toggleMic)
	voice.POST("/camera", ctl.toggleCamera)
	voice.POST("/screen", ctl.toggleScreen)

	streams := newEventStreams(ctl.Bus, cfg.PingPeriod, cfg.ReadLimit)
	api.GET("/events", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Msg("ws events endpoint hit")
		streams.serve(ctx, c)
	})

	return r
}
