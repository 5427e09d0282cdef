package http

import (
	"context"

	"github.com/dkeye/roomsignal/internal/adapters/signal"
	"github.com/dkeye/roomsignal/internal/app/orch"
	"github.com/dkeye/roomsignal/internal/config"
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

// ClientTokenMiddleware tags every browser with a long-lived handle kept in
// the cookie session. It only correlates logs; identity comes from the room
// token.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get("ct").(string)
		if token == "" {
			token = genClientToken()
			s.Set("ct", token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save client token")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, issuer TokenIssuer) *gin.Engine {
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
	r.Use(sessions.Sessions("RoomSignalSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	h := &handlers{orch: o, issuer: issuer}
	r.GET("/healthz", h.health)

	api := r.Group("/api")
	ctrl := signal.NewSignalWSController(o, signal.Config{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		PongWait:       cfg.PongWait,
		WriteWait:      cfg.WriteWait,
		SendBuffer:     cfg.SendBuffer,
		CommandTimeout: cfg.CommandTimeout,
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:id", h.getRoom)
	api.DELETE("/rooms/:id/members/:user", h.kickMember)
	if issuer != nil {
		api.POST("/rooms/:id/token", h.issueToken)
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Bool("tokens", issuer != nil).Msg("router setup")
	return r
}
