package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/opuslog/opuslog/internal/coordinator"
	"github.com/opuslog/opuslog/internal/core/observability/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin device clients are expected; auth happens on the
		// token, not the origin.
		return true
	},
}

// NewRouter assembles the sync API surface.
func NewRouter(h *SyncHandler, registry *coordinator.Registry, idp IdentityProvider, logger log.Log) *gin.Engine {
	if logger == nil {
		logger = log.Provide()
	}
	wsLogger := logger.With(log.String("component", "ws"))

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"actors":      registry.ActorCount(),
			"connections": registry.ConnectionCount(),
		})
	})

	authed := r.Group("/")
	authed.Use(Auth(idp))
	{
		sync := authed.Group("/sync")
		sync.POST("/pull", h.Pull)
		sync.POST("/push", h.Push)
		sync.POST("/batch", h.PushBulk)
		sync.GET("/status", h.Status)
		sync.GET("/entities/:type/:id", h.Entity)
		sync.GET("/devices", h.Devices)

		authed.GET("/ws", func(c *gin.Context) {
			claims := claimsFrom(c)
			conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
			if err != nil {
				wsLogger.Warn("upgrade failed", log.Error(err))
				return
			}
			if err = registry.AttachConnection(claims.UserID, claims.DeviceID, conn); err != nil {
				wsLogger.Warn("attach failed",
					log.String("user_id", claims.UserID),
					log.String("device_id", claims.DeviceID),
					log.Error(err))
				msg := coordinator.ErrorMessage(coordinator.CodeActorUnavailable, err.Error())
				if data, merr := msg.Encode(); merr == nil {
					_ = conn.WriteMessage(websocket.TextMessage, data)
				}
				_ = conn.Close()
			}
		})
	}
	return r
}
