package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/yoockh/meetstream/internal/api/handlers"
	"github.com/yoockh/meetstream/internal/api/middleware"
	"github.com/yoockh/meetstream/internal/auth"
)

type Deps struct {
	Verifier auth.Verifier
	Health   *handlers.HealthHandler
	Meeting  *handlers.MeetingHandler
	WS       *handlers.WSHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	v1 := r.Group("/api/v1")
	v1.GET("/health", d.Health.Health)

	// WebSocket endpoints authenticate inside the session so rejections can
	// be reported with a close code.
	v1.GET("/ws/ingest/meetings/:meeting_id", d.WS.IngestWS)
	v1.GET("/ws/meetings/:meeting_id", d.WS.SubscribeWS)

	// Protected routes (JWT)
	authed := v1.Group("/")
	authed.Use(middleware.JWTAuth(d.Verifier))

	authed.GET("/meetings/:meeting_id/transcripts", d.Meeting.Transcripts)
	authed.GET("/ws/meetings/:meeting_id/stats", middleware.RequireOperator(), d.Meeting.Stats)
}
