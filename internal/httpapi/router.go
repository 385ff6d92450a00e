package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/suPer8Hu/wardlink/internal/common"
	"github.com/suPer8Hu/wardlink/internal/httpapi/handlers"
	"github.com/suPer8Hu/wardlink/internal/httpapi/middleware"
)

// NewRouter mounts the websocket endpoints, the metrics scrape and the
// JWT-protected REST routes. A nil gatherer skips /metrics.
func NewRouter(h *handlers.Handler, origins []string, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(h.Log))
	r.Use(middleware.Recovery(h.Log))
	r.Use(cors.New(corsConfig(origins)))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// websockets authenticate during the handshake
	r.GET("/ws/chat", h.ChatSocket)
	r.GET("/ws/notifications", h.NotificationSocket)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Auth))
	authGroup.POST("/conversations/direct", h.StartDirect)
	authGroup.POST("/conversations/group", h.StartGroup)
	authGroup.GET("/conversations/assistant", h.AssistantConversation)
	authGroup.GET("/conversations/:id/messages", h.ListMessages)
	authGroup.DELETE("/conversations/:id/messages", h.ClearMessages)

	authGroup.POST("/devices", h.RegisterDevice)
	authGroup.DELETE("/devices", h.RevokeDevice)

	authGroup.GET("/notifications", h.ListNotifications)
	authGroup.POST("/notifications", middleware.RequireRole("admin", "staff"), h.SendNotification)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
