package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/wardlink/internal/auth"
	"github.com/suPer8Hu/wardlink/internal/chat"
	"github.com/suPer8Hu/wardlink/internal/common"
	"github.com/suPer8Hu/wardlink/internal/devices"
	"github.com/suPer8Hu/wardlink/internal/httpapi/middleware"
	"github.com/suPer8Hu/wardlink/internal/notify"
	"github.com/suPer8Hu/wardlink/internal/session"
	"github.com/suPer8Hu/wardlink/internal/store"
	"go.uber.org/zap"
)

type Handler struct {
	Repo       *store.Repo
	Auth       *auth.Authenticator
	Chat       *chat.Router
	Registry   *session.Registry
	Presence   *session.Presence
	Devices    *devices.Registry
	Dispatcher *notify.Dispatcher
	Log        *zap.Logger

	// HeartbeatInterval is the sweeper period; a socket silent for 2.5
	// intervals is dropped by its read deadline.
	HeartbeatInterval time.Duration
	upgrader          websocket.Upgrader
}

// NewHandler builds the HTTP handlers. An empty origins list accepts any
// websocket origin.
func NewHandler(h Handler, origins []string) *Handler {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	if h.HeartbeatInterval <= 0 {
		h.HeartbeatInterval = 30 * time.Second
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(allowed) == 0 || allowed["*"] || allowed[origin]
		},
	}
	return &h
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func usernameFromContext(c *gin.Context) (string, bool) {
	name := c.GetString(middleware.UsernameKey)
	return name, name != ""
}
