package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/wardlink/internal/auth"
	"github.com/suPer8Hu/wardlink/internal/session"
	"go.uber.org/zap"
)

// maxFrameBytes leaves room for a base64 attachment at its decoded cap.
const maxFrameBytes = 8 << 20

type ackFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSocket upgrades an authenticated client onto the chat channel and
// feeds every text frame to the conversation router.
func (h *Handler) ChatSocket(c *gin.Context) {
	s, conn, ok := h.accept(c)
	if !ok {
		return
	}
	h.Registry.Add(s)
	h.Log.Info("chat_session_opened", zap.String("session_id", s.ID), zap.String("username", s.Username))
	defer func() {
		h.Registry.Remove(s)
		_ = s.Close()
		h.Log.Info("chat_session_closed", zap.String("session_id", s.ID), zap.String("username", s.Username))
	}()

	ctx := context.WithoutCancel(c.Request.Context())
	h.readLoop(conn, s, func(msg []byte) {
		h.Chat.Handle(ctx, s, msg)
	})
}

// NotificationSocket registers the client for live notifications. Client
// text is only acknowledged.
func (h *Handler) NotificationSocket(c *gin.Context) {
	s, conn, ok := h.accept(c)
	if !ok {
		return
	}
	h.Presence.Add(s)
	h.Log.Info("notification_session_opened", zap.String("session_id", s.ID), zap.Uint64("user_id", s.UserID))
	defer func() {
		h.Presence.Remove(s)
		_ = s.Close()
		h.Log.Info("notification_session_closed", zap.String("session_id", s.ID), zap.Uint64("user_id", s.UserID))
	}()

	h.readLoop(conn, s, func([]byte) {
		if err := s.Send(ackFrame{Type: "ACK", Timestamp: time.Now()}); err != nil {
			h.Presence.Remove(s)
		}
	})
}

// accept authenticates and upgrades. A rejected credential still completes
// the handshake so the client sees close code 1008.
func (h *Handler) accept(c *gin.Context) (*session.Session, *websocket.Conn, bool) {
	p, authErr := h.Auth.Authenticate(c.Request.Context(), c.Request)

	var hdr http.Header
	if authErr == nil && p.Subprotocol != "" {
		hdr = http.Header{}
		hdr.Set("Sec-WebSocket-Protocol", p.Subprotocol)
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, hdr)
	if err != nil {
		h.Log.Warn("ws_upgrade_failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		return nil, nil, false
	}

	if authErr != nil {
		h.Log.Info("ws_auth_rejected", zap.String("path", c.Request.URL.Path), zap.Error(authErr))
		reason := "unauthorized"
		if errors.Is(authErr, auth.ErrMissingCredential) {
			reason = "missing credential"
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return nil, nil, false
	}

	return session.New(conn, p.UserID, p.Username, p.Role), conn, true
}

func (h *Handler) readLoop(conn *websocket.Conn, s *session.Session, onText func([]byte)) {
	readWait := h.HeartbeatInterval * 5 / 2
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.Log.Debug("ws_read_failed", zap.String("session_id", s.ID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if s.Closed() {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		onText(msg)
	}
}
