package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/wardlink/internal/common"
	"github.com/suPer8Hu/wardlink/internal/notify"
)

type sendNotificationReq struct {
	// UserID 0 broadcasts to every user.
	UserID  uint64 `json:"userId"`
	Title   string `json:"title" binding:"required"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

func (h *Handler) ListNotifications(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			common.Fail(c, http.StatusBadRequest, 40001, "invalid limit")
			return
		}
		limit = min(n, 100)
	}

	recs, err := h.Dispatcher.Recent(c.Request.Context(), uid, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to load notifications")
		return
	}
	common.OK(c, gin.H{"notifications": recs})
}

// SendNotification dispatches to one user, or to everyone when userId is 0.
func (h *Handler) SendNotification(c *gin.Context) {
	var req sendNotificationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "title required")
		return
	}
	typ := strings.TrimSpace(req.Type)
	if typ == "" {
		typ = "GENERAL"
	}

	ctx := c.Request.Context()
	var (
		out notify.Delivery
		err error
	)
	if req.UserID == 0 {
		out, err = h.Dispatcher.Broadcast(ctx, req.Title, req.Content, typ)
	} else {
		out = h.Dispatcher.Dispatch(ctx, req.UserID, req.Title, req.Content, typ)
	}
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "broadcast failed")
		return
	}
	common.OK(c, out)
}
