package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/wardlink/internal/chat"
	"github.com/suPer8Hu/wardlink/internal/common"
	"github.com/suPer8Hu/wardlink/internal/conversation"
	"github.com/suPer8Hu/wardlink/internal/store"
)

type directReq struct {
	Peer string `json:"peer" binding:"required"`
}

type groupReq struct {
	Members []string `json:"members" binding:"required"`
}

// StartDirect returns the id of the one-to-one conversation with peer.
func (h *Handler) StartDirect(c *gin.Context) {
	me, okk := usernameFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req directReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "peer required")
		return
	}

	peer, err := h.Repo.FindUserByUsername(c.Request.Context(), strings.TrimSpace(req.Peer))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to look up user")
		return
	}

	id, err := conversation.Direct(me, peer.Username)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 40002, err.Error())
		return
	}
	common.OK(c, gin.H{"conversationId": id})
}

// StartGroup returns the id of the group conversation of the caller and members.
func (h *Handler) StartGroup(c *gin.Context) {
	me, okk := usernameFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req groupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "members required")
		return
	}

	names := make([]string, 0, len(req.Members))
	for _, m := range req.Members {
		u, err := h.Repo.FindUserByUsername(c.Request.Context(), strings.TrimSpace(m))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				common.Fail(c, http.StatusNotFound, 40401, "user not found: "+m)
				return
			}
			common.Fail(c, http.StatusInternalServerError, 50001, "failed to look up user")
			return
		}
		names = append(names, u.Username)
	}

	id, err := conversation.Group(me, names...)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 40002, err.Error())
		return
	}
	common.OK(c, gin.H{"conversationId": id})
}

// AssistantConversation returns the caller's private assistant conversation.
func (h *Handler) AssistantConversation(c *gin.Context) {
	me, okk := usernameFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	common.OK(c, gin.H{"conversationId": conversation.Assistant(me)})
}

func (h *Handler) ListMessages(c *gin.Context) {
	conv, okk := h.memberConversation(c)
	if !okk {
		return
	}
	msgs, err := h.Repo.FindMessagesByConversation(c.Request.Context(), conv)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to load messages")
		return
	}
	out := make([]chat.MessageFrame, 0, len(msgs))
	for i := range msgs {
		out = append(out, chat.HistoryFrame(&msgs[i]))
	}
	common.OK(c, gin.H{"conversationId": conv, "messages": out})
}

func (h *Handler) ClearMessages(c *gin.Context) {
	conv, okk := h.memberConversation(c)
	if !okk {
		return
	}
	n, err := h.Repo.DeleteConversationHistory(c.Request.Context(), conv)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to delete messages")
		return
	}
	common.OK(c, gin.H{"conversationId": conv, "deleted": n})
}

// memberConversation reads :id and checks the caller is a participant.
func (h *Handler) memberConversation(c *gin.Context) (string, bool) {
	me, okk := usernameFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return "", false
	}
	conv := c.Param("id")
	canon, err := conversation.Canonical(conv)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 40002, "invalid conversation id")
		return "", false
	}
	if canon != conv {
		common.Fail(c, http.StatusBadRequest, 40002, "use conversation id "+canon)
		return "", false
	}
	if !conversation.IsMember(conv, me) {
		common.Fail(c, http.StatusForbidden, 40301, "not a participant")
		return "", false
	}
	return conv, true
}
