package chat

import (
	"context"
	"strings"
	"time"

	"github.com/suPer8Hu/wardlink/internal/ai"
	"github.com/suPer8Hu/wardlink/internal/models"
	"github.com/suPer8Hu/wardlink/internal/session"
	"go.uber.org/zap"
)

const (
	AssistantSender = "assistant"
	AssistantRole   = "assistant"

	SlowDownReply    = "You're sending messages faster than I can answer. Please wait a moment and try again."
	UnavailableReply = "The assistant is unavailable right now. Please try again later."

	assistantPrompt = "You are the hospital's patient assistant. Answer briefly and clearly. " +
		"You do not diagnose; for urgent symptoms tell the user to contact staff or emergency services."
)

// answer produces the assistant's reply in the owner's assistant
// conversation and delivers it to every joined session, the sender's included.
func (r *Router) answer(ctx context.Context, s *session.Session, latest *models.ChatMessage) {
	conv := latest.ConversationID
	reply := Sanitize(r.assistantReply(ctx, s, latest))
	if strings.TrimSpace(reply) == "" {
		reply = UnavailableReply
	}
	msg := &models.ChatMessage{
		ConversationID: conv,
		Sender:         AssistantSender,
		Role:           AssistantRole,
		Content:        reply,
		Timestamp:      time.Now(),
	}
	r.persist(ctx, msg)
	r.Broadcast(conv, messageFrame(msg, nil), nil)
}

func (r *Router) assistantReply(ctx context.Context, s *session.Session, latest *models.ChatMessage) string {
	if r.limiter != nil {
		ok, err := r.limiter.Allow(ctx, strings.ToLower(s.Username))
		if err != nil {
			r.log.Warn("assistant_limiter_failed", zap.String("username", s.Username), zap.Error(err))
		} else if !ok {
			return SlowDownReply
		}
	}
	if r.assistant == nil {
		return UnavailableReply
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.assistantTimeout)
	defer cancel()

	reply, err := r.assistant.Chat(ctx, r.assistantContext(ctx, latest))
	if err != nil {
		r.log.Warn("assistant_call_failed", zap.String("conversation_id", latest.ConversationID), zap.Error(err))
		return UnavailableReply
	}
	return reply
}

// assistantContext loads the recent history oldest first behind the system
// prompt. latest is appended when the store does not return it, e.g. after a
// failed save.
func (r *Router) assistantContext(ctx context.Context, latest *models.ChatMessage) []ai.Message {
	out := []ai.Message{{Role: ai.RoleSystem, Content: assistantPrompt}}

	recentDesc, err := r.store.ListRecentMessagesDesc(ctx, latest.ConversationID, r.contextWindow)
	if err != nil {
		r.log.Warn("assistant_history_failed", zap.String("conversation_id", latest.ConversationID), zap.Error(err))
		recentDesc = nil
	}
	if len(recentDesc) == 0 || latest.ID == 0 || recentDesc[0].ID != latest.ID {
		recentDesc = append([]models.ChatMessage{*latest}, recentDesc...)
	}
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		role := ai.RoleUser
		if m.Sender == AssistantSender {
			role = ai.RoleAssistant
		}
		if m.Content == "" {
			continue
		}
		out = append(out, ai.Message{Role: role, Content: m.Content})
	}
	return out
}
