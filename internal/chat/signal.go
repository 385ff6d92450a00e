package chat

import (
	"context"

	"github.com/suPer8Hu/wardlink/internal/conversation"
	"github.com/suPer8Hu/wardlink/internal/metrics"
	"github.com/suPer8Hu/wardlink/internal/push"
	"github.com/suPer8Hu/wardlink/internal/session"
	"go.uber.org/zap"
)

const wakeKeyPrefix = "call_wake:"

// Relay forwards a call signaling frame unchanged to every session joined
// to the conversation, the sender's own included.
func (r *Router) Relay(ctx context.Context, s *session.Session, f *SignalFrame) error {
	conv := f.RoomID
	if conv == "" {
		return ErrBadRequest
	}
	switch conversation.Parse(conv).Kind {
	case conversation.KindDirect, conversation.KindGroup:
	default:
		return ErrNotAuthorized
	}
	if err := checkConversation(conv, s.Username); err != nil {
		return err
	}

	r.BroadcastRaw(conv, f.Raw, nil)
	// signaling needs no JOIN; a sender joined elsewhere still gets its echo
	if bound, ok := r.reg.ConversationOf(s); !ok || bound != conv {
		if err := s.SendRaw(f.Raw); err != nil {
			r.reg.Remove(s)
		}
	}

	if f.Type == TypeCallOffer {
		r.wakeAbsent(s, conv)
	}
	return nil
}

// wakeAbsent pushes a high priority wake-up to participants without an open
// session in conv. One wake-up per conversation per cooldown window, no
// matter who calls.
func (r *Router) wakeAbsent(s *session.Session, conv string) {
	var absent []string
	for _, name := range conversation.Others(conv, s.Username) {
		if !r.reg.HasOpenSession(name, conv) {
			absent = append(absent, name)
		}
	}
	if len(absent) == 0 || r.pusher == nil {
		return
	}

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if r.cooldown != nil {
			ok, err := r.cooldown.Acquire(ctx, wakeKeyPrefix+conv)
			if err != nil {
				r.log.Warn("call_wake_cooldown_failed", zap.String("conversation_id", conv), zap.Error(err))
			} else if !ok {
				metrics.CallWakeups.WithLabelValues("suppressed").Inc()
				return
			}
		}

		data := map[string]string{
			"type":           "CALL_WAKE",
			"conversationId": conv,
			"from":           s.Username,
		}
		for _, name := range absent {
			u, ok := r.lookup(ctx, name)
			if !ok {
				continue
			}
			n, err := r.pusher.PushToUser(ctx, u.ID, "Incoming call", s.Username+" is calling you", data, push.PriorityHigh)
			if err != nil {
				r.log.Error("call_wake_push_failed", zap.String("username", name), zap.Error(err))
				continue
			}
			metrics.CallWakeups.WithLabelValues("sent").Inc()
			r.log.Info("call_wake_sent", zap.String("conversation_id", conv), zap.String("callee", name), zap.Int("devices", n))
		}
	}()
}
