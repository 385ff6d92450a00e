// Package chat routes conversation frames between joined sessions.
package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/wardlink/internal/ai"
	"github.com/suPer8Hu/wardlink/internal/conversation"
	"github.com/suPer8Hu/wardlink/internal/metrics"
	"github.com/suPer8Hu/wardlink/internal/models"
	"github.com/suPer8Hu/wardlink/internal/notify"
	"github.com/suPer8Hu/wardlink/internal/push"
	"github.com/suPer8Hu/wardlink/internal/session"
	"github.com/suPer8Hu/wardlink/internal/throttle"
	"go.uber.org/zap"
)

const NotificationTypeChat = "CHAT_MESSAGE"

type Store interface {
	SaveMessage(ctx context.Context, m *models.ChatMessage) error
	ListRecentMessagesDesc(ctx context.Context, conversationID string, limit int) ([]models.ChatMessage, error)
}

type Users interface {
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, userID uint64, title, content, typ string) notify.Delivery
}

type Pusher interface {
	PushToUser(ctx context.Context, userID uint64, title, body string, data map[string]string, prio push.Priority) (int, error)
}

type Deps struct {
	Registry  *session.Registry
	Store     Store
	Users     Users
	Notifier  Notifier
	Pusher    Pusher
	Assistant ai.Provider
	Limiter   throttle.Limiter
	Cooldown  throttle.Cooldown
	Log       *zap.Logger

	ContextWindow int
	// SideEffectTimeout bounds each persistence, notification and push call.
	SideEffectTimeout time.Duration
	AssistantTimeout  time.Duration
}

type Router struct {
	reg       *session.Registry
	store     Store
	users     Users
	notifier  Notifier
	pusher    Pusher
	assistant ai.Provider
	limiter   throttle.Limiter
	cooldown  throttle.Cooldown
	log       *zap.Logger

	contextWindow    int
	timeout          time.Duration
	assistantTimeout time.Duration

	bg sync.WaitGroup
}

func NewRouter(d Deps) *Router {
	if d.ContextWindow <= 0 || d.ContextWindow > 100 {
		d.ContextWindow = 20
	}
	if d.SideEffectTimeout <= 0 {
		d.SideEffectTimeout = 5 * time.Second
	}
	if d.AssistantTimeout <= 0 {
		d.AssistantTimeout = 60 * time.Second
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Router{
		reg:              d.Registry,
		store:            d.Store,
		users:            d.Users,
		notifier:         d.Notifier,
		pusher:           d.Pusher,
		assistant:        d.Assistant,
		limiter:          d.Limiter,
		cooldown:         d.Cooldown,
		log:              d.Log,
		contextWindow:    d.ContextWindow,
		timeout:          d.SideEffectTimeout,
		assistantTimeout: d.AssistantTimeout,
	}
}

// Handle decodes and routes one inbound frame. Rejections are answered
// with an ERROR frame; the connection stays open.
func (r *Router) Handle(ctx context.Context, s *session.Session, raw []byte) {
	f, err := Decode(raw)
	if err == nil {
		switch f := f.(type) {
		case *JoinFrame:
			err = r.Join(s, f.RoomID)
		case *SendFrame:
			err = r.Send(ctx, s, f)
		case *SignalFrame:
			err = r.Relay(ctx, s, f)
		}
	}

	typ := "invalid"
	if f != nil {
		typ = f.FrameType()
	}
	if err != nil {
		metrics.Frames.WithLabelValues(typ, "rejected").Inc()
		lvl := r.log.Debug
		if !IsRejection(err) {
			lvl = r.log.Warn
		}
		lvl("chat_frame_rejected",
			zap.String("session_id", s.ID),
			zap.String("username", s.Username),
			zap.String("type", typ),
			zap.Error(err))
		if werr := s.Send(errorFrame(err)); werr != nil {
			r.reg.Remove(s)
		}
		return
	}
	metrics.Frames.WithLabelValues(typ, "ok").Inc()
}

// Join binds s to conv after the membership check.
func (r *Router) Join(s *session.Session, conv string) error {
	if err := checkConversation(conv, s.Username); err != nil {
		return err
	}
	left, err := r.reg.Join(s, conv)
	if err != nil {
		return err
	}
	if left != "" {
		r.log.Debug("chat_session_moved", zap.String("session_id", s.ID), zap.String("from", left), zap.String("to", conv))
	}
	if err := s.Send(JoinedFrame{Type: TypeJoined, ConversationID: conv}); err != nil {
		r.reg.Remove(s)
	}
	return nil
}

// Send accepts a message from s into conv, which s must have joined.
func (r *Router) Send(ctx context.Context, s *session.Session, f *SendFrame) error {
	conv := f.RoomID
	if conv == "" {
		return ErrBadRequest
	}
	if bound, ok := r.reg.ConversationOf(s); !ok || bound != conv {
		return ErrNotInConversation
	}
	if err := checkConversation(conv, s.Username); err != nil {
		return err
	}
	content := Sanitize(f.Content)
	if strings.TrimSpace(content) == "" && f.Attachment == nil {
		return ErrEmptyContent
	}

	msg := &models.ChatMessage{
		ConversationID: conv,
		Sender:         s.Username,
		SenderID:       s.UserID,
		Role:           s.Role,
		Content:        content,
		Timestamp:      time.Now(),
	}
	var att *Attachment
	if f.Attachment != nil {
		data, err := f.Attachment.decodeData()
		if err != nil {
			return err
		}
		att = &Attachment{
			Name: Sanitize(f.Attachment.Name),
			Type: f.Attachment.Type,
			Size: int64(len(data)),
			Data: f.Attachment.Data,
		}
		msg.AttachmentName, msg.AttachmentType, msg.AttachmentSize, msg.AttachmentData = att.Name, att.Type, att.Size, data
	}

	r.persist(ctx, msg)
	r.Broadcast(conv, messageFrame(msg, att), s)

	if conversation.IsAssistantOf(conv, s.Username) {
		r.answer(ctx, s, msg)
		return nil
	}
	r.notifyAbsent(s, conv, msg)
	return nil
}

// Broadcast writes frame to every session joined to conv except exclude.
// It returns the number of successful writes.
func (r *Router) Broadcast(conv string, frame any, exclude *session.Session) int {
	b, err := json.Marshal(frame)
	if err != nil {
		r.log.Error("chat_frame_encode_failed", zap.Error(err))
		return 0
	}
	return r.BroadcastRaw(conv, b, exclude)
}

func (r *Router) BroadcastRaw(conv string, b []byte, exclude *session.Session) int {
	delivered := 0
	for _, m := range r.reg.Members(conv) {
		if m == exclude {
			continue
		}
		if m.Closed() {
			r.reg.Remove(m)
			continue
		}
		if err := m.SendRaw(b); err != nil {
			r.reg.Remove(m)
			r.log.Debug("chat_delivery_failed", zap.String("session_id", m.ID), zap.String("conversation_id", conv), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Wait blocks until background notifications and wake-ups have finished.
func (r *Router) Wait() {
	r.bg.Wait()
}

func (r *Router) persist(ctx context.Context, m *models.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.store.SaveMessage(ctx, m); err != nil {
		metrics.PersistFailures.WithLabelValues("chat_message").Inc()
		r.log.Error("chat_persist_failed", zap.String("conversation_id", m.ConversationID), zap.String("sender", m.Sender), zap.Error(err))
	}
}

// notifyAbsent dispatches a notification to each participant without an
// open session in conv. It runs in the background.
func (r *Router) notifyAbsent(s *session.Session, conv string, msg *models.ChatMessage) {
	var absent []string
	for _, name := range conversation.Others(conv, s.Username) {
		if !r.reg.HasOpenSession(name, conv) {
			absent = append(absent, name)
		}
	}
	if len(absent) == 0 || r.notifier == nil {
		return
	}

	preview := msg.Content
	if preview == "" && msg.AttachmentName != "" {
		preview = "[attachment] " + msg.AttachmentName
	}
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		for _, name := range absent {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if u, ok := r.lookup(ctx, name); ok {
				r.notifier.Dispatch(ctx, u.ID, s.Username, preview, NotificationTypeChat)
			}
			cancel()
		}
	}()
}

func (r *Router) lookup(ctx context.Context, username string) (*models.User, bool) {
	u, err := r.users.FindUserByUsername(ctx, username)
	if err != nil {
		r.log.Warn("chat_participant_lookup_failed", zap.String("username", username), zap.Error(err))
		return nil, false
	}
	return u, true
}

func messageFrame(m *models.ChatMessage, att *Attachment) MessageFrame {
	return MessageFrame{
		Type:           TypeMessage,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Sender:         m.Sender,
		Role:           m.Role,
		Timestamp:      m.Timestamp,
		UserID:         m.SenderID,
		Attachment:     att,
	}
}

// checkConversation accepts conv only in canonical form and only for a
// participant. Other spellings of the same participants would otherwise
// open a second room with its own history.
func checkConversation(conv, username string) error {
	if conv == "" {
		return ErrBadRequest
	}
	canon, err := conversation.Canonical(conv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if canon != conv {
		return fmt.Errorf("%w: use conversation id %q", ErrBadRequest, canon)
	}
	if !conversation.IsMember(conv, username) {
		return ErrNotAuthorized
	}
	return nil
}

// HistoryFrame renders a stored message the way it was broadcast live.
func HistoryFrame(m *models.ChatMessage) MessageFrame {
	var att *Attachment
	if m.AttachmentName != "" || len(m.AttachmentData) > 0 {
		att = &Attachment{
			Name: m.AttachmentName,
			Type: m.AttachmentType,
			Size: m.AttachmentSize,
			Data: base64.StdEncoding.EncodeToString(m.AttachmentData),
		}
	}
	return messageFrame(m, att)
}

// IsRejection reports whether err is a frame rejection rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	for _, target := range []error{ErrNotAuthorized, ErrNotInConversation, ErrBadRequest, ErrEmptyContent, ErrUnknownFrame} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
