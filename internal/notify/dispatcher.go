// Package notify routes out-of-band events to users over the live
// notification channel or, when they have none open, the push gateway.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/suPer8Hu/wardlink/internal/metrics"
	"github.com/suPer8Hu/wardlink/internal/models"
	"github.com/suPer8Hu/wardlink/internal/push"
	"github.com/suPer8Hu/wardlink/internal/session"
	"go.uber.org/zap"
)

type Store interface {
	SaveNotification(ctx context.Context, n *models.NotificationRecord) error
	FindRecentNotifications(ctx context.Context, userID uint64, limit int) ([]models.NotificationRecord, error)
	ListUserIDs(ctx context.Context) ([]uint64, error)
}

type Pusher interface {
	PushToUser(ctx context.Context, userID uint64, title, body string, data map[string]string, prio push.Priority) (int, error)
}

// Event is the frame written to notification connections.
type Event struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Delivery summarises one dispatch.
type Delivery struct {
	ID     string `json:"id"`
	Users  int    `json:"users"`
	Live   int    `json:"live"`
	Pushed int    `json:"pushed"`
}

type Dispatcher struct {
	store    Store
	presence *session.Presence
	pusher   Pusher
	log      *zap.Logger
	timeout  time.Duration
}

func NewDispatcher(store Store, presence *session.Presence, pusher Pusher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, presence: presence, pusher: pusher, log: log, timeout: 10 * time.Second}
}

// Dispatch records the notification for userID and delivers it on exactly
// one channel.
func (d *Dispatcher) Dispatch(ctx context.Context, userID uint64, title, content, typ string) Delivery {
	rec := &models.NotificationRecord{
		PublicID: uuid.NewString(),
		Title:    title,
		Content:  content,
		Type:     typ,
		Targets:  []models.NotificationTarget{{UserID: userID}},
	}
	d.persist(ctx, rec)

	out := Delivery{ID: rec.PublicID, Users: 1}
	d.deliver(ctx, userID, rec, &out)
	return out
}

// Broadcast records one notification naming every known user, then makes
// the live-or-push decision for each of them.
func (d *Dispatcher) Broadcast(ctx context.Context, title, content, typ string) (Delivery, error) {
	ids, err := d.store.ListUserIDs(ctx)
	if err != nil {
		return Delivery{}, err
	}
	rec := &models.NotificationRecord{
		PublicID: uuid.NewString(),
		Title:    title,
		Content:  content,
		Type:     typ,
		Targets:  make([]models.NotificationTarget, 0, len(ids)),
	}
	for _, id := range ids {
		rec.Targets = append(rec.Targets, models.NotificationTarget{UserID: id})
	}
	d.persist(ctx, rec)

	out := Delivery{ID: rec.PublicID, Users: len(ids)}
	for _, id := range ids {
		d.deliver(ctx, id, rec, &out)
	}
	return out, nil
}

func (d *Dispatcher) Recent(ctx context.Context, userID uint64, limit int) ([]models.NotificationRecord, error) {
	return d.store.FindRecentNotifications(ctx, userID, limit)
}

func (d *Dispatcher) persist(ctx context.Context, rec *models.NotificationRecord) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.store.SaveNotification(ctx, rec); err != nil {
		metrics.PersistFailures.WithLabelValues("notification").Inc()
		d.log.Error("notification_persist_failed",
			zap.String("notification_id", rec.PublicID),
			zap.Int("targets", len(rec.Targets)),
			zap.Error(err))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, userID uint64, rec *models.NotificationRecord, out *Delivery) {
	if sessions := d.presence.Sessions(userID); len(sessions) > 0 {
		ev := Event{Type: rec.Type, Title: rec.Title, Content: rec.Content}
		for _, s := range sessions {
			if err := s.Send(ev); err != nil {
				d.presence.Remove(s)
				d.log.Debug("notification_live_write_failed", zap.Uint64("user_id", userID), zap.String("session_id", s.ID), zap.Error(err))
				continue
			}
			out.Live++
		}
		metrics.Notifications.WithLabelValues("live").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	n, err := d.pusher.PushToUser(ctx, userID, rec.Title, rec.Content, map[string]string{
		"type":           rec.Type,
		"notificationId": rec.PublicID,
	}, push.PriorityNormal)
	if err != nil {
		d.log.Error("notification_push_failed", zap.Uint64("user_id", userID), zap.Error(err))
		return
	}
	if n == 0 {
		metrics.Notifications.WithLabelValues("none").Inc()
		return
	}
	metrics.Notifications.WithLabelValues("push").Inc()
	out.Pushed += n
}
