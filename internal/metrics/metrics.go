package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/suPer8Hu/wardlink/internal/session"
)

const namespace = "wardlink"

var (
	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_frames_total",
		Help:      "Inbound chat frames by type and result.",
	}, []string{"type", "result"})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_deliveries_total",
		Help:      "Notification deliveries by channel (live, push, none).",
	}, []string{"channel"})

	PushSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_sends_total",
		Help:      "Push gateway calls by outcome (ok, transient, permanent).",
	}, []string{"outcome"})

	CallWakeups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "call_wakeups_total",
		Help:      "Call wake-up pushes sent or suppressed by the cooldown.",
	}, []string{"outcome"})

	PersistFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_failures_total",
		Help:      "Swallowed persistence failures by kind.",
	}, []string{"kind"})
)

// Register adds every collector plus live session gauges to reg.
func Register(reg prometheus.Registerer, chat *session.Registry, presence *session.Presence) {
	reg.MustRegister(Frames, Notifications, PushSends, CallWakeups, PersistFailures)
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chat_sessions",
			Help:      "Registered chat sessions.",
		}, func() float64 { return float64(chat.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chat_conversations",
			Help:      "Conversations with at least one joined session.",
		}, func() float64 { return float64(chat.Conversations()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_users_online",
			Help:      "Users with an open notification connection.",
		}, func() float64 { return float64(presence.Users()) }),
	)
}
