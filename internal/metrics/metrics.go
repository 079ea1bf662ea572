// Package metrics holds the Prometheus collectors of the streak engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streakstr_events_received_total",
			Help: "Events received per subscription",
		},
		[]string{"subscription"},
	)
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streakstr_events_processed_total",
			Help: "Events processed by class and outcome",
		},
		[]string{"class", "outcome"},
	)
	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streakstr_subscription_reconnects_total",
			Help: "Reconnects scheduled after unexpected subscription closes",
		},
		[]string{"subscription"},
	)
	PassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streakstr_worker_pass_duration_seconds",
			Help:    "Duration of reconciliation worker passes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streakstr_notifications_total",
			Help: "Outbound notifications by channel and status",
		},
		[]string{"channel", "status"},
	)
	StreaksBroken = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streakstr_streaks_broken_total",
			Help: "Streaks transitioned to broken by the enforcement pass",
		},
	)
	StreakCredits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streakstr_streak_credits_total",
			Help: "Windows credited to streaks",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

// Register adds the engine collectors to reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			EventsReceived,
			EventsProcessed,
			Reconnects,
			PassDuration,
			Notifications,
			StreaksBroken,
			StreakCredits,
		)
	})
}
