package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveTimers     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "pickup_presence", Name: "active_timers", Help: "Passengers with armed countdown callbacks"})
	CheckpointsFired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_presence", Name: "checkpoints_fired_total", Help: "Countdown checkpoint notifications emitted by timers"})
	Expirations      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_presence", Name: "expirations_total", Help: "Presence records deleted on expiry"})

	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pickup_presence", Name: "actions_total", Help: "Passenger and driver actions by outcome"},
		[]string{"action", "result"},
	)
	ActionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pickup_presence",
			Name:      "action_latency_seconds",
			Help:      "Time from receiving an action to emitting its notifications",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "pickup_presence", Name: "sessions_active", Help: "Connected realtime sessions"},
		[]string{"role"},
	)
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pickup_presence", Name: "notifications_sent_total", Help: "Outbound notifications delivered to sessions"},
		[]string{"type"},
	)
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_presence", Name: "notifications_dropped_total", Help: "Notifications dropped because a session buffer was full"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pickup_presence", Name: "events_published_total", Help: "Lifecycle events handed to the event transport"},
		[]string{"transport", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pickup_presence", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pickup_presence",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
