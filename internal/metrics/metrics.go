// Package metrics provides Prometheus instrumentation for chatpat: live
// connections, realtime event throughput, message deliveries and call
// outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks open websocket connections, registered or not.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatpat_connections_active",
		Help: "Current number of open websocket connections",
	})

	// UsersOnline tracks users present in the connection registry.
	UsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatpat_users_online",
		Help: "Current number of users with a registered connection",
	})

	// EventsTotal counts decoded client events by type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatpat_events_total",
		Help: "Total number of realtime client events processed",
	}, []string{"type"})

	// EventErrorsTotal counts dropped frames, labeled by reason:
	// "decode", "handler", "rate_limited" or "panic".
	EventErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatpat_event_errors_total",
		Help: "Total number of realtime events dropped",
	}, []string{"reason"})

	// MessagesTotal counts accepted messages by initial delivery status.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatpat_messages_total",
		Help: "Total number of messages accepted",
	}, []string{"status"}) // status = "sent", "delivered"

	// CallsTotal counts call lifecycle outcomes.
	CallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatpat_calls_total",
		Help: "Total number of call lifecycle transitions",
	}, []string{"outcome"})

	// ActiveCalls tracks call sessions currently ringing or connected.
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatpat_active_calls",
		Help: "Current number of call sessions",
	})

	// PushTotal counts web push attempts by result.
	PushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatpat_push_notifications_total",
		Help: "Total number of web push notifications attempted",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		UsersOnline,
		EventsTotal,
		EventErrorsTotal,
		MessagesTotal,
		CallsTotal,
		ActiveCalls,
		PushTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
