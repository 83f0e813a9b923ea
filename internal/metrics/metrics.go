// Package metrics exposes the Prometheus instrumentation for the realtime
// service and the scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_published_total",
		Help: "Events fanned out to conversation subscribers, by event type.",
	}, []string{"type"})

	SessionsKicked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_sessions_kicked_total",
		Help: "Sessions disconnected because their outbound queue was full.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_active_sessions",
		Help: "Currently connected client sessions.",
	})

	MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_persisted_total",
		Help: "Messages durably written to the store.",
	})

	PersistRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_persist_retries_total",
		Help: "Durable-store append attempts that were retried.",
	})

	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_persist_failures_total",
		Help: "Messages that exhausted the append retry budget.",
	})
)

// Handler returns an http.Handler for Prometheus scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
