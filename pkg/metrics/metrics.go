package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters for the materials lifecycle. Outcome labels keep cardinality
// bounded: success, insufficient_stock, invalid_state, not_found, error.
var (
	LotsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "materials_lots_received_total",
		Help: "Raw material lots received into quarantine.",
	})

	LotsEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "materials_lots_evaluated_total",
		Help: "QC evaluations by decision.",
	}, []string{"decision"})

	Consumptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "materials_consumptions_total",
		Help: "Consumption attempts by resource type and outcome.",
	}, []string{"resource", "outcome"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "materials_events_published_total",
		Help: "Domain events published by type.",
	}, []string{"event_type"})

	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "materials_event_publish_failures_total",
		Help: "Domain events that failed to publish.",
	})
)

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}
