// Package metrics exposes the orchestration core's operational
// counters over Prometheus, mounted at GET /metrics alongside the rest
// of the HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TaskOutcomes counts dispatcher Handle results by task_type and
	// outcome (completed, escalated, failed).
	TaskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskcore_task_outcomes_total",
		Help: "Task outcomes produced by the dispatcher, by task type and outcome.",
	}, []string{"task_type", "outcome"})

	// BreakerState reports the current circuit-breaker state as a gauge
	// per breaker name: 0=closed, 1=half_open, 2=open.
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskcore_breaker_state",
		Help: "Circuit breaker state per name (0=closed, 1=half_open, 2=open).",
	}, []string{"name"})

	// DispatchLeases counts task leases taken by the dispatcher per task type.
	DispatchLeases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskcore_dispatch_leases_total",
		Help: "Tasks leased by the dispatcher, by task type.",
	}, []string{"task_type"})

	// EscalationsOpen tracks the count of unresolved blocking escalations.
	EscalationsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskcore_escalations_open",
		Help: "Number of currently unresolved blocking escalations.",
	})
)

func init() {
	prometheus.MustRegister(TaskOutcomes, BreakerState, DispatchLeases, EscalationsOpen)
}

// BreakerStateValue maps a breaker state name to the gauge's numeric encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
