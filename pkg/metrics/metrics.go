// Package metrics exposes Prometheus counters and histograms for the
// connection handler and fetcher, grounded on examples/relay-node/main.go's
// NewCounterVec/NewHistogramVec/NewGaugeVec + MustRegister wiring, narrowed
// to the dimensions the audit schema already tracks (decision, reason) so
// the two stay consistent (SPEC_FULL.md §B).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector pepd registers. One instance lives for the
// life of the process, shared by every connection the same way audit.Sink
// is (pkg/handler never owns more than one of either).
type Metrics struct {
	TurnsTotal    *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	InFlight      prometheus.Gauge
}

// New builds and registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with
// prometheus.DefaultRegisterer across parallel test binaries.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pep_turns_total",
			Help: "Total connection turns, by decision and reason code.",
		}, []string{"decision", "reason"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pep_fetch_duration_seconds",
			Help:    "Time from the start of a turn to its response, by decision; allowed turns include the upstream fetch and its redirects.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"decision"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pep_fetches_in_flight",
			Help: "Fetches currently occupying a pool slot.",
		}),
	}
	reg.MustRegister(m.TurnsTotal, m.FetchDuration, m.InFlight)
	return m
}

// RecordTurn is called once per turn (spec.md §8 invariant: exactly one
// audit record per turn, and exactly one metrics observation to match).
func (m *Metrics) RecordTurn(decision, reason string, elapsedSeconds float64) {
	m.TurnsTotal.WithLabelValues(decision, reason).Inc()
	m.FetchDuration.WithLabelValues(decision).Observe(elapsedSeconds)
}

// HandlerFor serves reg's collectors in the Prometheus text format.
func HandlerFor(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
