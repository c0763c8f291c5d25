package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for fetch cycles and storage.
type Metrics struct {
	FetchUnits          *prometheus.CounterVec // labels: kind={forecast,historical}, outcome={success,failed}
	ObservationsStored  prometheus.Counter
	ObservationsSkipped prometheus.Counter
	UpstreamDuration    *prometheus.HistogramVec // labels: kind, provider
	CyclesRunning       prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.FetchUnits,
		m.ObservationsStored,
		m.ObservationsSkipped,
		m.UpstreamDuration,
		m.CyclesRunning,
	)
	return m
}

// NewMetricsForTesting creates unregistered metrics so tests can build as
// many services as they like without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		FetchUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "station_weather",
			Name:      "fetch_units_total",
			Help:      "Station/hour fetch units by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ObservationsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "station_weather",
			Name:      "observations_stored_total",
			Help:      "Rows inserted into the observation store.",
		}),
		ObservationsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "station_weather",
			Name:      "observations_skipped_total",
			Help:      "Samples skipped because their (lat, lon, ts) was already stored.",
		}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "station_weather",
			Name:      "upstream_request_duration_seconds",
			Help:      "Provider call duration including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind", "provider"}),
		CyclesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "station_weather",
			Name:      "fetch_cycles_running",
			Help:      "Fetch cycles currently in progress.",
		}),
	}
}
