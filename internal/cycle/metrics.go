package cycle

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's prometheus collectors.
type Metrics struct {
	cycles         prometheus.Counter
	cycleDuration  prometheus.Histogram
	pointsWritten  prometheus.Counter
	writeErrors    prometheus.Counter
	journalErrors  prometheus.Counter
	activeSources  prometheus.Gauge
	sourceFailures *prometheus.CounterVec
	sourceTimeouts *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gauge_cycles_total",
			Help: "Completed sampling cycles.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gauge_cycle_duration_seconds",
			Help:    "Time from cycle start to sink write return.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		pointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gauge_points_written_total",
			Help: "Points accepted by the sink.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gauge_sink_write_errors_total",
			Help: "Cycles whose batch the sink rejected.",
		}),
		journalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gauge_journal_errors_total",
			Help: "Failed journal appends or commits.",
		}),
		activeSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gauge_active_sources",
			Help: "Sources still participating in cycles.",
		}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gauge_source_failures_total",
			Help: "Sources dropped after their probe job stopped.",
		}, []string{"source"}),
		sourceTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gauge_source_timeouts_total",
			Help: "Cycles in which a source missed the cycle timeout.",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.cycles, m.cycleDuration, m.pointsWritten, m.writeErrors,
			m.journalErrors, m.activeSources, m.sourceFailures, m.sourceTimeouts,
		)
	}
	return m
}
