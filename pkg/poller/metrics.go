package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the poller's instrumentation. A nil *Metrics on the poller
// disables collection entirely.
type Metrics struct {
	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	Observations  prometheus.Counter
	ParseErrors   prometheus.Counter
	ChannelErrors *prometheus.CounterVec
	Anomalies     *prometheus.CounterVec
	JobsLost      prometheus.Counter
}

// NewMetrics registers the poller's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slurmscope",
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Completed polling cycles.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "slurmscope",
			Subsystem: "poller",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time per polling cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		Observations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slurmscope",
			Subsystem: "poller",
			Name:      "observations_total",
			Help:      "Observations accepted into the registry.",
		}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slurmscope",
			Subsystem: "poller",
			Name:      "parse_errors_total",
			Help:      "Scheduler output lines that failed to parse.",
		}),
		ChannelErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slurmscope",
			Subsystem: "poller",
			Name:      "channel_errors_total",
			Help:      "Failed queue queries by host.",
		}, []string{"host"}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slurmscope",
			Subsystem: "poller",
			Name:      "anomalies_total",
			Help:      "Anomalies recorded on observations by kind.",
		}, []string{"kind"}),
		JobsLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slurmscope",
			Subsystem: "poller",
			Name:      "jobs_declared_missing_total",
			Help:      "Jobs declared missing after consecutive absent snapshots.",
		}),
	}
}
