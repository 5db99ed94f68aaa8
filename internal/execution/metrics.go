package execution

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes Prometheus collectors that report scheduler activity.
type Metrics struct {
	submitted   prometheus.Counter
	finished    *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	agents      prometheus.Gauge
	runDuration prometheus.Histogram
	rejected    prometheus.Counter
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Registration errors panic, mirroring promauto semantics, so duplicate or
// misconfigured collectors surface at startup rather than silently vanish.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "executions",
			Name:      "submitted_total",
			Help:      "Total number of task executions submitted.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "executions",
			Name:      "finished_total",
			Help:      "Total number of executions that reached a terminal status.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vibe",
			Subsystem: "executions",
			Name:      "queue_depth",
			Help:      "Number of executions waiting for an agent.",
		}),
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vibe",
			Subsystem: "executions",
			Name:      "agents",
			Help:      "Number of registered agents.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vibe",
			Subsystem: "executions",
			Name:      "run_duration_seconds",
			Help:      "Dispatch-to-completion duration of finished executions.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "executions",
			Name:      "rejected_total",
			Help:      "Total number of submissions rejected because the queue was full.",
		}),
	}
	reg.MustRegister(m.submitted, m.finished, m.queueDepth, m.agents, m.runDuration, m.rejected)
	return m
}
