package jobs

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes Prometheus collectors that report job registry activity.
type Metrics struct {
	jobsCreated  prometheus.Counter
	jobsActive   prometheus.Gauge
	jobsFinished *prometheus.CounterVec
	jobsEvicted  prometheus.Counter
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Registration errors panic, mirroring promauto semantics, so duplicate or
// misconfigured collectors surface at startup rather than silently vanish.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "jobs",
			Name:      "created_total",
			Help:      "Total number of background jobs created.",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vibe",
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Number of non-terminal jobs currently tracked.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total number of jobs that reached a terminal status.",
		}, []string{"status"}),
		jobsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "jobs",
			Name:      "evicted_total",
			Help:      "Total number of terminal jobs evicted from the LRU cache.",
		}),
	}
	reg.MustRegister(m.jobsCreated, m.jobsActive, m.jobsFinished, m.jobsEvicted)
	return m
}
