package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the scheduler's prometheus collectors, kept on their own
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	StepsTotal  *prometheus.CounterVec
	AgentsBusy  prometheus.Gauge
	QueueDepth  prometheus.Gauge
}

// NewMetrics creates and registers the scheduler metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "runs_total",
			Help:      "Finished runs by pipeline and status.",
		}, []string{"pipeline", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conductor",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 15),
		}, []string{"pipeline"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "steps_total",
			Help:      "Finished steps by pipeline and status.",
		}, []string{"pipeline", "status"}),
		AgentsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "agents_busy",
			Help:      "Agents currently running a run.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "queue_depth",
			Help:      "Runs admitted and waiting for an agent.",
		}),
	}

	reg.MustRegister(m.RunsTotal, m.RunDuration, m.StepsTotal, m.AgentsBusy, m.QueueDepth)

	return m
}
