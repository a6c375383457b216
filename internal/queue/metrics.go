package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports queue counters to prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	jobs     *prometheus.CounterVec
	stalled  *prometheus.CounterVec
	pending  *prometheus.GaugeVec
	inflight *prometheus.GaugeVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the queue collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkrun",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Job attempts by queue and outcome.",
		}, []string{"queue", "outcome"}),
		stalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkrun",
			Subsystem: "queue",
			Name:      "stalled_total",
			Help:      "Jobs observed waiting on a queue with no handler.",
		}, []string{"queue"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bulkrun",
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Jobs waiting to be dispatched.",
		}, []string{"queue"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bulkrun",
			Subsystem: "queue",
			Name:      "inflight",
			Help:      "Jobs currently running.",
		}, []string{"queue"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bulkrun",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Handler run time per attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"queue"}),
	}
	if reg != nil {
		reg.MustRegister(m.jobs, m.stalled, m.pending, m.inflight, m.duration)
	}
	return m
}

func (m *Metrics) observe(queue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(queue, outcome).Inc()
	if d > 0 {
		m.duration.WithLabelValues(queue).Observe(d.Seconds())
	}
}

func (m *Metrics) stall(queue string) {
	if m == nil {
		return
	}
	m.stalled.WithLabelValues(queue).Inc()
}

func (m *Metrics) depth(queue string, pending, inflight int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(queue).Set(float64(pending))
	m.inflight.WithLabelValues(queue).Set(float64(inflight))
}
