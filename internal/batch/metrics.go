package batch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports orchestrator counters. A nil *Metrics records nothing.
type Metrics struct {
	batches  *prometheus.CounterVec
	items    *prometheus.CounterVec
	active   prometheus.Gauge
	itemTime *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkrun",
			Subsystem: "batch",
			Name:      "batches_total",
			Help:      "Batches by type and lifecycle status reached.",
		}, []string{"type", "status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkrun",
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Item attempts by batch type and outcome.",
		}, []string{"type", "outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bulkrun",
			Subsystem: "batch",
			Name:      "processing",
			Help:      "Batches currently being drained.",
		}),
		itemTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bulkrun",
			Subsystem: "batch",
			Name:      "item_duration_seconds",
			Help:      "Item processor call time per attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.batches, m.items, m.active, m.itemTime)
	}
	return m
}

func (m *Metrics) batch(typ, status string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(typ, status).Inc()
}

func (m *Metrics) item(typ, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(typ, outcome).Inc()
	m.itemTime.WithLabelValues(typ).Observe(d.Seconds())
}

func (m *Metrics) processing(delta float64) {
	if m == nil {
		return
	}
	m.active.Add(delta)
}
