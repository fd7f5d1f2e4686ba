package txmgr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/abbaskiko/mcdkit/internal/domain"
)

// Metrics exposes tracker activity:
//
//	mcd_tx_steps_total{state}            step transitions by state
//	mcd_tx_step_duration_seconds         submit-to-mined latency
//	mcd_tx_operations_inflight           operations not yet settled
//	mcd_tx_operations_total{name,status} settled operations
type Metrics struct {
	steps      *prometheus.CounterVec
	stepTime   prometheus.Histogram
	inflight   prometheus.Gauge
	operations *prometheus.CounterVec
}

// NewMetrics creates the tracker collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcd_tx_steps_total",
				Help: "Tracked transaction step transitions",
			},
			[]string{"state"},
		),
		stepTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mcd_tx_step_duration_seconds",
				Help:    "Time from submission to confirmation of a step",
				Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60, 120, 300},
			},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcd_tx_operations_inflight",
				Help: "Tracked operations that have not settled",
			},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcd_tx_operations_total",
				Help: "Settled tracked operations",
			},
			[]string{"name", "status"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.steps, m.stepTime, m.inflight, m.operations)
	}
	return m
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) step(state domain.TxState) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) confirmed(d time.Duration) {
	if m == nil {
		return
	}
	m.stepTime.Observe(d.Seconds())
}

func (m *Metrics) settled(name string, status domain.TxState) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.operations.WithLabelValues(name, string(status)).Inc()
}
