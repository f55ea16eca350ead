// Package metrics defines the Prometheus collectors exported by gradsync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// GradientsReduced counts gradients handled by the reducer, by kind: "dense", "sparse" or "none".
	GradientsReduced *prometheus.CounterVec

	// ReduceDuration observes the time spent reducing all the gradients of one step.
	ReduceDuration prometheus.Histogram

	// OpDuration observes the time spent in ops run by an engine.Session, by op name.
	OpDuration *prometheus.HistogramVec

	// CollectiveOps counts collective operations served by the coordinator, by type and outcome.
	CollectiveOps *prometheus.CounterVec

	// PendingOps is the number of collective operations waiting for members at the coordinator.
	PendingOps prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GradientsReduced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradsync_gradients_reduced_total",
				Help: "Gradients processed by the collective gradient reducer.",
			},
			[]string{"kind"},
		),
		ReduceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gradsync_reduce_duration_seconds",
				Help:    "Time spent reducing the gradients of one optimization step.",
				Buckets: prometheus.DefBuckets,
			},
		),
		OpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gradsync_op_duration_seconds",
				Help:    "Time spent running synchronous collective ops.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		CollectiveOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradsync_coordinator_collective_ops_total",
				Help: "Collective operations completed by the coordinator.",
			},
			[]string{"type", "status"},
		),
		PendingOps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gradsync_coordinator_pending_ops",
				Help: "Collective operations waiting for group members.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.GradientsReduced, m.ReduceDuration, m.OpDuration, m.CollectiveOps, m.PendingOps)
	}
	return m
}

// CountGradient records one gradient of the given kind.
func (m *Metrics) CountGradient(kind string) {
	if m == nil {
		return
	}
	m.GradientsReduced.WithLabelValues(kind).Inc()
}

// ObserveReduce records the duration of one step's reduction.
func (m *Metrics) ObserveReduce(seconds float64) {
	if m == nil {
		return
	}
	m.ReduceDuration.Observe(seconds)
}

// ObserveOp records the duration of a synchronous op.
func (m *Metrics) ObserveOp(op string, seconds float64) {
	if m == nil {
		return
	}
	m.OpDuration.WithLabelValues(op).Observe(seconds)
}

// CountCollective records a collective operation completed by the coordinator.
func (m *Metrics) CountCollective(opType string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.CollectiveOps.WithLabelValues(opType, status).Inc()
}

// AddPending adjusts the pending operations gauge.
func (m *Metrics) AddPending(delta float64) {
	if m == nil {
		return
	}
	m.PendingOps.Add(delta)
}
