// Package metrics provides Prometheus-based instrumentation for distribution
// outcomes and a query service for aggregating per-agent performance.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records distribution metrics. The dispatch engine calls it outside
// the per-tenant critical section.
type Recorder struct {
	assignmentsTotal  *prometheus.CounterVec
	failuresTotal     *prometheus.CounterVec
	reserveConflicts  *prometheus.CounterVec
	decisionDuration  *prometheus.HistogramVec
	agentUtilization  *prometheus.GaugeVec
	activeAssignments *prometheus.GaugeVec
}

// NewRecorder registers the distribution metric families with the default
// registry.
func NewRecorder() *Recorder {
	return &Recorder{
		assignmentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distribution_assignments_total",
				Help: "Total number of successful assignments by tenant, agent, and method",
			},
			[]string{"tenant_id", "agent_id", "method"},
		),
		failuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distribution_failures_total",
				Help: "Total number of failed distribution attempts by tenant and reason",
			},
			[]string{"tenant_id", "reason"},
		),
		reserveConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distribution_reserve_conflicts_total",
				Help: "Capacity reservation conflicts retried during selection",
			},
			[]string{"tenant_id"},
		),
		decisionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distribution_decision_duration_seconds",
				Help:    "Duration of distribution decisions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tenant_id", "outcome"},
		),
		agentUtilization: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "distribution_agent_utilization",
				Help: "Current load / max load per agent",
			},
			[]string{"tenant_id", "agent_id"},
		),
		activeAssignments: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "distribution_active_assignments",
				Help: "Active assignments per tenant",
			},
			[]string{"tenant_id"},
		),
	}
}

// ObserveAssignment records one successful assignment.
func (r *Recorder) ObserveAssignment(tenantID, agentID, method string, duration time.Duration) {
	r.assignmentsTotal.WithLabelValues(tenantID, agentID, method).Inc()
	r.decisionDuration.WithLabelValues(tenantID, "assigned").Observe(duration.Seconds())
	r.activeAssignments.WithLabelValues(tenantID).Inc()
}

// ObserveFailure records a distribution attempt that produced no assignment.
func (r *Recorder) ObserveFailure(tenantID, reason string, duration time.Duration) {
	r.failuresTotal.WithLabelValues(tenantID, reason).Inc()
	r.decisionDuration.WithLabelValues(tenantID, "failed").Observe(duration.Seconds())
}

// ObserveRelease records an assignment leaving the active set.
func (r *Recorder) ObserveRelease(tenantID string) {
	r.activeAssignments.WithLabelValues(tenantID).Dec()
}

// IncReserveConflict counts a TryReserve race retried inside the engine.
func (r *Recorder) IncReserveConflict(tenantID string) {
	r.reserveConflicts.WithLabelValues(tenantID).Inc()
}

// SetUtilization publishes an agent's current utilization rate.
func (r *Recorder) SetUtilization(tenantID, agentID string, utilization float64) {
	r.agentUtilization.WithLabelValues(tenantID, agentID).Set(utilization)
}
