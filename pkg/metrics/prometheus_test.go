package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounters(t *testing.T) {
	// promauto registers with the default registry; one recorder per test
	// binary.
	r := NewRecorder()

	r.ObserveAssignment("tenant-a", "agent-1", "least_busy", 5*time.Millisecond)
	r.ObserveAssignment("tenant-a", "agent-1", "least_busy", 7*time.Millisecond)
	r.ObserveFailure("tenant-a", "no_agent", time.Millisecond)
	r.IncReserveConflict("tenant-a")
	r.SetUtilization("tenant-a", "agent-1", 0.5)

	if got := testutil.ToFloat64(r.assignmentsTotal.WithLabelValues("tenant-a", "agent-1", "least_busy")); got != 2 {
		t.Errorf("assignments counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.failuresTotal.WithLabelValues("tenant-a", "no_agent")); got != 1 {
		t.Errorf("failures counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.reserveConflicts.WithLabelValues("tenant-a")); got != 1 {
		t.Errorf("conflict counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.agentUtilization.WithLabelValues("tenant-a", "agent-1")); got != 0.5 {
		t.Errorf("utilization gauge = %v, want 0.5", got)
	}

	if got := testutil.ToFloat64(r.activeAssignments.WithLabelValues("tenant-a")); got != 2 {
		t.Errorf("active gauge = %v, want 2", got)
	}
	r.ObserveRelease("tenant-a")
	if got := testutil.ToFloat64(r.activeAssignments.WithLabelValues("tenant-a")); got != 1 {
		t.Errorf("active gauge after release = %v, want 1", got)
	}
}
