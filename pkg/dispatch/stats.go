package dispatch

import (
	"context"
	"errors"
	"time"

	"distributor/pkg/proto"
	"distributor/pkg/rules"
	"distributor/pkg/selector"
)

// TenantStats are cumulative distribution counters for one tenant.
type TenantStats struct {
	Assigned       int64 `json:"assigned"`
	FailedNoAgent  int64 `json:"failed_no_agent"`
	FailedNoRule   int64 `json:"failed_no_rule"`
	FailedInternal int64 `json:"failed_internal"`
}

// EngineStats is the Stats() snapshot.
type EngineStats struct {
	Tenants           map[string]TenantStats `json:"tenants"`
	ActiveAssignments int                    `json:"active_assignments"`
	PendingRetries    int                    `json:"pending_retries"`
}

func (e *Engine) tenantStats(tenantID string) *TenantStats {
	if ts, exists := e.stats[tenantID]; exists {
		return ts
	}
	ts := &TenantStats{}
	e.stats[tenantID] = ts
	return ts
}

func (e *Engine) recordAssignment(a *proto.Assignment, elapsed time.Duration) {
	e.statsMu.Lock()
	e.tenantStats(a.TenantID).Assigned++
	e.statsMu.Unlock()

	if e.recorder != nil {
		e.recorder.ObserveAssignment(a.TenantID, a.AgentID, string(a.Method), elapsed)
	}
}

func (e *Engine) recordFailure(conv proto.Conversation, err error, elapsed time.Duration) {
	reason := "internal"
	switch {
	case errors.Is(err, selector.ErrNoAgentAvailable):
		reason = "no_agent"
	case errors.Is(err, rules.ErrNoRule):
		reason = "no_rule"
	case errors.Is(err, ErrAlreadyAssigned):
		reason = "already_assigned"
	}

	e.statsMu.Lock()
	ts := e.tenantStats(conv.TenantID)
	switch reason {
	case "no_agent":
		ts.FailedNoAgent++
	case "no_rule":
		ts.FailedNoRule++
	default:
		ts.FailedInternal++
	}
	e.statsMu.Unlock()

	if e.recorder != nil {
		e.recorder.ObserveFailure(conv.TenantID, reason, elapsed)
	}
}

// Stats snapshots the engine's counters.
func (e *Engine) Stats() EngineStats {
	e.statsMu.Lock()
	tenants := make(map[string]TenantStats, len(e.stats))
	for tenantID, ts := range e.stats {
		tenants[tenantID] = *ts
	}
	e.statsMu.Unlock()

	e.activeMu.Lock()
	active := len(e.active)
	e.activeMu.Unlock()

	e.pendingMu.Lock()
	pending := len(e.pending)
	e.pendingMu.Unlock()

	return EngineStats{
		Tenants:           tenants,
		ActiveAssignments: active,
		PendingRetries:    pending,
	}
}

func (e *Engine) clearPending(conversationID string) {
	e.pendingMu.Lock()
	delete(e.pending, conversationID)
	e.pendingMu.Unlock()
}

// RetryPending re-runs distribution for every conversation still waiting on
// capacity. Conversations that fail again simply stay queued.
func (e *Engine) RetryPending(ctx context.Context) int {
	e.pendingMu.Lock()
	batch := make([]proto.Conversation, 0, len(e.pending))
	for _, conv := range e.pending {
		batch = append(batch, conv)
	}
	e.pendingMu.Unlock()

	retried := 0
	for _, conv := range batch {
		if ctx.Err() != nil {
			return retried
		}
		if _, err := e.Distribute(ctx, conv); err == nil {
			retried++
		}
	}
	if retried > 0 {
		e.logger.Info("Pending sweep assigned %d of %d waiting conversations", retried, len(batch))
	}
	return retried
}
