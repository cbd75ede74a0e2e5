// Package workload is the single authority over per-agent concurrent chat
// counters. Every capacity change goes through TryReserve/Release so the
// invariant 0 <= current <= max holds under concurrent distribution attempts.
package workload

import (
	"fmt"
	"sync"
	"time"

	"distributor/pkg/logx"
)

var (
	// ErrCapacityExceeded is the internal race signal: the agent was at
	// capacity by the time the reservation ran. The orchestrator retries
	// selection; callers never see it.
	ErrCapacityExceeded = fmt.Errorf("agent capacity exceeded")

	// ErrNotReserved flags a release with no matching reservation (a caller
	// bug). The counter is never driven negative.
	ErrNotReserved = fmt.Errorf("no reservation to release")

	// ErrUnknownAgent is returned for agents never registered with the
	// tracker.
	ErrUnknownAgent = fmt.Errorf("agent not tracked")
)

// State is a read-only view of one agent's live workload.
type State struct {
	AgentID        string    `json:"agent_id"`
	TenantID       string    `json:"tenant_id"`
	CurrentLoad    int       `json:"current_load"`
	MaxLoad        int       `json:"max_load"`
	Utilization    float64   `json:"utilization"`
	LastAssignment time.Time `json:"last_assignment"`
}

type agentCounter struct {
	tenantID       string
	current        int
	max            int
	lastAssignment time.Time
	mu             sync.Mutex
}

// Tracker owns the mutable counters. Agents enter the pool via Register and
// are keyed by agent ID; tenants never share agent IDs.
type Tracker struct {
	agents map[string]*agentCounter
	logger *logx.Logger
	mu     sync.RWMutex
}

func NewTracker() *Tracker {
	return &Tracker{
		agents: make(map[string]*agentCounter),
		logger: logx.NewLogger("workload"),
	}
}

// Register creates or reseeds the counter for an agent. The seed comes from
// the external directory's snapshot; max changes take effect immediately,
// current load is only seeded when the agent is first seen so in-flight
// reservations are not forgotten.
func (t *Tracker) Register(tenantID, agentID string, currentLoad, maxLoad int) error {
	if maxLoad <= 0 {
		return fmt.Errorf("agent %s: max load must be positive", agentID)
	}
	if currentLoad < 0 || currentLoad > maxLoad {
		return fmt.Errorf("agent %s: seed load %d out of range [0, %d]", agentID, currentLoad, maxLoad)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if counter, exists := t.agents[agentID]; exists {
		counter.mu.Lock()
		counter.max = maxLoad
		counter.mu.Unlock()
		return nil
	}

	t.agents[agentID] = &agentCounter{
		tenantID: tenantID,
		current:  currentLoad,
		max:      maxLoad,
	}
	t.logger.Debug("Tracking agent %s (tenant %s, load %d/%d)", agentID, tenantID, currentLoad, maxLoad)
	return nil
}

// Forget drops an agent's counter, used when the directory removes the agent.
func (t *Tracker) Forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agents, agentID)
}

func (t *Tracker) counter(agentID string) (*agentCounter, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counter, exists := t.agents[agentID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return counter, nil
}

// TryReserve atomically increments the agent's counter if capacity remains.
// On success it also stamps the last-assignment time used by round-robin
// ordering. Failure returns ErrCapacityExceeded with no side effects.
func (t *Tracker) TryReserve(agentID string) error {
	counter, err := t.counter(agentID)
	if err != nil {
		return err
	}

	counter.mu.Lock()
	defer counter.mu.Unlock()

	if counter.current >= counter.max {
		return fmt.Errorf("agent %s at %d/%d: %w", agentID, counter.current, counter.max, ErrCapacityExceeded)
	}

	counter.current++
	counter.lastAssignment = time.Now().UTC()
	return nil
}

// Release decrements the agent's counter. A release past zero is a no-op on
// the counter and returns ErrNotReserved so the caller bug is visible.
func (t *Tracker) Release(agentID string) error {
	counter, err := t.counter(agentID)
	if err != nil {
		return err
	}

	counter.mu.Lock()
	defer counter.mu.Unlock()

	if counter.current <= 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotReserved)
	}

	counter.current--
	return nil
}

// Get returns the live workload view for one agent.
func (t *Tracker) Get(agentID string) (State, error) {
	counter, err := t.counter(agentID)
	if err != nil {
		return State{}, err
	}

	counter.mu.Lock()
	defer counter.mu.Unlock()
	return State{
		AgentID:        agentID,
		TenantID:       counter.tenantID,
		CurrentLoad:    counter.current,
		MaxLoad:        counter.max,
		Utilization:    float64(counter.current) / float64(counter.max),
		LastAssignment: counter.lastAssignment,
	}, nil
}

// SnapshotFor returns workload views for the requested agents, skipping
// untracked ones. The selector reads this snapshot once per attempt.
func (t *Tracker) SnapshotFor(agentIDs []string) map[string]State {
	out := make(map[string]State, len(agentIDs))
	for _, id := range agentIDs {
		state, err := t.Get(id)
		if err != nil {
			continue
		}
		out[id] = state
	}
	return out
}

// HasCapacity reports whether the agent could accept one more conversation at
// snapshot time. The answer may be stale by reservation time; TryReserve is
// the authority.
func (t *Tracker) HasCapacity(agentID string) bool {
	state, err := t.Get(agentID)
	if err != nil {
		return false
	}
	return state.CurrentLoad < state.MaxLoad
}
