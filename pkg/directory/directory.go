package directory

import (
	"fmt"
	"sync"
	"time"

	"distributor/pkg/logx"
)

// Directory is the tenant-keyed agent snapshot store. Agents are kept in a
// per-tenant arena with an id index so snapshot reads and upserts are both
// single-map operations; readers always receive copies.
type Directory struct {
	tenants map[string]*tenantAgents
	logger  *logx.Logger
	mu      sync.RWMutex
}

type tenantAgents struct {
	arena []Agent        // Owned storage
	index map[string]int // agent ID -> arena slot
}

func New() *Directory {
	return &Directory{
		tenants: make(map[string]*tenantAgents),
		logger:  logx.NewLogger("directory"),
	}
}

// Upsert inserts or replaces one agent profile.
func (d *Directory) Upsert(agent Agent) error {
	if err := agent.Validate(); err != nil {
		return fmt.Errorf("upsert rejected: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tenant, exists := d.tenants[agent.TenantID]
	if !exists {
		tenant = &tenantAgents{index: make(map[string]int)}
		d.tenants[agent.TenantID] = tenant
	}

	if slot, ok := tenant.index[agent.ID]; ok {
		tenant.arena[slot] = agent
		return nil
	}

	tenant.arena = append(tenant.arena, agent)
	tenant.index[agent.ID] = len(tenant.arena) - 1
	d.logger.Debug("Added agent %s to tenant %s (pool size %d)",
		agent.ID, agent.TenantID, len(tenant.arena))
	return nil
}

// Remove deletes an agent from its tenant pool.
func (d *Directory) Remove(tenantID, agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tenant, exists := d.tenants[tenantID]
	if !exists {
		return
	}
	slot, ok := tenant.index[agentID]
	if !ok {
		return
	}

	// Swap-delete keeps the arena dense; fix the moved agent's index.
	last := len(tenant.arena) - 1
	if slot != last {
		tenant.arena[slot] = tenant.arena[last]
		tenant.index[tenant.arena[slot].ID] = slot
	}
	tenant.arena = tenant.arena[:last]
	delete(tenant.index, agentID)
	d.logger.Info("Removed agent %s from tenant %s", agentID, tenantID)
}

// Get returns a copy of one agent profile.
func (d *Directory) Get(tenantID, agentID string) (Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tenant, exists := d.tenants[tenantID]
	if !exists {
		return Agent{}, false
	}
	slot, ok := tenant.index[agentID]
	if !ok {
		return Agent{}, false
	}
	return tenant.arena[slot], true
}

// Snapshot returns copies of every agent registered for a tenant.
func (d *Directory) Snapshot(tenantID string) []Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tenant, exists := d.tenants[tenantID]
	if !exists {
		return nil
	}
	out := make([]Agent, len(tenant.arena))
	copy(out, tenant.arena)
	return out
}

// Eligible returns copies of the tenant's agents that are available and
// inside their working hours at the given instant. Capacity is not checked
// here; the workload tracker owns the live counters.
func (d *Directory) Eligible(tenantID string, now time.Time) []Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tenant, exists := d.tenants[tenantID]
	if !exists {
		return nil
	}

	eligible := make([]Agent, 0, len(tenant.arena))
	for i := range tenant.arena {
		agent := &tenant.arena[i]
		if agent.Status != StatusAvailable {
			continue
		}
		if !agent.WorkingHours.Contains(now) {
			continue
		}
		eligible = append(eligible, *agent)
	}
	return eligible
}

// SetStatus updates an agent's availability, written back by the external
// directory sync.
func (d *Directory) SetStatus(tenantID, agentID string, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tenant, exists := d.tenants[tenantID]
	if !exists {
		return fmt.Errorf("unknown tenant %s", tenantID)
	}
	slot, ok := tenant.index[agentID]
	if !ok {
		return fmt.Errorf("unknown agent %s in tenant %s", agentID, tenantID)
	}

	switch status {
	case StatusAvailable, StatusBusy, StatusOffline:
	default:
		return fmt.Errorf("invalid status %q", status)
	}

	tenant.arena[slot].Status = status
	return nil
}

// SetPerformance replaces an agent's performance stats, used by the metrics
// refresher.
func (d *Directory) SetPerformance(tenantID, agentID string, perf Performance) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tenant, exists := d.tenants[tenantID]
	if !exists {
		return fmt.Errorf("unknown tenant %s", tenantID)
	}
	slot, ok := tenant.index[agentID]
	if !ok {
		return fmt.Errorf("unknown agent %s in tenant %s", agentID, tenantID)
	}

	tenant.arena[slot].Performance = perf
	return nil
}

// Tenants lists every tenant with at least one registered agent.
func (d *Directory) Tenants() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.tenants))
	for id := range d.tenants {
		out = append(out, id)
	}
	return out
}
