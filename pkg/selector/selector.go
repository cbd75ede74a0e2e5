// Package selector narrows an eligible agent pool to a single winner
// according to a rule's routing strategy, with fallback chains for
// skill-based routing. Pools arrive pre-filtered (tenant, status, capacity,
// working hours); the selector never mutates agents or counters.
package selector

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"distributor/pkg/directory"
	"distributor/pkg/logx"
	"distributor/pkg/proto"
	"distributor/pkg/rules"
	"distributor/pkg/workload"
)

// ErrNoAgentAvailable means the eligible pool is empty for every applicable
// strategy. This is a normal outcome under load, surfaced to the caller for
// queuing or escalation.
var ErrNoAgentAvailable = fmt.Errorf("no agent available")

// Selector resolves rules against agent pools. Safe for concurrent use by
// multiple tenant workers.
type Selector struct {
	logger *logx.Logger
	rng    *rand.Rand
	rngMu  sync.Mutex
}

// New creates a selector with a time-seeded RNG for the random strategy.
func New() *Selector {
	return NewWithRand(rand.New(rand.NewSource(time.Now().UnixNano()))) //nolint:gosec // Selection jitter, not crypto
}

// NewWithRand creates a selector with the given RNG. Tests seed it to assert
// distribution properties deterministically.
func NewWithRand(rng *rand.Rand) *Selector {
	return &Selector{
		logger: logx.NewLogger("selector"),
		rng:    rng,
	}
}

// Decision is the outcome of a selection: the winning agent and the strategy
// that actually resolved it, which differs from the rule's strategy when a
// skill-based rule fell back.
type Decision struct {
	Agent  directory.Agent
	Method proto.Strategy
}

// Select picks the winning agent for a rule from the pool, consulting the
// workload snapshot for utilization and recency. Preferred agents restrict
// the pool as a soft hint: when none of them are eligible the full pool is
// used. Every path that ends with an empty pool returns ErrNoAgentAvailable.
func (s *Selector) Select(rule *rules.Rule, pool []directory.Agent, loads map[string]workload.State) (Decision, error) {
	if len(pool) == 0 {
		return Decision{}, fmt.Errorf("empty pool for rule %s: %w", rule.ID, ErrNoAgentAvailable)
	}

	working := pool
	if len(rule.Routing.PreferredAgents) > 0 {
		preferred := filterByID(pool, rule.Routing.PreferredAgents)
		if len(preferred) > 0 {
			working = preferred
		} else {
			s.logger.Debug("Rule %s: no preferred agent eligible, using full pool", rule.ID)
		}
	}

	if rule.Routing.Strategy == proto.StrategySkillBased {
		return s.selectSkillBased(rule, working, loads)
	}
	agent, err := s.resolve(rule.Routing.Strategy, working, loads)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Agent: agent, Method: rule.Routing.Strategy}, nil
}

// selectSkillBased keeps agents whose skills cover the rule's required set
// and resolves least-busy among them; an empty match set (or an empty
// required set) falls back to the rule's fallback strategy over the original
// pool.
func (s *Selector) selectSkillBased(rule *rules.Rule, pool []directory.Agent, loads map[string]workload.State) (Decision, error) {
	fallback := rule.Routing.FallbackStrategy
	if fallback == "" {
		fallback = proto.StrategyLeastBusy
	}

	if len(rule.Routing.RequiredSkills) > 0 {
		qualified := make([]directory.Agent, 0, len(pool))
		for i := range pool {
			if pool[i].HasSkills(rule.Routing.RequiredSkills) {
				qualified = append(qualified, pool[i])
			}
		}
		if len(qualified) > 0 {
			agent, err := s.resolve(proto.StrategyLeastBusy, qualified, loads)
			if err != nil {
				return Decision{}, err
			}
			return Decision{Agent: agent, Method: proto.StrategySkillBased}, nil
		}
		s.logger.Debug("Rule %s: no agent with skills %v, falling back to %s",
			rule.ID, rule.Routing.RequiredSkills, fallback)
	}

	agent, err := s.resolve(fallback, pool, loads)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Agent: agent, Method: fallback}, nil
}

// resolve applies one concrete strategy. skill_based never reaches here; rule
// validation forbids it as a fallback.
func (s *Selector) resolve(strategy proto.Strategy, pool []directory.Agent, loads map[string]workload.State) (directory.Agent, error) {
	if len(pool) == 0 {
		return directory.Agent{}, fmt.Errorf("strategy %s: %w", strategy, ErrNoAgentAvailable)
	}

	switch strategy {
	case proto.StrategyRoundRobin:
		return s.pickRoundRobin(pool, loads), nil
	case proto.StrategyLeastBusy:
		return s.pickLeastBusy(pool, loads), nil
	case proto.StrategyPerformance:
		return s.pickPerformance(pool), nil
	case proto.StrategyRandom:
		return s.pickRandom(pool), nil
	case proto.StrategySkillBased:
		return directory.Agent{}, fmt.Errorf("skill_based is not a terminal strategy")
	default:
		return directory.Agent{}, fmt.Errorf("unknown strategy %q", strategy)
	}
}

// pickRoundRobin picks the agent with the oldest last assignment; ties break
// by agent ID ascending for determinism. Never-assigned agents (zero time)
// sort first.
func (s *Selector) pickRoundRobin(pool []directory.Agent, loads map[string]workload.State) directory.Agent {
	sorted := sortedCopy(pool, func(a, b *directory.Agent) bool {
		ta, tb := loads[a.ID].LastAssignment, loads[b.ID].LastAssignment
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.ID < b.ID
	})
	return sorted[0]
}

// pickLeastBusy picks the smallest utilization; ties break by last assignment
// ascending, then agent ID for full determinism.
func (s *Selector) pickLeastBusy(pool []directory.Agent, loads map[string]workload.State) directory.Agent {
	sorted := sortedCopy(pool, func(a, b *directory.Agent) bool {
		ua, ub := utilization(a, loads), utilization(b, loads)
		if ua != ub {
			return ua < ub
		}
		ta, tb := loads[a.ID].LastAssignment, loads[b.ID].LastAssignment
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.ID < b.ID
	})
	return sorted[0]
}

// pickPerformance scores each agent and picks the maximum; ties break by
// agent ID ascending.
func (s *Selector) pickPerformance(pool []directory.Agent) directory.Agent {
	sorted := sortedCopy(pool, func(a, b *directory.Agent) bool {
		sa, sb := PerformanceScore(&a.Performance), PerformanceScore(&b.Performance)
		if sa != sb {
			return sa > sb
		}
		return a.ID < b.ID
	})
	return sorted[0]
}

func (s *Selector) pickRandom(pool []directory.Agent) directory.Agent {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return pool[s.rng.Intn(len(pool))]
}

// PerformanceScore averages response time, satisfaction, and resolution rate,
// each normalized to a 0-10 scale.
func PerformanceScore(p *directory.Performance) float64 {
	responseScore := 10 - p.AverageResponseTimeMinutes
	if responseScore < 0 {
		responseScore = 0
	}
	satisfactionScore := p.CustomerSatisfaction * 2
	resolutionScore := p.ResolutionRate * 10
	return (responseScore + satisfactionScore + resolutionScore) / 3
}

func utilization(agent *directory.Agent, loads map[string]workload.State) float64 {
	if state, ok := loads[agent.ID]; ok && state.MaxLoad > 0 {
		return state.Utilization
	}
	// Untracked agents count as idle; the reservation step is the authority.
	return 0
}

func filterByID(pool []directory.Agent, ids []string) []directory.Agent {
	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	out := make([]directory.Agent, 0, len(pool))
	for i := range pool {
		if allowed[pool[i].ID] {
			out = append(out, pool[i])
		}
	}
	return out
}

func sortedCopy(pool []directory.Agent, less func(a, b *directory.Agent) bool) []directory.Agent {
	sorted := make([]directory.Agent, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		return less(&sorted[i], &sorted[j])
	})
	return sorted
}
