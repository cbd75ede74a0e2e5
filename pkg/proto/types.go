// Package proto defines the shared vocabulary of the distribution engine:
// priorities, selection strategies, assignment states, and the records that
// cross package boundaries.
package proto

import (
	"fmt"
	"time"
)

// Priority orders rules when several match the same conversation.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Ordinal returns the numeric rank of a priority (urgent=4 … low=1).
// Unknown priorities rank below low so malformed rules never win ties.
func (p Priority) Ordinal() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Strategy is the closed set of agent selection strategies.
type Strategy string

const (
	StrategySkillBased  Strategy = "skill_based"
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastBusy   Strategy = "least_busy"
	StrategyPerformance Strategy = "performance_based"
	StrategyRandom      Strategy = "random"
)

// Strategies returns every valid strategy.
func Strategies() []Strategy {
	return []Strategy{
		StrategySkillBased,
		StrategyRoundRobin,
		StrategyLeastBusy,
		StrategyPerformance,
		StrategyRandom,
	}
}

// ParseStrategy validates a strategy string from config or storage.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySkillBased, StrategyRoundRobin, StrategyLeastBusy, StrategyPerformance, StrategyRandom:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

func (s Strategy) String() string {
	return string(s)
}

// Conversation carries the attributes of an inbound conversation that the
// matcher and selector act on. Empty attribute values never match non-wildcard
// rule conditions.
type Conversation struct {
	ID               string `json:"id"`
	TenantID         string `json:"tenant_id"`
	CustomerType     string `json:"customer_type"`
	ConversationType string `json:"conversation_type"`
	Urgency          string `json:"urgency"`
	Language         string `json:"language"`
}

// AssignmentStatus is the lifecycle status of a persisted assignment.
type AssignmentStatus string

const (
	AssignmentActive     AssignmentStatus = "active"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentReassigned AssignmentStatus = "reassigned"
)

// Terminal reports whether the status admits no further transitions.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentCompleted || s == AssignmentReassigned
}

// Assignment records a distribution decision. At most one non-terminal
// assignment exists per conversation.
type Assignment struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	TenantID       string           `json:"tenant_id"`
	AgentID        string           `json:"agent_id"`
	RuleID         string           `json:"rule_id"`
	Method         Strategy         `json:"method"` // Strategy that actually resolved, fallback included
	Status         AssignmentStatus `json:"status"`
	AssignedAt     time.Time        `json:"assigned_at"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
}
