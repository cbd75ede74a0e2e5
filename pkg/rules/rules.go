// Package rules holds per-tenant distribution rules and the matcher that picks
// the single applicable rule for a conversation. Rule CRUD belongs to an
// external rule store; this package keeps a snapshot and matches against it.
package rules

import (
	"fmt"

	"distributor/pkg/proto"
)

// Conditions are the match criteria of a rule. An empty field is a wildcard
// and always matches.
type Conditions struct {
	CustomerType     string `json:"customer_type,omitempty" yaml:"customer_type,omitempty"`
	ConversationType string `json:"conversation_type,omitempty" yaml:"conversation_type,omitempty"`
	Urgency          string `json:"urgency,omitempty" yaml:"urgency,omitempty"`
	Language         string `json:"language,omitempty" yaml:"language,omitempty"`
}

// CatchAll reports whether every condition is a wildcard.
func (c *Conditions) CatchAll() bool {
	return c.CustomerType == "" && c.ConversationType == "" && c.Urgency == "" && c.Language == ""
}

// Matches reports whether every non-wildcard condition equals the
// corresponding conversation attribute.
func (c *Conditions) Matches(conv *proto.Conversation) bool {
	if c.CustomerType != "" && c.CustomerType != conv.CustomerType {
		return false
	}
	if c.ConversationType != "" && c.ConversationType != conv.ConversationType {
		return false
	}
	if c.Urgency != "" && c.Urgency != conv.Urgency {
		return false
	}
	if c.Language != "" && c.Language != conv.Language {
		return false
	}
	return true
}

// Routing tells the selector how to resolve an agent once a rule matched.
type Routing struct {
	Strategy         proto.Strategy `json:"strategy" yaml:"strategy"`
	RequiredSkills   []string       `json:"required_skills,omitempty" yaml:"required_skills,omitempty"`
	PreferredAgents  []string       `json:"preferred_agents,omitempty" yaml:"preferred_agents,omitempty"`
	FallbackStrategy proto.Strategy `json:"fallback_strategy,omitempty" yaml:"fallback_strategy,omitempty"`
}

// Rule is one distribution rule. Rules are immutable during a distribution
// decision; the store hands out copies.
type Rule struct {
	ID         string         `json:"id" yaml:"id"`
	TenantID   string         `json:"tenant_id" yaml:"tenant_id"`
	Name       string         `json:"name" yaml:"name"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	Priority   proto.Priority `json:"priority" yaml:"priority"`
	Conditions Conditions     `json:"conditions" yaml:"conditions"`
	Routing    Routing        `json:"routing" yaml:"routing"`
}

// Validate checks a rule as loaded from the external store.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.TenantID == "" {
		return fmt.Errorf("rule %s: tenant_id is required", r.ID)
	}
	if r.Priority.Ordinal() == 0 {
		return fmt.Errorf("rule %s: invalid priority %q", r.ID, r.Priority)
	}
	if _, err := proto.ParseStrategy(string(r.Routing.Strategy)); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.Routing.FallbackStrategy != "" {
		if _, err := proto.ParseStrategy(string(r.Routing.FallbackStrategy)); err != nil {
			return fmt.Errorf("rule %s: fallback: %w", r.ID, err)
		}
		if r.Routing.FallbackStrategy == proto.StrategySkillBased {
			return fmt.Errorf("rule %s: skill_based cannot be its own fallback", r.ID)
		}
	}
	return nil
}
