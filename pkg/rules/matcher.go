package rules

import (
	"fmt"
	"sort"

	"distributor/pkg/proto"
)

// ErrNoRule means a tenant has no matching rule and no catch-all default.
// This is a configuration error, not a load condition: it should alert
// operators rather than silently drop conversations.
var ErrNoRule = fmt.Errorf("no distribution rule matches and no catch-all is configured")

// Match picks the single applicable rule for a conversation: enabled rules of
// the conversation's tenant ordered by descending priority, first whose
// conditions all match. If nothing matches, the tenant's catch-all rule (all
// conditions wildcard) applies. Returns ErrNoRule when even the catch-all is
// missing.
func Match(conv *proto.Conversation, candidates []Rule) (*Rule, error) {
	applicable := make([]Rule, 0, len(candidates))
	for i := range candidates {
		if candidates[i].TenantID != conv.TenantID || !candidates[i].Enabled {
			continue
		}
		applicable = append(applicable, candidates[i])
	}

	// Stable keeps the store's order for equal priorities.
	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].Priority.Ordinal() > applicable[j].Priority.Ordinal()
	})

	var catchAll *Rule
	for i := range applicable {
		rule := &applicable[i]
		if rule.Conditions.CatchAll() {
			if catchAll == nil {
				catchAll = rule
			}
			continue
		}
		if rule.Conditions.Matches(conv) {
			matched := *rule
			return &matched, nil
		}
	}

	if catchAll != nil {
		matched := *catchAll
		return &matched, nil
	}
	return nil, fmt.Errorf("tenant %s: %w", conv.TenantID, ErrNoRule)
}
