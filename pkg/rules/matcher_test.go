package rules

import (
	"errors"
	"testing"

	"distributor/pkg/proto"
)

func rule(id string, priority proto.Priority, cond Conditions) Rule {
	return Rule{
		ID:         id,
		TenantID:   "tenant-a",
		Name:       id,
		Enabled:    true,
		Priority:   priority,
		Conditions: cond,
		Routing:    Routing{Strategy: proto.StrategyLeastBusy},
	}
}

func conv(customerType, convType, urgency, language string) *proto.Conversation {
	return &proto.Conversation{
		ID:               "conv-1",
		TenantID:         "tenant-a",
		CustomerType:     customerType,
		ConversationType: convType,
		Urgency:          urgency,
		Language:         language,
	}
}

func TestMatchPriorityOrder(t *testing.T) {
	candidates := []Rule{
		rule("low", proto.PriorityLow, Conditions{CustomerType: "vip"}),
		rule("high", proto.PriorityHigh, Conditions{CustomerType: "vip"}),
		rule("medium", proto.PriorityMedium, Conditions{CustomerType: "vip"}),
	}

	matched, err := Match(conv("vip", "", "", ""), candidates)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if matched.ID != "high" {
		t.Errorf("expected highest priority rule, got %s", matched.ID)
	}
}

func TestMatchWildcardConditions(t *testing.T) {
	candidates := []Rule{
		rule("urgent-arabic", proto.PriorityHigh, Conditions{Urgency: "high", Language: "ar"}),
	}

	if _, err := Match(conv("vip", "support", "high", "en"), candidates); err == nil {
		t.Fatal("partial condition match should not apply")
	}

	matched, err := Match(conv("regular", "sales", "high", "ar"), candidates)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if matched.ID != "urgent-arabic" {
		t.Errorf("expected urgent-arabic, got %s", matched.ID)
	}
}

func TestMatchCatchAllIsLastResort(t *testing.T) {
	candidates := []Rule{
		// Catch-all carries the highest priority but must not shadow a
		// specific match.
		rule("default", proto.PriorityUrgent, Conditions{}),
		rule("vip", proto.PriorityLow, Conditions{CustomerType: "vip"}),
	}

	matched, err := Match(conv("vip", "", "", ""), candidates)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if matched.ID != "vip" {
		t.Errorf("expected specific rule over catch-all, got %s", matched.ID)
	}

	matched, err = Match(conv("regular", "", "", ""), candidates)
	if err != nil {
		t.Fatalf("fallback match: %v", err)
	}
	if matched.ID != "default" {
		t.Errorf("expected catch-all for unmatched conversation, got %s", matched.ID)
	}
}

func TestMatchNoRule(t *testing.T) {
	candidates := []Rule{
		rule("vip", proto.PriorityHigh, Conditions{CustomerType: "vip"}),
	}

	_, err := Match(conv("regular", "", "", ""), candidates)
	if !errors.Is(err, ErrNoRule) {
		t.Fatalf("expected ErrNoRule, got %v", err)
	}
}

func TestMatchSkipsDisabledAndForeignRules(t *testing.T) {
	disabled := rule("disabled", proto.PriorityUrgent, Conditions{CustomerType: "vip"})
	disabled.Enabled = false
	foreign := rule("foreign", proto.PriorityUrgent, Conditions{CustomerType: "vip"})
	foreign.TenantID = "tenant-b"
	candidates := []Rule{
		disabled,
		foreign,
		rule("own", proto.PriorityLow, Conditions{CustomerType: "vip"}),
	}

	matched, err := Match(conv("vip", "", "", ""), candidates)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if matched.ID != "own" {
		t.Errorf("expected own enabled rule, got %s", matched.ID)
	}
}

func TestMatchEmptyAttributeNeverMatchesCondition(t *testing.T) {
	candidates := []Rule{
		rule("arabic", proto.PriorityHigh, Conditions{Language: "ar"}),
	}

	if _, err := Match(conv("", "", "", ""), candidates); !errors.Is(err, ErrNoRule) {
		t.Fatalf("empty attribute must not satisfy a non-wildcard condition, got %v", err)
	}
}

func TestRuleValidate(t *testing.T) {
	valid := rule("r1", proto.PriorityHigh, Conditions{})
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	badPriority := valid
	badPriority.Priority = "critical"
	if err := badPriority.Validate(); err == nil {
		t.Error("expected error for unknown priority")
	}

	badStrategy := valid
	badStrategy.Routing.Strategy = "fastest"
	if err := badStrategy.Validate(); err == nil {
		t.Error("expected error for unknown strategy")
	}

	cyclicFallback := valid
	cyclicFallback.Routing.Strategy = proto.StrategySkillBased
	cyclicFallback.Routing.FallbackStrategy = proto.StrategySkillBased
	if err := cyclicFallback.Validate(); err == nil {
		t.Error("expected error for skill_based fallback")
	}
}
