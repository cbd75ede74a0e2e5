package rules

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"distributor/pkg/logx"
	"distributor/pkg/proto"
)

// Store keeps the per-tenant rule snapshot. The external rule store owns the
// rules; this cache hands out copies for one distribution decision at a time.
type Store struct {
	tenants map[string][]Rule
	logger  *logx.Logger
	mu      sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		tenants: make(map[string][]Rule),
		logger:  logx.NewLogger("rules"),
	}
}

// Put replaces the rule set of one tenant.
func (s *Store) Put(tenantID string, tenantRules []Rule) error {
	for i := range tenantRules {
		if err := tenantRules[i].Validate(); err != nil {
			return err
		}
		if tenantRules[i].TenantID != tenantID {
			return fmt.Errorf("rule %s belongs to tenant %s, not %s",
				tenantRules[i].ID, tenantRules[i].TenantID, tenantID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]Rule, len(tenantRules))
	copy(stored, tenantRules)
	s.tenants[tenantID] = stored
	return nil
}

// Snapshot returns copies of a tenant's rules in store order.
func (s *Store) Snapshot(tenantID string) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, exists := s.tenants[tenantID]
	if !exists {
		return nil
	}
	out := make([]Rule, len(stored))
	copy(out, stored)
	return out
}

// MatchConversation resolves the applicable rule for a conversation from the
// tenant's snapshot.
func (s *Store) MatchConversation(conv *proto.Conversation) (*Rule, error) {
	rule, err := Match(conv, s.Snapshot(conv.TenantID))
	if err != nil {
		// Missing catch-all is an operator problem; make it loud.
		s.logger.Error("Rule matching failed for tenant %s conversation %s: %v",
			conv.TenantID, conv.ID, err)
		return nil, err
	}
	return rule, nil
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a rule export YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules %s: %w", path, err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules %s: %w", path, err)
	}

	for i := range file.Rules {
		if err := file.Rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("rules %s: %w", path, err)
		}
	}
	return file.Rules, nil
}

// Reload replaces the store contents from a rule file, grouping by tenant.
func (s *Store) Reload(path string) error {
	loaded, err := LoadRules(path)
	if err != nil {
		return err
	}

	byTenant := make(map[string][]Rule)
	for i := range loaded {
		byTenant[loaded[i].TenantID] = append(byTenant[loaded[i].TenantID], loaded[i])
	}

	s.mu.Lock()
	s.tenants = byTenant
	s.mu.Unlock()

	s.logger.Info("Loaded %d rules for %d tenants from %s", len(loaded), len(byTenant), path)
	return nil
}
