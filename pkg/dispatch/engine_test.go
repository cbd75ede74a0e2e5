package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"distributor/pkg/directory"
	"distributor/pkg/notify"
	"distributor/pkg/proto"
	"distributor/pkg/rules"
	"distributor/pkg/selector"
	"distributor/pkg/workload"
)

func testAgent(tenantID, id string, maxChats int, skills ...string) directory.Agent {
	return directory.Agent{
		ID:                 id,
		TenantID:           tenantID,
		Name:               id,
		Skills:             skills,
		MaxConcurrentChats: maxChats,
		Status:             directory.StatusAvailable,
		WorkingHours: directory.WorkingHours{
			Start:    "00:00",
			End:      "23:59",
			Timezone: "UTC",
			Weekdays: []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"},
		},
	}
}

func catchAllRule(tenantID string, strategy proto.Strategy) rules.Rule {
	return rules.Rule{
		ID:       tenantID + "-default",
		TenantID: tenantID,
		Name:     "Default",
		Enabled:  true,
		Priority: proto.PriorityLow,
		Routing:  rules.Routing{Strategy: strategy},
	}
}

func conversation(tenantID, id string) proto.Conversation {
	return proto.Conversation{ID: id, TenantID: tenantID}
}

type testEnv struct {
	engine  *Engine
	dir     *directory.Directory
	rules   *rules.Store
	tracker *workload.Tracker
	store   *MemoryStore
}

func newTestEnv(t *testing.T, agents []directory.Agent, tenantRules map[string][]rules.Rule, opts ...Option) *testEnv {
	t.Helper()

	dir := directory.New()
	for _, a := range agents {
		if err := dir.Upsert(a); err != nil {
			t.Fatalf("upsert %s: %v", a.ID, err)
		}
	}

	ruleStore := rules.NewStore()
	for tenantID, rs := range tenantRules {
		if err := ruleStore.Put(tenantID, rs); err != nil {
			t.Fatalf("put rules for %s: %v", tenantID, err)
		}
	}

	tracker := workload.NewTracker()
	store := NewMemoryStore()
	sel := selector.NewWithRand(rand.New(rand.NewSource(1))) //nolint:gosec

	engine := New(dir, ruleStore, tracker, sel, store, notify.NopPublisher{}, opts...)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	})

	return &testEnv{engine: engine, dir: dir, rules: ruleStore, tracker: tracker, store: store}
}

func TestDistributeAssignsAgent(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{testAgent("tenant-a", "agent-1", 3)},
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)}},
	)

	assignment, err := env.engine.Distribute(context.Background(), conversation("tenant-a", "conv-1"))
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if assignment.AgentID != "agent-1" {
		t.Errorf("expected agent-1, got %s", assignment.AgentID)
	}
	if assignment.Status != proto.AssignmentActive {
		t.Errorf("expected active status, got %s", assignment.Status)
	}
	if assignment.RuleID != "tenant-a-default" {
		t.Errorf("expected catch-all rule, got %s", assignment.RuleID)
	}
	if assignment.Method != proto.StrategyLeastBusy {
		t.Errorf("expected method least_busy, got %s", assignment.Method)
	}

	state, err := env.tracker.Get("agent-1")
	if err != nil {
		t.Fatalf("tracker get: %v", err)
	}
	if state.CurrentLoad != 1 {
		t.Errorf("expected load 1 after assignment, got %d", state.CurrentLoad)
	}

	if saved, ok := env.store.Get(assignment.ID); !ok || saved.Status != proto.AssignmentActive {
		t.Error("assignment not persisted as active")
	}
}

func TestDistributeRespectsCapacityUnderConcurrency(t *testing.T) {
	agents := []directory.Agent{
		testAgent("tenant-a", "agent-1", 1),
		testAgent("tenant-a", "agent-2", 1),
		testAgent("tenant-a", "agent-3", 1),
	}
	env := newTestEnv(t, agents,
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)}},
	)

	const conversations = 4
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		assigned []string
		failures int
	)
	for i := 0; i < conversations; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			a, err := env.engine.Distribute(context.Background(),
				conversation("tenant-a", fmt.Sprintf("conv-%d", n)))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !errors.Is(err, selector.ErrNoAgentAvailable) {
					t.Errorf("unexpected failure: %v", err)
				}
				failures++
				return
			}
			assigned = append(assigned, a.AgentID)
		}(i)
	}
	wg.Wait()

	if len(assigned) != 3 || failures != 1 {
		t.Fatalf("expected 3 assignments and 1 no-agent failure, got %d/%d", len(assigned), failures)
	}

	seen := map[string]int{}
	for _, id := range assigned {
		seen[id]++
	}
	for _, a := range agents {
		if seen[a.ID] != 1 {
			t.Errorf("agent %s holds %d conversations, capacity is 1", a.ID, seen[a.ID])
		}
		state, _ := env.tracker.Get(a.ID)
		if state.CurrentLoad < 0 || state.CurrentLoad > state.MaxLoad {
			t.Errorf("agent %s counter out of range: %d/%d", a.ID, state.CurrentLoad, state.MaxLoad)
		}
	}
}

func TestCancelledDistributeReleasesReservation(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{testAgent("tenant-a", "agent-1", 1000)},
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)}},
	)

	const conversations = 400
	var wg sync.WaitGroup
	assigned := make(chan string, conversations)
	for i := 0; i < conversations; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go cancel()
			a, err := env.engine.Distribute(ctx, conversation("tenant-a", fmt.Sprintf("conv-%d", n)))
			if err == nil {
				assigned <- a.ConversationID
			} else if !errors.Is(err, context.Canceled) {
				t.Errorf("unexpected failure: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(assigned)

	for id := range assigned {
		if err := env.engine.Complete(context.Background(), id); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}

	// Cancelled callers may leave their requests in the worker queue; each is
	// still decided and then reclaimed, so poll until the counter settles.
	deadline := time.Now().Add(5 * time.Second)
	for {
		state, err := env.tracker.Get("agent-1")
		if err != nil {
			t.Fatalf("tracker get: %v", err)
		}
		stats := env.engine.Stats()
		if state.CurrentLoad == 0 && stats.ActiveAssignments == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("capacity leaked after completing every assignment: load=%d active=%d",
				state.CurrentLoad, stats.ActiveAssignments)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDistributeManyConversationsNeverOverbooks(t *testing.T) {
	agents := []directory.Agent{
		testAgent("tenant-a", "agent-1", 2),
		testAgent("tenant-a", "agent-2", 2),
		testAgent("tenant-a", "agent-3", 2),
	}
	env := newTestEnv(t, agents,
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyRoundRobin)}},
	)

	const conversations = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < conversations; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.engine.Distribute(context.Background(),
				conversation("tenant-a", fmt.Sprintf("conv-%d", n)))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if successes != 6 {
		t.Errorf("expected exactly 6 assignments (3 agents x cap 2), got %d", successes)
	}
	for _, a := range agents {
		state, _ := env.tracker.Get(a.ID)
		if state.CurrentLoad != 2 {
			t.Errorf("agent %s at %d, expected full capacity 2", a.ID, state.CurrentLoad)
		}
	}
}

func TestDistributeRejectsDuplicateActiveConversation(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{testAgent("tenant-a", "agent-1", 5)},
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)}},
	)

	if _, err := env.engine.Distribute(context.Background(), conversation("tenant-a", "conv-1")); err != nil {
		t.Fatalf("first distribute: %v", err)
	}
	_, err := env.engine.Distribute(context.Background(), conversation("tenant-a", "conv-1"))
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}

	state, _ := env.tracker.Get("agent-1")
	if state.CurrentLoad != 1 {
		t.Errorf("duplicate must not reserve again, load %d", state.CurrentLoad)
	}
}

func TestDistributeNoRule(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{testAgent("tenant-a", "agent-1", 5)},
		map[string][]rules.Rule{"tenant-a": {
			{
				ID: "vip-only", TenantID: "tenant-a", Name: "VIP", Enabled: true,
				Priority:   proto.PriorityHigh,
				Conditions: rules.Conditions{CustomerType: "vip"},
				Routing:    rules.Routing{Strategy: proto.StrategyLeastBusy},
			},
		}},
	)

	_, err := env.engine.Distribute(context.Background(), conversation("tenant-a", "conv-1"))
	if !errors.Is(err, rules.ErrNoRule) {
		t.Fatalf("expected ErrNoRule, got %v", err)
	}
	state, _ := env.tracker.Get("agent-1")
	if state.CurrentLoad != 0 {
		t.Errorf("no-rule failure must not reserve capacity, load %d", state.CurrentLoad)
	}
}

func TestDistributeRulePrecedence(t *testing.T) {
	agents := []directory.Agent{
		testAgent("tenant-a", "generalist", 5),
		testAgent("tenant-a", "specialist", 5, "تقني"),
	}
	vip := rules.Rule{
		ID: "technical", TenantID: "tenant-a", Name: "Technical", Enabled: true,
		Priority:   proto.PriorityHigh,
		Conditions: rules.Conditions{ConversationType: "technical"},
		Routing: rules.Routing{
			Strategy:       proto.StrategySkillBased,
			RequiredSkills: []string{"تقني"},
		},
	}
	env := newTestEnv(t, agents,
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy), vip}},
	)

	conv := conversation("tenant-a", "conv-1")
	conv.ConversationType = "technical"
	assignment, err := env.engine.Distribute(context.Background(), conv)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if assignment.RuleID != "technical" {
		t.Errorf("expected high-priority rule to win, got %s", assignment.RuleID)
	}
	if assignment.AgentID != "specialist" {
		t.Errorf("expected skill-qualified agent, got %s", assignment.AgentID)
	}
	if assignment.Method != proto.StrategySkillBased {
		t.Errorf("expected method skill_based, got %s", assignment.Method)
	}
}

func TestCompleteReleasesCapacity(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{testAgent("tenant-a", "agent-1", 1)},
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)}},
	)
	ctx := context.Background()

	assignment, err := env.engine.Distribute(ctx, conversation("tenant-a", "conv-1"))
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// Agent is full; a second conversation must fail.
	if _, err := env.engine.Distribute(ctx, conversation("tenant-a", "conv-2")); !errors.Is(err, selector.ErrNoAgentAvailable) {
		t.Fatalf("expected no agent while full, got %v", err)
	}

	if err := env.engine.Complete(ctx, "conv-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	state, _ := env.tracker.Get("agent-1")
	if state.CurrentLoad != 0 {
		t.Errorf("expected load 0 after complete, got %d", state.CurrentLoad)
	}
	saved, ok := env.store.Get(assignment.ID)
	if !ok || saved.Status != proto.AssignmentCompleted || saved.ClosedAt == nil {
		t.Error("assignment not closed as completed in store")
	}

	// Capacity freed: the next conversation lands on the same agent.
	if _, err := env.engine.Distribute(ctx, conversation("tenant-a", "conv-3")); err != nil {
		t.Fatalf("distribute after complete: %v", err)
	}
}

func TestCompleteTwice(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{testAgent("tenant-a", "agent-1", 2)},
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)}},
	)
	ctx := context.Background()

	if _, err := env.engine.Distribute(ctx, conversation("tenant-a", "conv-1")); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if err := env.engine.Complete(ctx, "conv-1"); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := env.engine.Complete(ctx, "conv-1"); err == nil {
		t.Fatal("second complete must fail")
	}

	state, _ := env.tracker.Get("agent-1")
	if state.CurrentLoad != 0 {
		t.Errorf("double complete drove the counter to %d", state.CurrentLoad)
	}
}

func TestReassignExcludesPreviousAgent(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{
			testAgent("tenant-a", "agent-1", 1),
			testAgent("tenant-a", "agent-2", 1),
		},
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)}},
	)
	ctx := context.Background()

	first, err := env.engine.Distribute(ctx, conversation("tenant-a", "conv-1"))
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	second, err := env.engine.Reassign(ctx, "conv-1")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if second.AgentID == first.AgentID {
		t.Errorf("reassignment landed on the same agent %s", first.AgentID)
	}

	oldState, _ := env.tracker.Get(first.AgentID)
	if oldState.CurrentLoad != 0 {
		t.Errorf("previous agent still holds load %d", oldState.CurrentLoad)
	}
	newState, _ := env.tracker.Get(second.AgentID)
	if newState.CurrentLoad != 1 {
		t.Errorf("new agent load %d, expected 1", newState.CurrentLoad)
	}

	saved, ok := env.store.Get(first.ID)
	if !ok || saved.Status != proto.AssignmentReassigned {
		t.Error("previous assignment not closed as reassigned")
	}
}

func TestReassignSingleAgentTenant(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{testAgent("tenant-a", "agent-1", 2)},
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)}},
	)
	ctx := context.Background()

	if _, err := env.engine.Distribute(ctx, conversation("tenant-a", "conv-1")); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// Only one agent exists: exclusion is waived rather than stranding the
	// conversation.
	assignment, err := env.engine.Reassign(ctx, "conv-1")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if assignment.AgentID != "agent-1" {
		t.Errorf("expected the sole agent, got %s", assignment.AgentID)
	}
	state, _ := env.tracker.Get("agent-1")
	if state.CurrentLoad != 1 {
		t.Errorf("expected load 1 after release+reassign, got %d", state.CurrentLoad)
	}
}

func TestReassignUnknownConversation(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{testAgent("tenant-a", "agent-1", 2)},
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)}},
	)
	if _, err := env.engine.Reassign(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown conversation")
	}
}

func TestCrossTenantIsolation(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{
			testAgent("tenant-a", "agent-a1", 1),
			testAgent("tenant-b", "agent-b1", 1),
		},
		map[string][]rules.Rule{
			"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)},
			"tenant-b": {catchAllRule("tenant-b", proto.StrategyLeastBusy)},
		},
	)
	ctx := context.Background()

	a, err := env.engine.Distribute(ctx, conversation("tenant-a", "conv-a"))
	if err != nil {
		t.Fatalf("tenant-a distribute: %v", err)
	}
	b, err := env.engine.Distribute(ctx, conversation("tenant-b", "conv-b"))
	if err != nil {
		t.Fatalf("tenant-b distribute: %v", err)
	}
	if a.AgentID != "agent-a1" || b.AgentID != "agent-b1" {
		t.Errorf("tenant boundary crossed: %s / %s", a.AgentID, b.AgentID)
	}
}

func TestPendingSweepRetries(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{testAgent("tenant-a", "agent-1", 1)},
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)}},
		WithPendingSweep(),
	)
	ctx := context.Background()

	if _, err := env.engine.Distribute(ctx, conversation("tenant-a", "conv-1")); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if _, err := env.engine.Distribute(ctx, conversation("tenant-a", "conv-2")); !errors.Is(err, selector.ErrNoAgentAvailable) {
		t.Fatalf("expected no agent, got %v", err)
	}

	if got := env.engine.Stats().PendingRetries; got != 1 {
		t.Fatalf("expected 1 pending retry, got %d", got)
	}

	if err := env.engine.Complete(ctx, "conv-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if retried := env.engine.RetryPending(ctx); retried != 1 {
		t.Fatalf("expected 1 retried conversation, got %d", retried)
	}
	if got := env.engine.Stats().PendingRetries; got != 0 {
		t.Errorf("expected empty pending queue, got %d", got)
	}
	state, _ := env.tracker.Get("agent-1")
	if state.CurrentLoad != 1 {
		t.Errorf("expected retried conversation to hold the agent, load %d", state.CurrentLoad)
	}
}

func TestStatsCounters(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{testAgent("tenant-a", "agent-1", 1)},
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)}},
	)
	ctx := context.Background()

	if _, err := env.engine.Distribute(ctx, conversation("tenant-a", "conv-1")); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	_, _ = env.engine.Distribute(ctx, conversation("tenant-a", "conv-2"))

	stats := env.engine.Stats()
	ts := stats.Tenants["tenant-a"]
	if ts.Assigned != 1 {
		t.Errorf("expected 1 assigned, got %d", ts.Assigned)
	}
	if ts.FailedNoAgent != 1 {
		t.Errorf("expected 1 no-agent failure, got %d", ts.FailedNoAgent)
	}
	if stats.ActiveAssignments != 1 {
		t.Errorf("expected 1 active assignment, got %d", stats.ActiveAssignments)
	}
}

func TestEngineStopRejectsRequests(t *testing.T) {
	env := newTestEnv(t,
		[]directory.Agent{testAgent("tenant-a", "agent-1", 1)},
		map[string][]rules.Rule{"tenant-a": {catchAllRule("tenant-a", proto.StrategyLeastBusy)}},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.engine.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := env.engine.Distribute(ctx, conversation("tenant-a", "conv-1")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := env.engine.Complete(ctx, "conv-1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning from complete, got %v", err)
	}
}

type failingStore struct{ *MemoryStore }

func (f *failingStore) SaveAssignment(_ *proto.Assignment) error {
	return errors.New("disk full")
}

func TestPersistFailureRollsBackReservation(t *testing.T) {
	dir := directory.New()
	if err := dir.Upsert(testAgent("tenant-a", "agent-1", 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ruleStore := rules.NewStore()
	if err := ruleStore.Put("tenant-a", []rules.Rule{catchAllRule("tenant-a", proto.StrategyLeastBusy)}); err != nil {
		t.Fatalf("put rules: %v", err)
	}
	tracker := workload.NewTracker()

	store := &failingStore{MemoryStore: NewMemoryStore()}
	engine := New(dir, ruleStore, tracker, selector.New(), store, notify.NopPublisher{})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	}()

	if _, err := engine.Distribute(context.Background(), conversation("tenant-a", "conv-1")); err == nil {
		t.Fatal("expected persist failure to surface")
	}

	state, err := tracker.Get("agent-1")
	if err != nil {
		t.Fatalf("tracker get: %v", err)
	}
	if state.CurrentLoad != 0 {
		t.Errorf("reservation not rolled back, load %d", state.CurrentLoad)
	}
	if engine.Stats().ActiveAssignments != 0 {
		t.Error("failed assignment left in active set")
	}
}
