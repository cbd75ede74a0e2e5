// Package dispatch composes rule matching, agent selection, and workload
// reservation into one assignment transaction per inbound conversation.
// Requests for the same tenant are serialized through a single worker so the
// capacity read and the capacity write can never interleave; tenants never
// share a worker and run fully in parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"distributor/pkg/directory"
	"distributor/pkg/eventlog"
	"distributor/pkg/logx"
	"distributor/pkg/metrics"
	"distributor/pkg/notify"
	"distributor/pkg/proto"
	"distributor/pkg/rules"
	"distributor/pkg/selector"
	"distributor/pkg/workload"
)

// ErrAlreadyAssigned means the conversation still holds a non-terminal
// assignment; callers must Complete or Reassign first.
var ErrAlreadyAssigned = fmt.Errorf("conversation already has an active assignment")

// ErrNotRunning is returned for calls made before Start or after Stop.
var ErrNotRunning = fmt.Errorf("dispatch engine is not running")

// AssignmentStore is the persistence collaborator for assignment records.
type AssignmentStore interface {
	SaveAssignment(a *proto.Assignment) error
	CloseAssignment(assignmentID string, status proto.AssignmentStatus, closedAt time.Time) error
	GetActiveByConversation(conversationID string) (*proto.Assignment, error)
}

// Engine is the distribution orchestrator.
type Engine struct {
	directory *directory.Directory
	rules     *rules.Store
	tracker   *workload.Tracker
	selector  *selector.Selector
	store     AssignmentStore
	publisher notify.Publisher
	eventLog  *eventlog.Writer
	recorder  *metrics.Recorder
	logger    *logx.Logger

	// Per-tenant single-writer workers, created lazily.
	workers  map[string]chan *request
	workerMu sync.Mutex

	// Active assignments by conversation ID, plus the conversation
	// attributes needed for reassignment.
	active   map[string]*activeEntry
	activeMu sync.Mutex

	// Conversations waiting for capacity, retried by the sweeper.
	pending      map[string]proto.Conversation
	pendingMu    sync.Mutex
	sweepNoAgent bool

	stats   map[string]*TenantStats
	statsMu sync.Mutex

	notifyTimeout time.Duration

	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

type activeEntry struct {
	assignment   proto.Assignment
	conversation proto.Conversation
}

type request struct {
	conversation proto.Conversation
	exclude      map[string]bool
	replyCh      chan result

	// Set when the caller stopped waiting. The worker re-checks it after
	// replying so an orphaned reservation is always reclaimed by one side.
	abandoned atomic.Bool
}

type result struct {
	assignment *proto.Assignment
	err        error
}

// Option configures optional collaborators of the engine.
type Option func(*Engine)

// WithEventLog wires the JSONL event log.
func WithEventLog(w *eventlog.Writer) Option {
	return func(e *Engine) { e.eventLog = w }
}

// WithRecorder wires Prometheus instrumentation.
func WithRecorder(r *metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithPendingSweep makes the engine remember no-agent conversations so the
// sweeper can retry them.
func WithPendingSweep() Option {
	return func(e *Engine) { e.sweepNoAgent = true }
}

// WithNotifyTimeout bounds the fire-and-forget notification publish.
func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Engine) { e.notifyTimeout = d }
}

// New creates a dispatch engine. The store and publisher are required
// collaborators; pass notify.NopPublisher when no broker is configured.
func New(dir *directory.Directory, ruleStore *rules.Store, tracker *workload.Tracker,
	sel *selector.Selector, store AssignmentStore, publisher notify.Publisher, opts ...Option) *Engine {

	e := &Engine{
		directory:     dir,
		rules:         ruleStore,
		tracker:       tracker,
		selector:      sel,
		store:         store,
		publisher:     publisher,
		logger:        logx.NewLogger("dispatch"),
		workers:       make(map[string]chan *request),
		active:        make(map[string]*activeEntry),
		pending:       make(map[string]proto.Conversation),
		stats:         make(map[string]*TenantStats),
		notifyTimeout: 5 * time.Second,
		shutdown:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start makes the engine accept distribution requests and seeds workload
// counters from the current directory snapshot.
func (e *Engine) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("dispatch engine is already running")
	}
	e.running = true
	e.shutdown = make(chan struct{})

	for _, tenantID := range e.directory.Tenants() {
		if err := e.seedTenant(tenantID); err != nil {
			e.running = false
			return err
		}
	}

	e.logger.Info("Dispatch engine started (%d tenants)", len(e.directory.Tenants()))
	return nil
}

// seedTenant registers every directory agent of a tenant with the workload
// tracker, seeding counters from the directory snapshot.
func (e *Engine) seedTenant(tenantID string) error {
	for _, agent := range e.directory.Snapshot(tenantID) {
		err := e.tracker.Register(agent.TenantID, agent.ID, agent.CurrentChats, agent.MaxConcurrentChats)
		if err != nil {
			return fmt.Errorf("failed to seed workload for tenant %s: %w", tenantID, err)
		}
	}
	return nil
}

// Stop drains the per-tenant workers and waits for them to finish.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	close(e.shutdown)

	// Workers exit on the captured shutdown channel; drop the stale
	// channels so a restart lazily creates fresh workers.
	e.workerMu.Lock()
	e.workers = make(map[string]chan *request)
	e.workerMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Dispatch engine stopped")
		return nil
	case <-ctx.Done():
		e.logger.Warn("Dispatch engine stop timed out")
		return ctx.Err()
	}
}

func (e *Engine) isRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// workerFor returns the tenant's request channel, starting the worker
// goroutine on first use.
func (e *Engine) workerFor(tenantID string) chan *request {
	e.workerMu.Lock()
	defer e.workerMu.Unlock()

	if ch, exists := e.workers[tenantID]; exists {
		return ch
	}

	e.mu.RLock()
	shutdown := e.shutdown
	e.mu.RUnlock()

	ch := make(chan *request, 64)
	e.workers[tenantID] = ch
	e.wg.Add(1)
	go e.worker(tenantID, ch, shutdown)
	e.logger.Debug("Started worker for tenant %s", tenantID)
	return ch
}

// worker serializes selection + reservation for one tenant.
func (e *Engine) worker(tenantID string, ch chan *request, shutdown <-chan struct{}) {
	defer e.wg.Done()

	for {
		select {
		case <-shutdown:
			e.logger.Debug("Worker for tenant %s stopped", tenantID)
			return
		case req := <-ch:
			req.replyCh <- e.decide(req)
			if req.abandoned.Load() {
				e.reclaim(req)
			}
		}
	}
}

// Distribute decides which agent owns the conversation, persists the
// assignment, and emits the notification event. It is safe to call
// concurrently; calls for the same tenant are serialized internally.
func (e *Engine) Distribute(ctx context.Context, conv proto.Conversation) (*proto.Assignment, error) {
	return e.distribute(ctx, conv, nil)
}

func (e *Engine) distribute(ctx context.Context, conv proto.Conversation, exclude map[string]bool) (*proto.Assignment, error) {
	e.mu.RLock()
	running, shutdown := e.running, e.shutdown
	e.mu.RUnlock()
	if !running {
		return nil, ErrNotRunning
	}
	if conv.ID == "" || conv.TenantID == "" {
		return nil, fmt.Errorf("conversation id and tenant_id are required")
	}

	started := time.Now()
	req := &request{
		conversation: conv,
		exclude:      exclude,
		replyCh:      make(chan result, 1),
	}

	select {
	case e.workerFor(conv.TenantID) <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("distribution cancelled: %w", ctx.Err())
	case <-shutdown:
		return nil, ErrNotRunning
	}

	var res result
	select {
	case res = <-req.replyCh:
	case <-ctx.Done():
		// The worker still processes the request; reclaim the orphaned
		// reply so its reservation is released rather than leaked.
		e.reclaim(req)
		return nil, fmt.Errorf("distribution cancelled: %w", ctx.Err())
	case <-shutdown:
		select {
		case res = <-req.replyCh:
		default:
			e.reclaim(req)
			return nil, ErrNotRunning
		}
	}

	if res.err != nil {
		e.recordFailure(conv, res.err, time.Since(started))
		return nil, res.err
	}

	assignment := res.assignment
	if err := e.store.SaveAssignment(assignment); err != nil {
		// Undo the reservation so bookkeeping matches storage.
		e.rollback(assignment)
		return nil, fmt.Errorf("failed to persist assignment: %w", err)
	}

	e.clearPending(conv.ID)
	e.recordAssignment(assignment, time.Since(started))
	e.emitAssigned(assignment)
	return assignment, nil
}

// reclaim marks a request as abandoned and drains any reply already sent,
// rolling back the reservation it carries. The worker calls it again after
// replying, so whichever side sees the reply last releases the agent: the
// reply channel is buffered and the worker's send always completes.
func (e *Engine) reclaim(req *request) {
	req.abandoned.Store(true)
	select {
	case res := <-req.replyCh:
		if res.assignment != nil {
			e.logger.Warn("Caller gone for conversation %s, releasing agent %s",
				res.assignment.ConversationID, res.assignment.AgentID)
			e.rollback(res.assignment)
		}
	default:
	}
}

func (e *Engine) rollback(assignment *proto.Assignment) {
	if err := e.tracker.Release(assignment.AgentID); err != nil {
		e.logger.Error("Rollback release failed for agent %s: %v", assignment.AgentID, err)
	}
	e.activeMu.Lock()
	delete(e.active, assignment.ConversationID)
	e.activeMu.Unlock()
	e.publishUtilization(assignment.TenantID, assignment.AgentID)
}

// Complete closes a conversation's assignment and releases the agent's
// capacity. Completing twice returns the store's not-found error; the
// counter is never driven negative.
func (e *Engine) Complete(ctx context.Context, conversationID string) error {
	return e.close(ctx, conversationID, proto.AssignmentCompleted)
}

// Reassign terminates the current assignment and immediately runs a fresh
// distribution cycle for the conversation, excluding the previous agent when
// another eligible agent exists.
func (e *Engine) Reassign(ctx context.Context, conversationID string) (*proto.Assignment, error) {
	entry, err := e.lookupActive(conversationID)
	if err != nil {
		return nil, err
	}

	if err := e.close(ctx, conversationID, proto.AssignmentReassigned); err != nil {
		return nil, err
	}

	exclude := map[string]bool{entry.assignment.AgentID: true}
	assignment, err := e.distribute(ctx, entry.conversation, exclude)
	if err == nil {
		return assignment, nil
	}
	// A one-agent tenant may only have the previous agent left; retry
	// without the exclusion rather than strand the conversation.
	if isNoAgent(err) {
		return e.distribute(ctx, entry.conversation, nil)
	}
	return nil, err
}

func (e *Engine) lookupActive(conversationID string) (*activeEntry, error) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()

	entry, exists := e.active[conversationID]
	if !exists {
		return nil, fmt.Errorf("conversation %s has no active assignment", conversationID)
	}
	copied := *entry
	return &copied, nil
}

func (e *Engine) close(_ context.Context, conversationID string, status proto.AssignmentStatus) error {
	if !e.isRunning() {
		return ErrNotRunning
	}

	entry, err := e.lookupActive(conversationID)
	if err != nil {
		return err
	}
	assignment := entry.assignment

	closedAt := time.Now().UTC()
	if err := e.store.CloseAssignment(assignment.ID, status, closedAt); err != nil {
		return err
	}

	e.activeMu.Lock()
	delete(e.active, conversationID)
	e.activeMu.Unlock()

	if err := e.tracker.Release(assignment.AgentID); err != nil {
		// Counter already at zero means a double release upstream; the
		// tracker kept the invariant, we surface the bug.
		e.logger.Warn("Release after close failed for agent %s: %v", assignment.AgentID, err)
	}
	e.publishUtilization(assignment.TenantID, assignment.AgentID)

	e.logger.Info("Assignment %s closed (%s): conversation %s, agent %s",
		assignment.ID, status, conversationID, assignment.AgentID)

	if e.recorder != nil {
		e.recorder.ObserveRelease(assignment.TenantID)
	}
	e.emitClosed(&assignment, status)
	return nil
}

func (e *Engine) publishUtilization(tenantID, agentID string) {
	if e.recorder == nil {
		return
	}
	if state, err := e.tracker.Get(agentID); err == nil {
		e.recorder.SetUtilization(tenantID, agentID, state.Utilization)
	}
}

func isNoAgent(err error) bool {
	return errors.Is(err, selector.ErrNoAgentAvailable)
}
