package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"distributor/pkg/directory"
	"distributor/pkg/proto"
	"distributor/pkg/rules"
	"distributor/pkg/selector"
	"distributor/pkg/workload"
)

// cycle tracks one conversation's pass through the distribution states.
type cycle struct {
	conversationID string
	state          proto.State
}

func newCycle(conversationID string) *cycle {
	return &cycle{conversationID: conversationID, state: proto.StatePending}
}

func (c *cycle) transition(e *Engine, to proto.State) error {
	if !proto.IsValidTransition(c.state, to) {
		return fmt.Errorf("conversation %s: %w: %s -> %s",
			c.conversationID, proto.ErrInvalidTransition, c.state, to)
	}
	e.logger.Debug("Conversation %s: %s -> %s", c.conversationID, c.state, to)
	c.state = to
	return nil
}

// decide runs inside the tenant worker, so every read-check-write on the
// tenant's capacity happens with no other decision in flight.
func (e *Engine) decide(req *request) result {
	conv := req.conversation
	cyc := newCycle(conv.ID)

	e.activeMu.Lock()
	_, exists := e.active[conv.ID]
	e.activeMu.Unlock()
	if exists {
		return result{err: fmt.Errorf("conversation %s: %w", conv.ID, ErrAlreadyAssigned)}
	}

	rule, err := e.rules.MatchConversation(&conv)
	if err != nil {
		if errors.Is(err, rules.ErrNoRule) {
			e.logger.Error("No distribution rule for conversation %s: %v", conv.ID, err)
		}
		return result{err: err}
	}

	pool := e.eligible(conv.TenantID, req.exclude)
	if len(pool) == 0 {
		return result{err: e.failNoAgent(cyc, conv, "no eligible agents")}
	}

	// A reservation can still fail when the directory seed lags behind the
	// tracker, so re-select without the contested agent until the pool
	// is exhausted.
	for len(pool) > 0 {
		loads := e.tracker.SnapshotFor(agentIDs(pool))
		decision, err := e.selector.Select(rule, pool, loads)
		if err != nil {
			if errors.Is(err, selector.ErrNoAgentAvailable) {
				return result{err: e.failNoAgent(cyc, conv, "selection exhausted")}
			}
			return result{err: err}
		}
		agentID := decision.Agent.ID

		if err := e.tracker.TryReserve(agentID); err != nil {
			if errors.Is(err, workload.ErrCapacityExceeded) {
				e.logger.Debug("Reserve conflict on agent %s, re-selecting", agentID)
				if e.recorder != nil {
					e.recorder.IncReserveConflict(conv.TenantID)
				}
				pool = withoutAgent(pool, agentID)
				continue
			}
			return result{err: err}
		}

		if err := cyc.transition(e, proto.StateAssigned); err != nil {
			e.rollbackReserve(agentID)
			return result{err: err}
		}

		assignment := &proto.Assignment{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			TenantID:       conv.TenantID,
			AgentID:        agentID,
			RuleID:         rule.ID,
			Method:         decision.Method,
			Status:         proto.AssignmentActive,
			AssignedAt:     time.Now().UTC(),
		}

		e.activeMu.Lock()
		e.active[conv.ID] = &activeEntry{assignment: *assignment, conversation: conv}
		e.activeMu.Unlock()

		e.publishUtilization(conv.TenantID, agentID)
		e.logger.Info("Assigned conversation %s to agent %s (tenant %s, rule %s, method %s)",
			conv.ID, agentID, conv.TenantID, rule.ID, decision.Method)
		return result{assignment: assignment}
	}

	return result{err: e.failNoAgent(cyc, conv, "all reservations contested")}
}

func (e *Engine) rollbackReserve(agentID string) {
	if err := e.tracker.Release(agentID); err != nil {
		e.logger.Error("Rollback release failed for agent %s: %v", agentID, err)
	}
}

// failNoAgent records the PENDING -> FAILED_NO_AGENT outcome. No capacity is
// held at this point, so there is nothing to undo.
func (e *Engine) failNoAgent(cyc *cycle, conv proto.Conversation, reason string) error {
	if err := cyc.transition(e, proto.StateFailedNoAgent); err != nil {
		return err
	}
	e.logger.Warn("No agent for conversation %s (tenant %s): %s", conv.ID, conv.TenantID, reason)

	if e.sweepNoAgent {
		e.pendingMu.Lock()
		e.pending[conv.ID] = conv
		e.pendingMu.Unlock()
	}

	event := proto.NewEvent(proto.EventNoAgent, conv.TenantID, conv.ID)
	event.Reason = reason
	e.emit(event)

	return fmt.Errorf("tenant %s: %w", conv.TenantID, selector.ErrNoAgentAvailable)
}

// eligible narrows the directory's available-and-on-shift agents to those the
// tracker still has room for, minus any excluded IDs. Agents the tracker has
// not seen yet are registered from their directory seed first.
func (e *Engine) eligible(tenantID string, exclude map[string]bool) []directory.Agent {
	candidates := e.directory.Eligible(tenantID, time.Now())
	pool := make([]directory.Agent, 0, len(candidates))
	for _, agent := range candidates {
		if exclude[agent.ID] {
			continue
		}
		if _, err := e.tracker.Get(agent.ID); err != nil {
			if regErr := e.tracker.Register(agent.TenantID, agent.ID, agent.CurrentChats, agent.MaxConcurrentChats); regErr != nil {
				e.logger.Error("Failed to register agent %s: %v", agent.ID, regErr)
				continue
			}
		}
		if !e.tracker.HasCapacity(agent.ID) {
			continue
		}
		pool = append(pool, agent)
	}
	return pool
}

func agentIDs(pool []directory.Agent) []string {
	ids := make([]string, len(pool))
	for i := range pool {
		ids[i] = pool[i].ID
	}
	return ids
}

func withoutAgent(pool []directory.Agent, agentID string) []directory.Agent {
	out := pool[:0]
	for _, agent := range pool {
		if agent.ID != agentID {
			out = append(out, agent)
		}
	}
	return out
}

// emitAssigned publishes the ASSIGNED event for a persisted assignment.
func (e *Engine) emitAssigned(a *proto.Assignment) {
	event := proto.NewEvent(proto.EventAssigned, a.TenantID, a.ConversationID)
	event.AgentID = a.AgentID
	event.AssignmentID = a.ID
	event.RuleID = a.RuleID
	event.Method = a.Method
	e.emit(event)
}

func (e *Engine) emitClosed(a *proto.Assignment, status proto.AssignmentStatus) {
	eventType := proto.EventCompleted
	if status == proto.AssignmentReassigned {
		eventType = proto.EventReassigned
	}
	event := proto.NewEvent(eventType, a.TenantID, a.ConversationID)
	event.AgentID = a.AgentID
	event.AssignmentID = a.ID
	e.emit(event)
}

// emit writes the event log entry and publishes to the broker without
// blocking the caller. Failures are logged and dropped; events never gate
// the assignment outcome.
func (e *Engine) emit(event *proto.Event) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		if e.eventLog != nil {
			if err := e.eventLog.WriteEvent(event); err != nil {
				e.logger.Error("Failed to write event %s to log: %v", event.ID, err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()
		if err := e.publisher.Publish(ctx, event); err != nil {
			e.logger.Error("Failed to publish event %s: %v", event.ID, err)
		}
	}()
}
