package dispatch

import (
	"fmt"
	"sync"
	"time"

	"distributor/pkg/proto"
)

// MemoryStore keeps assignments in memory. It backs the engine when no
// database path is configured and keeps dispatch tests free of disk I/O.
type MemoryStore struct {
	mu          sync.Mutex
	assignments map[string]*proto.Assignment
}

// NewMemoryStore creates an empty in-memory assignment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assignments: make(map[string]*proto.Assignment)}
}

func (m *MemoryStore) SaveAssignment(a *proto.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.Status == proto.AssignmentActive {
		for _, existing := range m.assignments {
			if existing.ConversationID == a.ConversationID &&
				existing.ID != a.ID && existing.Status == proto.AssignmentActive {
				return fmt.Errorf("conversation %s already has active assignment %s",
					a.ConversationID, existing.ID)
			}
		}
	}

	copied := *a
	m.assignments[a.ID] = &copied
	return nil
}

func (m *MemoryStore) CloseAssignment(assignmentID string, status proto.AssignmentStatus, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.assignments[assignmentID]
	if !exists {
		return fmt.Errorf("assignment %s not found", assignmentID)
	}
	if a.Status != proto.AssignmentActive {
		return fmt.Errorf("assignment %s is already %s", assignmentID, a.Status)
	}
	a.Status = status
	t := closedAt
	a.ClosedAt = &t
	return nil
}

func (m *MemoryStore) GetActiveByConversation(conversationID string) (*proto.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.assignments {
		if a.ConversationID == conversationID && a.Status == proto.AssignmentActive {
			copied := *a
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("no active assignment for conversation %s", conversationID)
}

// Get returns any assignment by ID, for tests and introspection.
func (m *MemoryStore) Get(assignmentID string) (*proto.Assignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.assignments[assignmentID]
	if !exists {
		return nil, false
	}
	copied := *a
	return &copied, true
}
