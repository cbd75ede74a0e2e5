package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType classifies distribution events written to the event log and
// published to the notification exchange.
type EventType string

const (
	EventAssigned   EventType = "ASSIGNED"
	EventCompleted  EventType = "COMPLETED"
	EventReassigned EventType = "REASSIGNED"
	EventNoAgent    EventType = "NO_AGENT"
)

// Event is one distribution outcome. Delivery and retry semantics belong to
// the notification collaborator; the engine only emits.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	AssignmentID   string    `json:"assignment_id,omitempty"`
	RuleID         string    `json:"rule_id,omitempty"`
	Method         Strategy  `json:"method,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewEvent creates an event with a fresh ID and UTC timestamp.
func NewEvent(eventType EventType, tenantID, conversationID string) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           eventType,
		TenantID:       tenantID,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
	}
}

func (e *Event) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

func EventFromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &e, nil
}

// Validate checks the fields every event must carry.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event ID is required")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if e.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}
