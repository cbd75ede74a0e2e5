package proto

import "fmt"

// State is a step in the distribution state machine for one conversation.
type State string

const (
	// StatePending means the conversation arrived and holds no assignment.
	StatePending State = "PENDING"
	// StateAssigned means an assignment exists and capacity is reserved.
	StateAssigned State = "ASSIGNED"
	// StateCompleted is terminal; capacity has been released.
	StateCompleted State = "COMPLETED"
	// StateReassigned is terminal for the current assignment; a new PENDING
	// cycle starts for the conversation.
	StateReassigned State = "REASSIGNED"
	// StateFailedNoAgent is terminal with no side effects and no capacity
	// reserved.
	StateFailedNoAgent State = "FAILED_NO_AGENT"
)

func (s State) String() string {
	return string(s)
}

// Terminal reports whether the state admits no further transitions for the
// current assignment cycle.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateReassigned, StateFailedNoAgent:
		return true
	case StatePending, StateAssigned:
		return false
	default:
		return false
	}
}

// ValidTransitions is the transition table for the distribution state machine.
//
//nolint:gochecknoglobals // Shared immutable transition table
var ValidTransitions = map[State][]State{
	StatePending:  {StateAssigned, StateFailedNoAgent},
	StateAssigned: {StateCompleted, StateReassigned},
	// Terminal states have no outgoing transitions.
	StateCompleted:     {},
	StateReassigned:    {},
	StateFailedNoAgent: {},
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to State) bool {
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition flags a transition not present in ValidTransitions.
//
//nolint:gochecknoglobals
var ErrInvalidTransition = fmt.Errorf("invalid state transition")
