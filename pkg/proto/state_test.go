package proto

import (
	"errors"
	"testing"
)

func TestValidTransitions(t *testing.T) {
	valid := []struct{ from, to State }{
		{StatePending, StateAssigned},
		{StatePending, StateFailedNoAgent},
		{StateAssigned, StateCompleted},
		{StateAssigned, StateReassigned},
	}
	for _, tc := range valid {
		if !IsValidTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be valid", tc.from, tc.to)
		}
	}

	invalid := []struct{ from, to State }{
		{StatePending, StateCompleted},
		{StatePending, StateReassigned},
		{StateAssigned, StateFailedNoAgent},
		{StateAssigned, StatePending},
		{StateCompleted, StateAssigned},
		{StateFailedNoAgent, StateAssigned},
		{StateReassigned, StatePending},
	}
	for _, tc := range invalid {
		if IsValidTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be invalid", tc.from, tc.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateCompleted, StateReassigned, StateFailedNoAgent} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []State{StatePending, StateAssigned} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestTerminalStatesHaveNoTransitions(t *testing.T) {
	for from, targets := range ValidTransitions {
		if from.Terminal() && len(targets) > 0 {
			t.Errorf("terminal state %s must not have outgoing transitions", from)
		}
	}
}

func TestErrInvalidTransitionIsSentinel(t *testing.T) {
	wrapped := errors.Join(ErrInvalidTransition)
	if !errors.Is(wrapped, ErrInvalidTransition) {
		t.Fatal("wrapped error should match sentinel")
	}
}
