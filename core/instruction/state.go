package instruction

import (
	"errors"
	"strings"
)

// State is the delivery state of an instruction.
type State string

const (
	StateQueued    State = "Queued"
	StateQueuing   State = "Queuing"
	StateExecuting State = "Executing"
	StateCompleted State = "Completed"
	StateDeclined  State = "Declined"
)

// ErrUnknownState is returned by ParseState for names outside the enum.
var ErrUnknownState = errors.New("unknown instruction state")

var states = []State{StateQueued, StateQueuing, StateExecuting, StateCompleted, StateDeclined}

// transitions lists the legal target states for every source state.
// Terminal states have no entry.
var transitions = map[State][]State{
	StateQueued:    {StateQueuing, StateExecuting, StateDeclined},
	StateQueuing:   {StateExecuting, StateQueued, StateDeclined},
	StateExecuting: {StateCompleted, StateDeclined, StateQueued},
}

// ParseState maps a state name, ignoring case, to a State.
func ParseState(name string) (State, error) {
	for _, s := range states {
		if strings.EqualFold(string(s), strings.TrimSpace(name)) {
			return s, nil
		}
	}
	return "", ErrUnknownState
}

func (s State) String() string { return string(s) }

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDeclined
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
