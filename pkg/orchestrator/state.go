// Package orchestrator governs the lifecycle of a task run through a
// finite state machine.
package orchestrator

import "github.com/famulus-ai/famulus/pkg/errors"

// State is a run lifecycle state.
type State string

const (
	StatePlanned  State = "planned"
	StateApproved State = "approved"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopped  State = "stopped"
	StateComplete State = "complete"
	StateError    State = "error"
)

// allowed is the directed transition table. Terminal states map to an
// empty set.
var allowed = map[State]map[State]bool{
	StatePlanned:  {StateApproved: true, StateStopped: true, StateError: true},
	StateApproved: {StateRunning: true, StatePaused: true, StateStopped: true, StateError: true},
	StateRunning:  {StatePaused: true, StateStopped: true, StateComplete: true, StateError: true},
	StatePaused:   {StateRunning: true, StateStopped: true, StateError: true},
	StateStopped:  {StateError: true, StateComplete: true},
	StateComplete: {},
	StateError:    {},
}

// ValidState reports whether value is a recognized state label.
func ValidState(value State) bool {
	_, ok := allowed[value]
	return ok
}

// Terminal reports whether state admits no further transitions.
func Terminal(state State) bool {
	return len(allowed[state]) == 0 && ValidState(state)
}

// ValidateTransition checks that moving from current to target is
// permitted. It has no side effects; every status write must consult it.
func ValidateTransition(current, target State) error {
	if !ValidState(current) || !ValidState(target) {
		return errors.Newf(errors.CodeInvalidInput,
			"invalid orchestrator state: %s -> %s", current, target)
	}
	if !allowed[current][target] {
		return errors.Newf(errors.CodeInvalidTransition,
			"invalid state transition: %s -> %s", current, target)
	}
	return nil
}
