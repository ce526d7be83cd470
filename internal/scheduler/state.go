package scheduler

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of one expiry job.
type State string

const (
	// StateNone means no job is known for the code.
	StateNone      State = ""
	StateScheduled State = "scheduled"
	StateFired     State = "fired"
	StateCancelled State = "cancelled"
	StateCompleted State = "completed"
)

// Terminal reports whether no further firing is expected.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateCompleted
}

// Event drives a state transition.
type Event string

const (
	EventSchedule Event = "schedule"
	EventFire     Event = "fire"
	EventCancel   Event = "cancel"
	EventComplete Event = "complete"
	EventRetry    Event = "retry"
)

// ErrInvalidTransition is returned when an event is not allowed in the current state.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Transition returns the state reached by applying ev to from.
//
//	none|scheduled|cancelled|completed|fired --schedule--> scheduled
//	scheduled|none                        --fire-------> fired
//	scheduled                             --cancel-----> cancelled
//	fired|completed                       --cancel-----> completed
//	fired|completed                       --complete---> completed
//	fired|completed                       --retry------> scheduled
//
// Cancelling an unknown or already cancelled job leaves it unchanged.
func Transition(from State, ev Event) (State, error) {
	switch ev {
	case EventSchedule:
		return StateScheduled, nil
	case EventFire:
		if from == StateScheduled || from == StateNone {
			return StateFired, nil
		}
	case EventCancel:
		switch from {
		case StateNone, StateCancelled:
			return from, nil
		case StateScheduled:
			return StateCancelled, nil
		case StateFired, StateCompleted:
			return StateCompleted, nil
		}
	case EventComplete:
		if from == StateFired || from == StateCompleted {
			return StateCompleted, nil
		}
	case EventRetry:
		if from == StateFired || from == StateCompleted {
			return StateScheduled, nil
		}
	}
	return from, fmt.Errorf("%w: %s on %q", ErrInvalidTransition, ev, from)
}
