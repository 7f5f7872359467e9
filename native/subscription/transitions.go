package subscription

import "fmt"

type transition struct {
	from State
	to   State
}

var validTransitions = map[transition]bool{
	{StateActive, StateActive}:      true,
	{StateActive, StateRetrying}:    true,
	{StateActive, StateFailed}:      true,
	{StateActive, StateCancelled}:   true,
	{StateRetrying, StateActive}:    true,
	{StateRetrying, StateRetrying}:  true,
	{StateRetrying, StateFailed}:    true,
	{StateRetrying, StateCancelled}: true,
}

// CanTransition reports whether a subscription may move from one state to
// another. Failed and Cancelled have no outgoing edges.
func CanTransition(from, to State) bool {
	return validTransitions[transition{from, to}]
}

func (e *Engine) transition(sub *Subscription, to State) error {
	if !CanTransition(sub.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.State, to)
	}
	from := sub.State
	sub.State = to
	if from != to {
		e.emit(NewStateTransitionEvent(sub.ID, from, to))
	}
	return nil
}
