package domain

import "fmt"

// Event is a trigger that may advance the match status machine. All status
// writers (reconciler, timeout monitor, quit handler, match opener) go
// through NextStatus instead of mutating the status directly, so the
// transition rules live in exactly one place.
type Event string

const (
	// EventOpen fires when a client opens a pending match for the first time.
	EventOpen Event = "open"
	// EventBothFinished fires when both sides have completed every unit.
	EventBothFinished Event = "both_finished"
	// EventTimeoutOneSided fires when the match ran past its ceiling with
	// exactly one side finished.
	EventTimeoutOneSided Event = "timeout_one_sided"
	// EventTimeoutUnfinished fires when the ceiling passed with neither side
	// finished; the match is cancelled with no winner.
	EventTimeoutUnfinished Event = "timeout_unfinished"
	// EventQuitEarly fires when a participant quits before the opponent
	// engaged at all.
	EventQuitEarly Event = "quit_early"
	// EventQuitForfeit fires when a participant quits after the opponent has
	// made progress (or past the forfeit threshold); the non-quitter wins.
	EventQuitForfeit Event = "quit_forfeit"
)

// NextStatus applies the transition table. Terminal states reject every
// event with ErrMatchFinished; undefined pairs are rejected so a buggy caller
// cannot invent a transition.
func NextStatus(current Status, ev Event) (Status, error) {
	if current.Terminal() {
		return current, ErrMatchFinished
	}
	switch ev {
	case EventOpen:
		if current == StatusPending {
			return StatusActive, nil
		}
	case EventBothFinished, EventTimeoutOneSided, EventQuitForfeit:
		if current == StatusActive {
			return StatusCompleted, nil
		}
		// A quit can also forfeit a match the opponent never opened but
		// engaged through another client.
		if ev == EventQuitForfeit && current == StatusPending {
			return StatusCompleted, nil
		}
	case EventTimeoutUnfinished:
		if current == StatusActive {
			return StatusCancelled, nil
		}
	case EventQuitEarly:
		if current == StatusPending || current == StatusActive {
			return StatusCancelled, nil
		}
	}
	return current, fmt.Errorf("no transition from %q on %q", current, ev)
}
