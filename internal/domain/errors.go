package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMatchNotFound is returned when a match id resolves to nothing the
	// caller may see.
	ErrMatchNotFound = errors.New("match not found")
	// ErrNotParticipant is returned when a user acts on a match they are not
	// part of.
	ErrNotParticipant = errors.New("user is not a participant of this match")
	// ErrMatchFinished is returned when a write is attempted against a match
	// in a terminal state.
	ErrMatchFinished = errors.New("match already finished")
	// ErrUnitAlreadyCompleted guards against resubmission of a finished unit.
	ErrUnitAlreadyCompleted = errors.New("unit already completed")
	// ErrNoActiveUnit is returned when an answer arrives outside of play.
	ErrNoActiveUnit = errors.New("no unit in progress")
)

// ContentUnavailableError is a fatal setup failure: no content unit exists
// for the requested subject at any grade level. Match creation surfaces it to
// the user and does not retry.
type ContentUnavailableError struct {
	Subject string
}

func (e ContentUnavailableError) Error() string {
	return fmt.Sprintf("no quiz content available for subject %q", e.Subject)
}
