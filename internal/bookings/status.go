package bookings

import "github.com/example/tourbook/internal/internaltypes"

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusOngoing, StatusCancelled},
	StatusOngoing:   {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", internaltypes.Invalid("status", "unknown status "+s)
	}
	return st, nil
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CheckTransition returns an *InvalidTransitionError unless from -> to is an
// edge of the lifecycle.
func CheckTransition(from, to Status) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	return &internaltypes.InvalidTransitionError{From: string(from), To: string(to)}
}

// Event types in the booking log.
const (
	EventCreated          = "created"
	EventConfirmed        = "confirmed"
	EventCheckedIn        = "checked_in"
	EventCompleted        = "completed"
	EventCancelled        = "cancelled"
	EventPaymentRecorded  = "payment_recorded"
	EventConfirmationSent = "confirmation_sent"
	EventStopPrefix       = "stop_"
)

// EventFor is the log entry type recorded when a booking enters to.
func EventFor(to Status) string {
	switch to {
	case StatusConfirmed:
		return EventConfirmed
	case StatusOngoing:
		return EventCheckedIn
	case StatusCompleted:
		return EventCompleted
	case StatusCancelled:
		return EventCancelled
	}
	return string(to)
}
