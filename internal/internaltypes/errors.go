package internaltypes

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")

	ErrValidation           = errors.New("invalid request")
	ErrItineraryUnavailable = errors.New("itinerary unavailable")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrStorageFault         = errors.New("storage fault")
	ErrInvalidTransition    = errors.New("invalid transition")
)

// ValidationError is returned for malformed requests, before any availability
// or capacity work happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// UnavailableError names the restaurants that cannot host the party during
// their computed window.
type UnavailableError struct {
	Restaurants []string
}

func (e *UnavailableError) Error() string {
	return "itinerary unavailable: " + strings.Join(e.Restaurants, ", ")
}

func (e *UnavailableError) Unwrap() error { return ErrItineraryUnavailable }

type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// StorageFault marks err as a transient infrastructure failure while keeping
// the cause reachable through errors.Is/As.
func StorageFault(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageFault) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageFault, err)
}
