package itinerary

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoStops      = errors.New("route has no stops")
	ErrStopOrder    = errors.New("route stops are not ordered 0..n-1")
	ErrStopDuration = errors.New("route stop has a negative duration")
)

// Stop is one restaurant visit in a route, as the walker sees it.
type Stop struct {
	OrderIndex     int
	RestaurantID   string
	RestaurantName string
	DishID         string
	DishName       string
	Service        time.Duration
	WalkToNext     time.Duration
}

// Window is the time a party spends at one stop.
type Window struct {
	Stop       Stop
	Arrival    time.Time
	Departure  time.Time
	WalkToNext time.Duration
}

// Walk lays the stops out back to back starting at start: each stop is
// occupied for its service duration, then the party walks to the next one.
func Walk(stops []Stop, start time.Time) ([]Window, error) {
	if len(stops) == 0 {
		return nil, ErrNoStops
	}
	out := make([]Window, 0, len(stops))
	at := start
	for i, s := range stops {
		if s.OrderIndex != i {
			return nil, fmt.Errorf("%w: position %d has order_index %d", ErrStopOrder, i, s.OrderIndex)
		}
		if s.Service < 0 || s.WalkToNext < 0 {
			return nil, fmt.Errorf("%w: stop %d", ErrStopDuration, i)
		}
		dep := at.Add(s.Service)
		out = append(out, Window{
			Stop:       s,
			Arrival:    at,
			Departure:  dep,
			WalkToNext: s.WalkToNext,
		})
		at = dep.Add(s.WalkToNext)
	}
	return out, nil
}
