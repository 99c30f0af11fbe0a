package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/tourbook/internal/bookings"
)

const (
	RoutingKeyConfirmed = "booking.confirmed"
	RoutingKeyAll       = "booking.*"
)

type Contact struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

type StopTime struct {
	StopNumber int       `json:"stop_number"`
	Restaurant string    `json:"restaurant"`
	Arrival    time.Time `json:"arrival"`
	Departure  time.Time `json:"departure"`
}

// ConfirmationEvent is the booking.confirmed message body. The email
// collaborator renders it; nothing here formats prose.
type ConfirmationEvent struct {
	BookingID  string     `json:"booking_id"`
	Reference  string     `json:"reference"`
	Customer   Contact    `json:"customer"`
	RouteID    string     `json:"route_id"`
	RouteName  string     `json:"route_name"`
	StartsAt   time.Time  `json:"starts_at"`
	PartySize  int        `json:"party_size"`
	TotalCents int64      `json:"total_cents"`
	Currency   string     `json:"currency"`
	Stops      []StopTime `json:"stops"`
}

func NewConfirmation(b bookings.Booking, routeName string, startsAt time.Time) ConfirmationEvent {
	ev := ConfirmationEvent{
		BookingID:  b.ID,
		Reference:  b.Reference,
		RouteID:    b.RouteID,
		RouteName:  routeName,
		StartsAt:   startsAt,
		PartySize:  b.PartySize,
		TotalCents: b.TotalCents,
		Currency:   b.Currency,
	}
	if g := b.Customer.Guest; g != nil {
		ev.Customer = Contact{Name: g.Name, Email: g.Email, Phone: g.Phone}
	} else {
		ev.Customer = Contact{UserID: b.Customer.UserID}
	}
	for _, s := range b.Stops {
		ev.Stops = append(ev.Stops, StopTime{
			StopNumber: s.StopNumber,
			Restaurant: s.RestaurantName,
			Arrival:    s.EstimatedArrival,
			Departure:  s.EstimatedDeparture,
		})
	}
	return ev
}

// Notification encodes the event as an outbox row.
func (e ConfirmationEvent) Notification() (bookings.Notification, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return bookings.Notification{}, fmt.Errorf("encode confirmation: %w", err)
	}
	return bookings.Notification{RoutingKey: RoutingKeyConfirmed, Body: body}, nil
}
