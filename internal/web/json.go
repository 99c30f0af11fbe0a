package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/example/tourbook/internal/bookings"
	"github.com/example/tourbook/internal/internaltypes"
	"github.com/example/tourbook/internal/orchestrator"
)

type errorBody struct {
	Error       string   `json:"error"`
	Code        string   `json:"code,omitempty"`
	Restaurants []string `json:"restaurants,omitempty"`
	Retryable   bool     `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP. Anything unrecognised is
// treated as a storage fault so internals are not leaked.
func writeError(w http.ResponseWriter, err error) {
	var ue *internaltypes.UnavailableError
	switch {
	case errors.As(err, &ue):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "itinerary_unavailable", Restaurants: ue.Restaurants})
	case errors.Is(err, internaltypes.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_request"})
	case errors.Is(err, internaltypes.ErrInsufficientCapacity):
		writeJSON(w, http.StatusConflict, errorBody{Error: "this departure is fully booked", Code: "fully_booked"})
	case errors.Is(err, internaltypes.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "invalid_transition"})
	case errors.Is(err, internaltypes.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Code: "not_found"})
	case errors.Is(err, internaltypes.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid credentials", Code: "unauthorized"})
	default:
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable, please retry", Code: "storage_fault", Retryable: true})
	}
}

type createBookingRequest struct {
	RouteID   string                 `json:"route_id"`
	SlotID    string                 `json:"slot_id"`
	PartySize int                    `json:"party_size"`
	Customer  bookings.Customer      `json:"customer"`
	Payment   bookings.PaymentResult `json:"payment"`
}

type stopJSON struct {
	StopNumber         int       `json:"stop_number"`
	RestaurantID       string    `json:"restaurant_id"`
	RestaurantName     string    `json:"restaurant_name,omitempty"`
	DishID             string    `json:"dish_id,omitempty"`
	EstimatedArrival   time.Time `json:"estimated_arrival"`
	EstimatedDeparture time.Time `json:"estimated_departure"`
	PartySize          int       `json:"party_size"`
	Status             string    `json:"status"`
}

type bookingJSON struct {
	ID            string            `json:"id"`
	Reference     string            `json:"reference"`
	RouteID       string            `json:"route_id"`
	SlotID        string            `json:"slot_id"`
	PartySize     int               `json:"party_size"`
	Customer      bookings.Customer `json:"customer"`
	TotalCents    int64             `json:"total_cents"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	CancelReason  string            `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
	Stops         []stopJSON        `json:"stops"`
}

func toStopJSON(s bookings.RestaurantBooking) stopJSON {
	return stopJSON{
		StopNumber:         s.StopNumber,
		RestaurantID:       s.RestaurantID,
		RestaurantName:     s.RestaurantName,
		DishID:             s.DishID,
		EstimatedArrival:   s.EstimatedArrival,
		EstimatedDeparture: s.EstimatedDeparture,
		PartySize:          s.PartySize,
		Status:             string(s.Status),
	}
}

func toBookingJSON(b bookings.Booking) bookingJSON {
	out := bookingJSON{
		ID:            b.ID,
		Reference:     b.Reference,
		RouteID:       b.RouteID,
		SlotID:        b.SlotID,
		PartySize:     b.PartySize,
		Customer:      b.Customer,
		TotalCents:    b.TotalCents,
		Currency:      b.Currency,
		Status:        string(b.Status),
		PaymentStatus: string(b.PaymentStatus),
		CancelReason:  b.CancelReason,
		CreatedAt:     b.CreatedAt,
		CancelledAt:   b.CancelledAt,
		Stops:         make([]stopJSON, 0, len(b.Stops)),
	}
	for _, s := range b.Stops {
		out.Stops = append(out.Stops, toStopJSON(s))
	}
	return out
}

type eventJSON struct {
	Type      string         `json:"type"`
	Actor     string         `json:"actor"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type verdictJSON struct {
	StopNumber     int       `json:"stop_number"`
	RestaurantID   string    `json:"restaurant_id"`
	RestaurantName string    `json:"restaurant_name"`
	Available      bool      `json:"available"`
	Reason         string    `json:"reason"`
	Arrival        time.Time `json:"arrival"`
	Departure      time.Time `json:"departure"`
}

type feasibilityJSON struct {
	RouteID     string        `json:"route_id"`
	SlotID      string        `json:"slot_id"`
	StartsAt    time.Time     `json:"starts_at"`
	Feasible    bool          `json:"feasible"`
	Remaining   int           `json:"remaining_capacity"`
	Open        bool          `json:"is_open"`
	Unavailable []string      `json:"unavailable,omitempty"`
	Stops       []verdictJSON `json:"stops"`
}

func toFeasibilityJSON(p orchestrator.Plan) feasibilityJSON {
	out := feasibilityJSON{
		RouteID:     p.Route.ID,
		SlotID:      p.Slot.ID,
		StartsAt:    p.StartsAt,
		Feasible:    p.Feasibility.Feasible(),
		Remaining:   p.Slot.RemainingCapacity,
		Open:        p.Slot.IsOpen,
		Unavailable: p.Feasibility.UnavailableNames(),
	}
	for _, v := range p.Feasibility.Verdicts {
		out.Stops = append(out.Stops, verdictJSON{
			StopNumber:     v.StopNumber,
			RestaurantID:   v.RestaurantID,
			RestaurantName: v.RestaurantName,
			Available:      v.Available,
			Reason:         v.Reason,
			Arrival:        v.Arrival,
			Departure:      v.Departure,
		})
	}
	return out
}
