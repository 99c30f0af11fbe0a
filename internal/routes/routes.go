package routes

import (
	"context"
	"fmt"
	"time"

	"github.com/example/tourbook/internal/db"
	"github.com/example/tourbook/internal/itinerary"
)

// Route is a published tour template. Authoring happens elsewhere; this
// package only reads it.
type Route struct {
	ID                  string
	Name                string
	MaxPartySize        int
	Duration            time.Duration
	PricePerPersonCents int64
	Currency            string
	Published           bool
	Stops               []itinerary.Stop
}

func (r Route) TotalCents(party int) int64 {
	return r.PricePerPersonCents * int64(party)
}

// RestaurantIDs returns the distinct restaurants on the route in stop order.
func (r Route) RestaurantIDs() []string {
	seen := make(map[string]bool, len(r.Stops))
	var out []string
	for _, s := range r.Stops {
		if seen[s.RestaurantID] {
			continue
		}
		seen[s.RestaurantID] = true
		out = append(out, s.RestaurantID)
	}
	return out
}

type Repo struct {
	DB db.Querier
}

func NewRepo(d db.Querier) *Repo {
	return &Repo{DB: d}
}

func (r *Repo) Route(ctx context.Context, id string) (Route, error) {
	var rt Route
	var durMin int
	err := r.DB.QueryRow(ctx, `
		SELECT id::text, name, max_party_size, duration_minutes, price_per_person_cents, currency, published
		FROM routes WHERE id=$1`, id).
		Scan(&rt.ID, &rt.Name, &rt.MaxPartySize, &durMin, &rt.PricePerPersonCents, &rt.Currency, &rt.Published)
	if err != nil {
		return Route{}, db.WrapNotFound(err)
	}
	rt.Duration = time.Duration(durMin) * time.Minute

	rows, err := r.DB.Query(ctx, `
		SELECT s.order_index, s.restaurant_id::text, rs.name,
		       COALESCE(s.dish_id::text, ''), COALESCE(d.name, ''),
		       s.service_minutes, s.walk_minutes_to_next
		FROM route_stops s
		JOIN restaurants rs ON rs.id = s.restaurant_id
		LEFT JOIN dishes d ON d.id = s.dish_id
		WHERE s.route_id=$1
		ORDER BY s.order_index`, id)
	if err != nil {
		return Route{}, fmt.Errorf("route stops: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s itinerary.Stop
		var svc, walk int
		if err := rows.Scan(&s.OrderIndex, &s.RestaurantID, &s.RestaurantName, &s.DishID, &s.DishName, &svc, &walk); err != nil {
			return Route{}, err
		}
		s.Service = time.Duration(svc) * time.Minute
		s.WalkToNext = time.Duration(walk) * time.Minute
		rt.Stops = append(rt.Stops, s)
	}
	return rt, rows.Err()
}

// Hours loads the weekly opening hours of the given restaurants.
func (r *Repo) Hours(ctx context.Context, restaurantIDs []string) (itinerary.HoursIndex, error) {
	if len(restaurantIDs) == 0 {
		return itinerary.NewHoursIndex(nil), nil
	}
	rows, err := r.DB.Query(ctx, `
		SELECT restaurant_id::text, weekday, is_closed,
		       COALESCE(to_char(open_time, 'HH24:MI'), '00:00'),
		       COALESCE(to_char(close_time, 'HH24:MI'), '00:00')
		FROM operating_hours
		WHERE restaurant_id::text = ANY($1)`, restaurantIDs)
	if err != nil {
		return nil, fmt.Errorf("operating hours: %w", err)
	}
	defer rows.Close()

	var out []itinerary.DayHours
	for rows.Next() {
		var h itinerary.DayHours
		var wd int
		var openAt, closeAt string
		if err := rows.Scan(&h.RestaurantID, &wd, &h.Closed, &openAt, &closeAt); err != nil {
			return nil, err
		}
		h.Weekday = time.Weekday(wd)
		if h.Open, err = itinerary.ParseTimeOfDay(openAt); err != nil {
			return nil, err
		}
		if h.Close, err = itinerary.ParseTimeOfDay(closeAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return itinerary.NewHoursIndex(out), nil
}
