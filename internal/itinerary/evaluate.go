package itinerary

import "time"

// Verdict reasons.
const (
	ReasonOpen         = "open"
	ReasonHoursMissing = "hours_missing"
	ReasonClosedDay    = "closed_on_day"
	ReasonBeforeOpen   = "arrives_before_open"
	ReasonAfterClose   = "departs_after_close"
)

type Verdict struct {
	StopNumber     int
	RestaurantID   string
	RestaurantName string
	Available      bool
	Reason         string
	Arrival        time.Time
	Departure      time.Time
}

type Feasibility struct {
	Verdicts []Verdict
}

func (f Feasibility) Feasible() bool {
	for _, v := range f.Verdicts {
		if !v.Available {
			return false
		}
	}
	return len(f.Verdicts) > 0
}

// UnavailableNames lists failing restaurants in stop order, falling back to
// the id when a stop has no display name.
func (f Feasibility) UnavailableNames() []string {
	var out []string
	for _, v := range f.Verdicts {
		if v.Available {
			continue
		}
		name := v.RestaurantName
		if name == "" {
			name = v.RestaurantID
		}
		out = append(out, name)
	}
	return out
}

// Evaluate checks every window against the restaurant's hours on the weekday
// of its arrival.
//
// A restaurant with no hours row for that weekday is treated as available
// (unrestricted hours). The verdict carries ReasonHoursMissing in that case.
func Evaluate(windows []Window, hours HoursIndex) Feasibility {
	out := Feasibility{Verdicts: make([]Verdict, 0, len(windows))}
	for i, w := range windows {
		v := Verdict{
			StopNumber:     i + 1,
			RestaurantID:   w.Stop.RestaurantID,
			RestaurantName: w.Stop.RestaurantName,
			Arrival:        w.Arrival,
			Departure:      w.Departure,
		}
		v.Available, v.Reason = check(w, hours)
		out.Verdicts = append(out.Verdicts, v)
	}
	return out
}

func check(w Window, hours HoursIndex) (bool, string) {
	h, ok := hours.Lookup(w.Stop.RestaurantID, w.Arrival.Weekday())
	if !ok {
		return true, ReasonHoursMissing
	}
	if h.Closed {
		return false, ReasonClosedDay
	}
	if clockOf(w.Arrival) < h.Open {
		return false, ReasonBeforeOpen
	}
	// a departure after midnight counts past 24:00 and fits only a midnight close
	dep := int(clockOf(w.Departure)) + minutesPerDay*daysBetween(w.Arrival, w.Departure)
	if dep > int(closeOf(h)) {
		return false, ReasonAfterClose
	}
	return true, ReasonOpen
}

// closeOf reads a 00:00 close on an open day as midnight at the end of that day.
func closeOf(h DayHours) TimeOfDay {
	if h.Close == 0 {
		return minutesPerDay
	}
	return h.Close
}

func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
