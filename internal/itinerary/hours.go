package itinerary

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is minutes past local midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS" (seconds are dropped).
// "24:00" is end of day and parses to 1440.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if h == 24 {
		if m != 0 || (len(parts) == 3 && strings.Trim(parts[2], "0") != "") {
			return 0, fmt.Errorf("invalid time of day %q (24:00 is the latest)", s)
		}
		return minutesPerDay, nil
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) String() string {
	if t == minutesPerDay {
		return "24:00"
	}
	return fmt.Sprintf("%02d:%02d", int(t)/60%24, int(t)%60)
}

// On returns the instant at t on the calendar day of date in loc.
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	y, mo, d := date.Date()
	return time.Date(y, mo, d, int(t)/60, int(t)%60, 0, 0, loc)
}

func clockOf(ts time.Time) TimeOfDay {
	return TimeOfDay(ts.Hour()*60 + ts.Minute())
}

// DayHours is one restaurant's opening interval for one weekday.
type DayHours struct {
	RestaurantID string
	Weekday      time.Weekday
	Open         TimeOfDay
	Close        TimeOfDay
	Closed       bool
}

// HoursIndex answers "what are restaurant R's hours on weekday D".
type HoursIndex map[string]map[time.Weekday]DayHours

func NewHoursIndex(rows []DayHours) HoursIndex {
	ix := make(HoursIndex)
	for _, r := range rows {
		days, ok := ix[r.RestaurantID]
		if !ok {
			days = make(map[time.Weekday]DayHours, 7)
			ix[r.RestaurantID] = days
		}
		days[r.Weekday] = r
	}
	return ix
}

func (ix HoursIndex) Lookup(restaurantID string, day time.Weekday) (DayHours, bool) {
	h, ok := ix[restaurantID][day]
	return h, ok
}
