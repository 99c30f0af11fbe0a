package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/tourbook/internal/db"
	"github.com/example/tourbook/internal/internaltypes"
	"github.com/example/tourbook/internal/itinerary"
)

var (
	ErrInsufficientCapacity = internaltypes.ErrInsufficientCapacity
	ErrSlotClosed           = fmt.Errorf("%w: slot closed", internaltypes.ErrInsufficientCapacity)
	ErrSlotNotFound         = fmt.Errorf("slot %w", internaltypes.ErrNotFound)
	ErrHoldNotFound         = fmt.Errorf("hold %w", internaltypes.ErrNotFound)
	ErrInvalidUnits         = internaltypes.Invalid("units", "must be at least 1")
)

const (
	HoldHeld     = "held"
	HoldReleased = "released"
)

type Slot struct {
	ID                string
	RouteID           string
	Date              time.Time
	StartTime         itinerary.TimeOfDay
	MaxCapacity       int
	RemainingCapacity int
	IsOpen            bool
}

// StartsAt is the slot's start instant in loc.
func (s Slot) StartsAt(loc *time.Location) time.Time {
	return s.StartTime.On(s.Date, loc)
}

// Hold is the record of one successful reservation.
type Hold struct {
	ID        string
	SlotID    string
	Units     int
	Remaining int
	Status    string
}

// Ledger owns availability_slots.remaining_capacity. Every mutation is a
// single statement so concurrent callers, in any process, cannot oversell.
type Ledger struct {
	DB db.Querier
}

func New(d db.Querier) *Ledger {
	return &Ledger{DB: d}
}

// Reserve takes units from the slot and records them under holdID, or takes
// nothing. Driver errors come back as storage faults; the caller cannot tell
// from them whether the hold was written (see Lookup).
func (l *Ledger) Reserve(ctx context.Context, holdID, slotID string, units int) (Hold, error) {
	if units < 1 {
		return Hold{}, ErrInvalidUnits
	}
	h := Hold{ID: holdID, SlotID: slotID, Units: units, Status: HoldHeld}
	err := l.DB.QueryRow(ctx, `
		WITH taken AS (
			UPDATE availability_slots
			SET remaining_capacity = remaining_capacity - $3
			WHERE id = $2 AND is_open AND remaining_capacity >= $3
			RETURNING id, remaining_capacity
		), hold AS (
			INSERT INTO capacity_holds (id, slot_id, units)
			SELECT $1::uuid, id, $3::int FROM taken
			RETURNING id
		)
		SELECT taken.remaining_capacity FROM taken, hold`,
		holdID, slotID, units).Scan(&h.Remaining)
	if err == nil {
		return h, nil
	}
	if !db.IsNotFound(err) {
		return Hold{}, internaltypes.StorageFault(fmt.Errorf("reserve: %w", err))
	}

	s, err := l.Slot(ctx, slotID)
	if err != nil {
		return Hold{}, err
	}
	if !s.IsOpen {
		return Hold{}, ErrSlotClosed
	}
	return Hold{}, ErrInsufficientCapacity
}

// Release returns a held hold's units to its slot. Releasing a hold that is
// already released changes nothing and reports changed=false with the slot's
// current remaining capacity.
func (l *Ledger) Release(ctx context.Context, holdID string) (remaining int, changed bool, err error) {
	err = l.DB.QueryRow(ctx, `
		WITH rel AS (
			UPDATE capacity_holds
			SET status = 'released', released_at = now()
			WHERE id = $1 AND status = 'held'
			RETURNING slot_id, units
		)
		UPDATE availability_slots s
		SET remaining_capacity = s.remaining_capacity + rel.units
		FROM rel
		WHERE s.id = rel.slot_id
		RETURNING s.remaining_capacity`, holdID).Scan(&remaining)
	if err == nil {
		return remaining, true, nil
	}
	if !db.IsNotFound(err) {
		return 0, false, internaltypes.StorageFault(fmt.Errorf("release: %w", err))
	}

	err = l.DB.QueryRow(ctx, `
		SELECT s.remaining_capacity
		FROM capacity_holds h JOIN availability_slots s ON s.id = h.slot_id
		WHERE h.id = $1`, holdID).Scan(&remaining)
	if err != nil {
		if db.IsNotFound(err) {
			return 0, false, ErrHoldNotFound
		}
		return 0, false, internaltypes.StorageFault(err)
	}
	return remaining, false, nil
}

// Lookup reads a hold back. found=false means no reservation was recorded
// under holdID.
func (l *Ledger) Lookup(ctx context.Context, holdID string) (Hold, bool, error) {
	h := Hold{ID: holdID}
	err := l.DB.QueryRow(ctx, `
		SELECT h.slot_id::text, h.units, h.status, s.remaining_capacity
		FROM capacity_holds h JOIN availability_slots s ON s.id = h.slot_id
		WHERE h.id = $1`, holdID).Scan(&h.SlotID, &h.Units, &h.Status, &h.Remaining)
	if err != nil {
		if db.IsNotFound(err) {
			return Hold{}, false, nil
		}
		return Hold{}, false, internaltypes.StorageFault(err)
	}
	return h, true, nil
}

const slotColumns = `id::text, route_id::text, slot_date, to_char(start_time, 'HH24:MI'), max_capacity, remaining_capacity, is_open`

func scanSlot(row db.Row) (Slot, error) {
	var s Slot
	var start string
	if err := row.Scan(&s.ID, &s.RouteID, &s.Date, &start, &s.MaxCapacity, &s.RemainingCapacity, &s.IsOpen); err != nil {
		return Slot{}, err
	}
	t, err := itinerary.ParseTimeOfDay(start)
	if err != nil {
		return Slot{}, err
	}
	s.StartTime = t
	return s, nil
}

func (l *Ledger) Slot(ctx context.Context, id string) (Slot, error) {
	s, err := scanSlot(l.DB.QueryRow(ctx, `SELECT `+slotColumns+` FROM availability_slots WHERE id=$1`, id))
	if err != nil {
		if db.IsNotFound(err) {
			return Slot{}, ErrSlotNotFound
		}
		return Slot{}, internaltypes.StorageFault(err)
	}
	return s, nil
}

// ListSlots returns a route's slots with dates in [from, to], earliest first.
func (l *Ledger) ListSlots(ctx context.Context, routeID string, from, to time.Time) ([]Slot, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots
		WHERE route_id=$1 AND slot_date BETWEEN $2::date AND $3::date
		ORDER BY slot_date, start_time`,
		routeID, from.Format(time.DateOnly), to.Format(time.DateOnly))
	if err != nil {
		return nil, internaltypes.StorageFault(err)
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (l *Ledger) CreateSlot(ctx context.Context, s Slot) (Slot, error) {
	if s.MaxCapacity < 0 {
		return Slot{}, internaltypes.Invalid("max_capacity", "must not be negative")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.RemainingCapacity = s.MaxCapacity
	err := l.DB.Exec(ctx, `
		INSERT INTO availability_slots (id, route_id, slot_date, start_time, max_capacity, remaining_capacity, is_open)
		VALUES ($1, $2, $3::date, $4::time, $5, $5, $6)`,
		s.ID, s.RouteID, s.Date.Format(time.DateOnly), s.StartTime.String(), s.MaxCapacity, s.IsOpen)
	if err != nil {
		if db.IsUniqueViolation(err, "availability_slots_route_start_key") {
			return Slot{}, internaltypes.Invalid("slot", "route already has a slot at that date and time")
		}
		return Slot{}, fmt.Errorf("create slot: %w", err)
	}
	return s, nil
}

// SetOpen opens or closes a slot for new reservations. Existing holds are
// not touched.
func (l *Ledger) SetOpen(ctx context.Context, id string, open bool) error {
	n, err := l.DB.ExecCount(ctx, `UPDATE availability_slots SET is_open=$2 WHERE id=$1`, id, open)
	if err != nil {
		return internaltypes.StorageFault(err)
	}
	if n == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// ReleaseOrphans releases holds that no live booking accounts for: holds
// older than olderThan with no booking row (a crash between reserve and
// persist, or a failed compensation), and holds of cancelled bookings whose
// release failed. It returns how many holds it released.
func (l *Ledger) ReleaseOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT h.id::text
		FROM capacity_holds h
		LEFT JOIN bookings b ON b.hold_id = h.id
		WHERE h.status = 'held'
		  AND ((b.id IS NULL AND h.created_at < now() - make_interval(secs => $1))
		       OR b.status = 'cancelled')
		ORDER BY h.created_at
		LIMIT 500`, olderThan.Seconds())
	if err != nil {
		return 0, internaltypes.StorageFault(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, internaltypes.StorageFault(err)
	}

	released := 0
	var errs []error
	for _, id := range ids {
		_, changed, err := l.Release(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("hold %s: %w", id, err))
			continue
		}
		if changed {
			released++
		}
	}
	return released, errors.Join(errs...)
}
