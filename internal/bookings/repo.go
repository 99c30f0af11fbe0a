package bookings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/tourbook/internal/db"
	"github.com/example/tourbook/internal/internaltypes"
)

var ErrDuplicateReference = errors.New("booking reference already taken")

type Repo struct {
	DB *db.DB
}

func NewRepo(d *db.DB) *Repo {
	return &Repo{DB: d}
}

// Create writes the booking, its restaurant bookings, its opening events and
// the outbox row in one transaction. n.ID is set on success. The outbox row
// becomes due for the relay after a short grace period, leaving the first
// attempt to the caller.
func (r *Repo) Create(ctx context.Context, b *Booking, n *Notification) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	var guestName, guestEmail, guestPhone, userID *string
	if b.Customer.Guest != nil {
		guestName, guestEmail = &b.Customer.Guest.Name, &b.Customer.Guest.Email
		if b.Customer.Guest.Phone != "" {
			guestPhone = &b.Customer.Guest.Phone
		}
	} else {
		userID = &b.Customer.UserID
	}

	err := r.DB.InTx(ctx, func(q db.Querier) error {
		err := q.QueryRow(ctx, `
			INSERT INTO bookings (id, reference, route_id, slot_id, hold_id, party_size,
			                      user_id, guest_name, guest_email, guest_phone,
			                      total_cents, currency, status, payment_status, payment_reference)
			VALUES ($1,$2,$3,$4,NULLIF($5,'')::uuid,$6,$7,$8,$9,$10,$11,$12,$13,$14,NULLIF($15,''))
			RETURNING created_at, updated_at`,
			b.ID, b.Reference, b.RouteID, b.SlotID, b.HoldID, b.PartySize,
			userID, guestName, guestEmail, guestPhone,
			b.TotalCents, b.Currency, string(b.Status), string(b.PaymentStatus), b.PaymentReference,
		).Scan(&b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			if db.IsUniqueViolation(err, "bookings_reference_key") {
				return ErrDuplicateReference
			}
			return fmt.Errorf("insert booking: %w", err)
		}

		for i := range b.Stops {
			s := &b.Stops[i]
			if s.ID == "" {
				s.ID = uuid.NewString()
			}
			err := q.Exec(ctx, `
				INSERT INTO restaurant_bookings (id, booking_id, stop_number, restaurant_id, dish_id,
				                                 estimated_arrival, estimated_departure, party_size, status)
				VALUES ($1,$2,$3,$4,NULLIF($5,'')::uuid,$6,$7,$8,$9)`,
				s.ID, b.ID, s.StopNumber, s.RestaurantID, s.DishID,
				s.EstimatedArrival, s.EstimatedDeparture, s.PartySize, string(s.Status))
			if err != nil {
				return fmt.Errorf("insert stop %d: %w", s.StopNumber, err)
			}
		}

		meta := map[string]any{
			"slot_id":    b.SlotID,
			"party_size": b.PartySize,
			"status":     string(b.Status),
		}
		if err := insertEvent(ctx, q, b.ID, EventCreated, "system", meta); err != nil {
			return err
		}
		if b.PaymentReference != "" {
			meta := map[string]any{
				"reference":      b.PaymentReference,
				"payment_status": string(b.PaymentStatus),
				"amount_cents":   b.TotalCents,
			}
			if err := insertEvent(ctx, q, b.ID, EventPaymentRecorded, "system", meta); err != nil {
				return err
			}
		}

		if n == nil {
			return nil
		}
		return q.QueryRow(ctx, `
			INSERT INTO notification_outbox (booking_id, routing_key, body, next_attempt_at)
			VALUES ($1, $2, $3::jsonb, now() + interval '30 seconds')
			RETURNING id`, b.ID, n.RoutingKey, string(n.Body)).Scan(&n.ID)
	})
	if err != nil && !errors.Is(err, ErrDuplicateReference) {
		return internaltypes.StorageFault(err)
	}
	return err
}

func insertEvent(ctx context.Context, q db.Querier, bookingID, typ, actor string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	if actor == "" {
		actor = "system"
	}
	err := q.Exec(ctx, `INSERT INTO booking_events (booking_id, event_type, actor, metadata) VALUES ($1,$2,$3,$4)`,
		bookingID, typ, actor, meta)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", typ, err)
	}
	return nil
}

const bookingColumns = `
	b.id::text, b.reference, b.route_id::text, b.slot_id::text, COALESCE(b.hold_id::text, ''),
	b.party_size, COALESCE(b.user_id, ''), COALESCE(b.guest_name, ''), COALESCE(b.guest_email, ''),
	COALESCE(b.guest_phone, ''), b.total_cents, b.currency, b.status, b.payment_status,
	COALESCE(b.payment_reference, ''), COALESCE(b.cancel_reason, ''),
	b.created_at, b.updated_at, b.cancelled_at`

func scanBooking(row db.Row) (Booking, error) {
	var b Booking
	var userID, name, email, phone, status, payment string
	err := row.Scan(&b.ID, &b.Reference, &b.RouteID, &b.SlotID, &b.HoldID,
		&b.PartySize, &userID, &name, &email, &phone, &b.TotalCents, &b.Currency, &status, &payment,
		&b.PaymentReference, &b.CancelReason, &b.CreatedAt, &b.UpdatedAt, &b.CancelledAt)
	if err != nil {
		return Booking{}, err
	}
	b.Status, b.PaymentStatus = Status(status), PaymentStatus(payment)
	if userID != "" {
		b.Customer.UserID = userID
	} else {
		b.Customer.Guest = &GuestContact{Name: name, Email: email, Phone: phone}
	}
	return b, nil
}

func (r *Repo) Get(ctx context.Context, id string) (Booking, error) {
	return r.get(ctx, r.DB, `b.id = $1`, id, false)
}

func (r *Repo) GetByReference(ctx context.Context, ref string) (Booking, error) {
	return r.get(ctx, r.DB, `b.reference = $1`, ref, false)
}

func (r *Repo) get(ctx context.Context, q db.Querier, where string, arg any, lock bool) (Booking, error) {
	sql := `SELECT ` + bookingColumns + ` FROM bookings b WHERE ` + where
	if lock {
		sql += ` FOR UPDATE`
	}
	b, err := scanBooking(q.QueryRow(ctx, sql, arg))
	if err != nil {
		if db.IsNotFound(err) {
			return Booking{}, db.ErrNotFound
		}
		return Booking{}, internaltypes.StorageFault(err)
	}
	b.Stops, err = stops(ctx, q, b.ID, lock)
	if err != nil {
		return Booking{}, internaltypes.StorageFault(err)
	}
	return b, nil
}

func stops(ctx context.Context, q db.Querier, bookingID string, lock bool) ([]RestaurantBooking, error) {
	sql := `
		SELECT rb.id::text, rb.stop_number, rb.restaurant_id::text, r.name, COALESCE(rb.dish_id::text, ''),
		       rb.estimated_arrival, rb.estimated_departure, rb.party_size, rb.status
		FROM restaurant_bookings rb
		JOIN restaurants r ON r.id = rb.restaurant_id
		WHERE rb.booking_id = $1
		ORDER BY rb.stop_number`
	if lock {
		sql += ` FOR UPDATE OF rb`
	}
	rows, err := q.Query(ctx, sql, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RestaurantBooking
	for rows.Next() {
		var s RestaurantBooking
		var status string
		if err := rows.Scan(&s.ID, &s.StopNumber, &s.RestaurantID, &s.RestaurantName, &s.DishID,
			&s.EstimatedArrival, &s.EstimatedDeparture, &s.PartySize, &status); err != nil {
			return nil, err
		}
		s.Status = Status(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Cancel moves the booking to cancelled together with its unfinished stops
// and logs the change. A booking that is already cancelled is returned as is
// with changed=false.
func (r *Repo) Cancel(ctx context.Context, id, reason, actor string, at time.Time) (b Booking, changed bool, err error) {
	err = r.DB.InTx(ctx, func(q db.Querier) error {
		cur, err := r.get(ctx, q, `b.id = $1`, id, true)
		if err != nil {
			return err
		}
		if cur.Status == StatusCancelled {
			b = cur
			return nil
		}
		if err := CheckTransition(cur.Status, StatusCancelled); err != nil {
			return err
		}
		err = q.Exec(ctx, `
			UPDATE bookings SET status='cancelled', cancelled_at=$2, cancel_reason=NULLIF($3,''), updated_at=$2
			WHERE id=$1`, id, at, reason)
		if err != nil {
			return fmt.Errorf("cancel booking: %w", err)
		}
		err = q.Exec(ctx, `
			UPDATE restaurant_bookings SET status='cancelled', updated_at=$2
			WHERE booking_id=$1 AND status NOT IN ('completed', 'cancelled')`, id, at)
		if err != nil {
			return fmt.Errorf("cancel stops: %w", err)
		}
		meta := map[string]any{"reason": reason, "previous_status": string(cur.Status)}
		if err := insertEvent(ctx, q, id, EventCancelled, actor, meta); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return Booking{}, false, classify(err)
	}
	if changed {
		b, err = r.Get(ctx, id)
	}
	return b, changed, err
}

// Transition applies one lifecycle edge to the booking and logs it in the
// same transaction.
func (r *Repo) Transition(ctx context.Context, id string, to Status, actor string, meta map[string]any) (Booking, error) {
	if to == StatusCancelled {
		return Booking{}, internaltypes.Invalid("status", "cancellation goes through Cancel")
	}
	err := r.DB.InTx(ctx, func(q db.Querier) error {
		cur, err := r.get(ctx, q, `b.id = $1`, id, true)
		if err != nil {
			return err
		}
		if err := CheckTransition(cur.Status, to); err != nil {
			return err
		}
		if err := q.Exec(ctx, `UPDATE bookings SET status=$2, updated_at=now() WHERE id=$1`, id, string(to)); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		m := map[string]any{"from": string(cur.Status), "to": string(to)}
		for k, v := range meta {
			m[k] = v
		}
		return insertEvent(ctx, q, id, EventFor(to), actor, m)
	})
	if err != nil {
		return Booking{}, classify(err)
	}
	return r.Get(ctx, id)
}

// TransitionStop moves one restaurant booking along the lifecycle. Checking
// in at a stop also moves a confirmed parent booking to ongoing.
func (r *Repo) TransitionStop(ctx context.Context, id string, stopNumber int, to Status, actor string) (RestaurantBooking, error) {
	var out RestaurantBooking
	err := r.DB.InTx(ctx, func(q db.Querier) error {
		parent, err := r.get(ctx, q, `b.id = $1`, id, true)
		if err != nil {
			return err
		}
		if parent.Status.IsTerminal() {
			return &internaltypes.InvalidTransitionError{From: string(parent.Status), To: string(to)}
		}
		var stop *RestaurantBooking
		for i := range parent.Stops {
			if parent.Stops[i].StopNumber == stopNumber {
				stop = &parent.Stops[i]
			}
		}
		if stop == nil {
			return fmt.Errorf("stop %d %w", stopNumber, db.ErrNotFound)
		}
		if err := CheckTransition(stop.Status, to); err != nil {
			return err
		}
		err = q.Exec(ctx, `UPDATE restaurant_bookings SET status=$3, updated_at=now() WHERE booking_id=$1 AND stop_number=$2`,
			id, stopNumber, string(to))
		if err != nil {
			return fmt.Errorf("update stop: %w", err)
		}
		meta := map[string]any{"stop_number": stopNumber, "restaurant_id": stop.RestaurantID, "from": string(stop.Status), "to": string(to)}
		if err := insertEvent(ctx, q, id, EventStopPrefix+EventFor(to), actor, meta); err != nil {
			return err
		}
		if to == StatusOngoing && parent.Status == StatusConfirmed {
			if err := q.Exec(ctx, `UPDATE bookings SET status='ongoing', updated_at=now() WHERE id=$1`, id); err != nil {
				return fmt.Errorf("update status: %w", err)
			}
			m := map[string]any{"from": string(StatusConfirmed), "to": string(StatusOngoing), "stop_number": stopNumber}
			if err := insertEvent(ctx, q, id, EventCheckedIn, actor, m); err != nil {
				return err
			}
		}
		stop.Status = to
		out = *stop
		return nil
	})
	if err != nil {
		return RestaurantBooking{}, classify(err)
	}
	return out, nil
}

// AppendEvent records an external action (payment recorded, confirmation
// sent) against a booking.
func (r *Repo) AppendEvent(ctx context.Context, bookingID, typ, actor string, meta map[string]any) error {
	if err := insertEvent(ctx, r.DB, bookingID, typ, actor, meta); err != nil {
		return internaltypes.StorageFault(err)
	}
	return nil
}

// Events returns the booking's log, oldest first.
func (r *Repo) Events(ctx context.Context, bookingID string) ([]Event, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, booking_id::text, event_type, actor, metadata, created_at
		FROM booking_events WHERE booking_id=$1 ORDER BY id`, bookingID)
	if err != nil {
		return nil, internaltypes.StorageFault(err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.BookingID, &e.Type, &e.Actor, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, internaltypes.StorageFault(err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, internaltypes.StorageFault(err)
	}
	return out, nil
}

// classify leaves domain errors alone and marks everything else as a
// storage fault.
func classify(err error) error {
	switch {
	case errors.Is(err, internaltypes.ErrNotFound),
		errors.Is(err, internaltypes.ErrInvalidTransition),
		errors.Is(err, internaltypes.ErrValidation):
		return err
	}
	return internaltypes.StorageFault(err)
}
