package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/tourbook/internal/bookings"
	"github.com/example/tourbook/internal/internaltypes"
	"github.com/example/tourbook/internal/itinerary"
	"github.com/example/tourbook/internal/ledger"
	"github.com/example/tourbook/internal/logging"
	"github.com/example/tourbook/internal/notify"
	"github.com/example/tourbook/internal/routes"
)

const referenceAttempts = 3

type RouteSource interface {
	Route(ctx context.Context, id string) (routes.Route, error)
	Hours(ctx context.Context, restaurantIDs []string) (itinerary.HoursIndex, error)
}

type Ledger interface {
	Slot(ctx context.Context, id string) (ledger.Slot, error)
	Reserve(ctx context.Context, holdID, slotID string, units int) (ledger.Hold, error)
	Release(ctx context.Context, holdID string) (remaining int, changed bool, err error)
	Lookup(ctx context.Context, holdID string) (ledger.Hold, bool, error)
}

type Store interface {
	Create(ctx context.Context, b *bookings.Booking, n *bookings.Notification) error
	Get(ctx context.Context, id string) (bookings.Booking, error)
	GetByReference(ctx context.Context, ref string) (bookings.Booking, error)
	Cancel(ctx context.Context, id, reason, actor string, at time.Time) (bookings.Booking, bool, error)
	Transition(ctx context.Context, id string, to bookings.Status, actor string, meta map[string]any) (bookings.Booking, error)
	TransitionStop(ctx context.Context, id string, stopNumber int, to bookings.Status, actor string) (bookings.RestaurantBooking, error)
	Events(ctx context.Context, bookingID string) ([]bookings.Event, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, bookingID string, n bookings.Notification) error
}

// Service is the booking entry point. It owns the reserve/persist/compensate
// sequence; the ledger and the store never retry on their own.
type Service struct {
	Routes     RouteSource
	Ledger     Ledger
	Store      Store
	Dispatcher Dispatcher // optional; the relay delivers when nil

	Location            *time.Location
	CompensationTimeout time.Duration
	Log                 *logrus.Entry

	Now   func() time.Time
	NewID func() string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) loc() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.UTC
}

func (s *Service) log() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	return logging.Discard()
}

// detached returns a context that survives the caller's cancellation but is
// bounded by CompensationTimeout.
func (s *Service) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	d := s.CompensationTimeout
	if d <= 0 {
		d = 5 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

type Request struct {
	RouteID   string
	SlotID    string
	PartySize int
	Customer  bookings.Customer
	Payment   bookings.PaymentResult
}

// Plan is a route laid out on a slot, with the verdict for every stop.
type Plan struct {
	Route       routes.Route
	Slot        ledger.Slot
	StartsAt    time.Time
	Windows     []itinerary.Window
	Feasibility itinerary.Feasibility
}

func validID(field, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return internaltypes.Invalid(field, "is not a valid id")
	}
	return nil
}

// plan loads route, slot and hours and evaluates the itinerary. Party size
// is checked against the route when party > 0.
func (s *Service) plan(ctx context.Context, routeID, slotID string, party int) (Plan, error) {
	if err := validID("route_id", routeID); err != nil {
		return Plan{}, err
	}
	if err := validID("slot_id", slotID); err != nil {
		return Plan{}, err
	}

	rt, err := s.Routes.Route(ctx, routeID)
	if err != nil {
		if errors.Is(err, internaltypes.ErrNotFound) {
			return Plan{}, internaltypes.Invalid("route_id", "unknown route")
		}
		return Plan{}, internaltypes.StorageFault(err)
	}
	if !rt.Published {
		return Plan{}, internaltypes.Invalid("route_id", "route is not bookable")
	}
	if len(rt.Stops) == 0 {
		return Plan{}, internaltypes.Invalid("route_id", "route has no stops")
	}
	if party > 0 && rt.MaxPartySize > 0 && party > rt.MaxPartySize {
		return Plan{}, internaltypes.Invalid("party_size", fmt.Sprintf("must be at most %d for this route", rt.MaxPartySize))
	}

	slot, err := s.Ledger.Slot(ctx, slotID)
	if err != nil {
		if errors.Is(err, internaltypes.ErrNotFound) {
			return Plan{}, internaltypes.Invalid("slot_id", "unknown slot")
		}
		return Plan{}, internaltypes.StorageFault(err)
	}
	if slot.RouteID != rt.ID {
		return Plan{}, internaltypes.Invalid("slot_id", "slot does not belong to route")
	}

	start := slot.StartsAt(s.loc())
	windows, err := itinerary.Walk(rt.Stops, start)
	if err != nil {
		return Plan{}, internaltypes.Invalid("route_id", err.Error())
	}
	hours, err := s.Routes.Hours(ctx, rt.RestaurantIDs())
	if err != nil {
		return Plan{}, internaltypes.StorageFault(err)
	}
	f := itinerary.Evaluate(windows, hours)
	for _, v := range f.Verdicts {
		if v.Reason == itinerary.ReasonHoursMissing {
			s.log().WithFields(logrus.Fields{
				"action":        "hours_missing",
				"restaurant_id": v.RestaurantID,
				"weekday":       v.Arrival.Weekday().String(),
			}).Debug("no operating hours, treating restaurant as open")
		}
	}
	return Plan{Route: rt, Slot: slot, StartsAt: start, Windows: windows, Feasibility: f}, nil
}

// Preview evaluates a route on a slot without touching capacity.
func (s *Service) Preview(ctx context.Context, routeID, slotID string) (Plan, error) {
	return s.plan(ctx, routeID, slotID, 0)
}

func (s *Service) validate(req Request) error {
	if req.PartySize < 1 {
		return internaltypes.Invalid("party_size", "must be at least 1")
	}
	if err := req.Customer.Validate(); err != nil {
		return err
	}
	return req.Payment.Validate()
}

// CreateBooking evaluates the itinerary, reserves capacity and persists the
// booking as confirmed. Capacity reserved here is released again on every
// path that does not end in a stored booking.
func (s *Service) CreateBooking(ctx context.Context, req Request) (bookings.Booking, error) {
	if err := s.validate(req); err != nil {
		return bookings.Booking{}, err
	}
	p, err := s.plan(ctx, req.RouteID, req.SlotID, req.PartySize)
	if err != nil {
		return bookings.Booking{}, err
	}
	total := p.Route.TotalCents(req.PartySize)
	if req.Payment.AmountCents != 0 && req.Payment.AmountCents != total {
		return bookings.Booking{}, internaltypes.Invalid("payment.amount_cents",
			fmt.Sprintf("paid %d but the booking costs %d", req.Payment.AmountCents, total))
	}

	log := s.log().WithFields(logrus.Fields{"route_id": p.Route.ID, "slot_id": p.Slot.ID, "party_size": req.PartySize})
	if !p.Feasibility.Feasible() {
		names := p.Feasibility.UnavailableNames()
		log.WithFields(logrus.Fields{"action": "itinerary_unavailable", "restaurants": names}).Info("booking declined")
		return bookings.Booking{}, &internaltypes.UnavailableError{Restaurants: names}
	}

	holdID := s.newID()
	hold, err := s.Ledger.Reserve(ctx, holdID, p.Slot.ID, req.PartySize)
	if err != nil {
		switch {
		case errors.Is(err, internaltypes.ErrInsufficientCapacity),
			errors.Is(err, internaltypes.ErrNotFound),
			errors.Is(err, internaltypes.ErrValidation):
			log.WithError(err).WithField("action", "capacity_declined").Info("booking declined")
			return bookings.Booking{}, err
		}
		return bookings.Booking{}, s.reconcile(ctx, log, holdID, err)
	}
	log = log.WithField("hold_id", hold.ID)

	b := bookings.Booking{
		ID:               s.newID(),
		RouteID:          p.Route.ID,
		SlotID:           p.Slot.ID,
		HoldID:           hold.ID,
		PartySize:        req.PartySize,
		Customer:         req.Customer,
		TotalCents:       total,
		Currency:         p.Route.Currency,
		Status:           bookings.StatusConfirmed,
		PaymentStatus:    req.Payment.Status,
		PaymentReference: req.Payment.Reference,
	}
	for i, w := range p.Windows {
		b.Stops = append(b.Stops, bookings.RestaurantBooking{
			StopNumber:         i + 1,
			RestaurantID:       w.Stop.RestaurantID,
			RestaurantName:     w.Stop.RestaurantName,
			DishID:             w.Stop.DishID,
			EstimatedArrival:   w.Arrival,
			EstimatedDeparture: w.Departure,
			PartySize:          req.PartySize,
			Status:             bookings.StatusConfirmed,
		})
	}

	n, err := s.persist(ctx, &b, p)
	if err != nil {
		switch s.stored(ctx, b.ID) {
		case storedYes:
			// the commit went through even though the call reported failure
			log.WithError(err).WithFields(logrus.Fields{"action": "booking_created", "booking_id": b.ID}).Warn("booking stored despite error")
			dctx, cancel := s.detached(ctx)
			defer cancel()
			return s.Store.Get(dctx, b.ID)
		case storedNo:
			s.compensate(ctx, log, hold.ID, err)
		default:
			log.WithError(err).WithField("action", "compensation_deferred").Error("booking outcome unknown, hold left to sweeper")
		}
		return bookings.Booking{}, internaltypes.StorageFault(err)
	}

	log.WithFields(logrus.Fields{
		"action":     "booking_created",
		"booking_id": b.ID,
		"reference":  b.Reference,
		"remaining":  hold.Remaining,
	}).Info("booking confirmed")

	if s.Dispatcher != nil {
		if err := s.Dispatcher.Dispatch(ctx, b.ID, n); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"action":     "confirmation_deferred",
				"booking_id": b.ID,
			}).Warn("confirmation publish failed, relay will retry")
		}
	}
	return b, nil
}

// persist stores the booking under a fresh reference, drawing a new one when
// the reference is already taken.
func (s *Service) persist(ctx context.Context, b *bookings.Booking, p Plan) (bookings.Notification, error) {
	var err error
	for attempt := 0; attempt < referenceAttempts; attempt++ {
		b.Reference, err = bookings.NewReference()
		if err != nil {
			return bookings.Notification{}, err
		}
		var n bookings.Notification
		n, err = notify.NewConfirmation(*b, p.Route.Name, p.StartsAt).Notification()
		if err != nil {
			return bookings.Notification{}, err
		}
		err = s.Store.Create(ctx, b, &n)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, bookings.ErrDuplicateReference) {
			return bookings.Notification{}, err
		}
	}
	return bookings.Notification{}, fmt.Errorf("no free booking reference after %d attempts: %w", referenceAttempts, err)
}

type storedState int

const (
	storedUnknown storedState = iota
	storedYes
	storedNo
)

// stored reads back whether a booking whose Create reported an error was
// committed anyway.
func (s *Service) stored(ctx context.Context, id string) storedState {
	cctx, cancel := s.detached(ctx)
	defer cancel()
	_, err := s.Store.Get(cctx, id)
	switch {
	case err == nil:
		return storedYes
	case errors.Is(err, internaltypes.ErrNotFound):
		return storedNo
	}
	return storedUnknown
}

// compensate gives back capacity reserved for a booking that was not stored.
// A failed release is left to the orphan sweeper.
func (s *Service) compensate(ctx context.Context, log *logrus.Entry, holdID string, cause error) {
	cctx, cancel := s.detached(ctx)
	defer cancel()

	remaining, _, err := s.Ledger.Release(cctx, holdID)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"action": "compensation_failed",
			"cause":  cause.Error(),
		}).Error("could not release capacity for failed booking")
		return
	}
	log.WithFields(logrus.Fields{
		"action":    "capacity_released",
		"cause":     cause.Error(),
		"remaining": remaining,
	}).Warn("booking not stored, capacity released")
}

// reconcile handles a reserve whose outcome is unknown: it reads the hold
// back and releases it if it was written. The caller always gets a storage
// fault.
func (s *Service) reconcile(ctx context.Context, log *logrus.Entry, holdID string, cause error) error {
	rctx, cancel := s.detached(ctx)
	defer cancel()

	h, found, err := s.Ledger.Lookup(rctx, holdID)
	switch {
	case err != nil:
		log.WithError(err).WithField("action", "reconcile_failed").Error("reserve outcome unknown, left to sweeper")
	case found && h.Status == ledger.HoldHeld:
		s.compensate(ctx, log, holdID, cause)
	default:
		log.WithError(cause).WithField("action", "reserve_failed").Warn("reserve failed, nothing held")
	}
	return internaltypes.StorageFault(cause)
}

// CancelBooking cancels a booking and returns its capacity. Cancelling a
// cancelled booking succeeds and re-issues the release, which is a no-op
// unless an earlier release failed.
func (s *Service) CancelBooking(ctx context.Context, id, reason, actor string) (bookings.Booking, error) {
	if err := validID("booking_id", id); err != nil {
		return bookings.Booking{}, err
	}
	b, changed, err := s.Store.Cancel(ctx, id, reason, actor, s.now())
	if err != nil {
		return bookings.Booking{}, err
	}
	log := s.log().WithFields(logrus.Fields{"booking_id": b.ID, "reference": b.Reference, "hold_id": b.HoldID})
	if changed {
		log.WithFields(logrus.Fields{"action": "booking_cancelled", "reason": reason, "actor": actor}).Info("booking cancelled")
	}
	if b.HoldID == "" {
		return b, nil
	}

	rctx, cancel := s.detached(ctx)
	defer cancel()
	remaining, released, err := s.Ledger.Release(rctx, b.HoldID)
	if err != nil {
		log.WithError(err).WithField("action", "release_failed").Error("booking cancelled but capacity not released")
		return bookings.Booking{}, internaltypes.StorageFault(err)
	}
	if released {
		log.WithFields(logrus.Fields{"action": "capacity_released", "remaining": remaining}).Info("capacity released")
	}
	return b, nil
}

// Transition applies a lifecycle change requested by staff. Cancellation is
// routed through CancelBooking so capacity is returned.
func (s *Service) Transition(ctx context.Context, id string, to bookings.Status, actor, reason string) (bookings.Booking, error) {
	if err := validID("booking_id", id); err != nil {
		return bookings.Booking{}, err
	}
	if to == bookings.StatusCancelled {
		return s.CancelBooking(ctx, id, reason, actor)
	}
	var meta map[string]any
	if reason != "" {
		meta = map[string]any{"reason": reason}
	}
	b, err := s.Store.Transition(ctx, id, to, actor, meta)
	if err != nil {
		return bookings.Booking{}, err
	}
	s.log().WithFields(logrus.Fields{"action": "booking_transition", "booking_id": id, "to": string(to), "actor": actor}).Info("booking status changed")
	return b, nil
}

func (s *Service) TransitionStop(ctx context.Context, id string, stopNumber int, to bookings.Status, actor string) (bookings.RestaurantBooking, error) {
	if err := validID("booking_id", id); err != nil {
		return bookings.RestaurantBooking{}, err
	}
	if to == bookings.StatusCancelled {
		return bookings.RestaurantBooking{}, internaltypes.Invalid("status", "single stops cannot be cancelled; cancel the booking")
	}
	return s.Store.TransitionStop(ctx, id, stopNumber, to, actor)
}

func (s *Service) Booking(ctx context.Context, id string) (bookings.Booking, error) {
	if err := validID("booking_id", id); err != nil {
		return bookings.Booking{}, internaltypes.ErrNotFound
	}
	return s.Store.Get(ctx, id)
}

func (s *Service) BookingByReference(ctx context.Context, ref string) (bookings.Booking, error) {
	return s.Store.GetByReference(ctx, ref)
}

func (s *Service) Events(ctx context.Context, id string) ([]bookings.Event, error) {
	if _, err := s.Booking(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.Events(ctx, id)
}
