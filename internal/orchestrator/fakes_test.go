package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/tourbook/internal/bookings"
	"github.com/example/tourbook/internal/db"
	"github.com/example/tourbook/internal/internaltypes"
	"github.com/example/tourbook/internal/itinerary"
	"github.com/example/tourbook/internal/ledger"
	"github.com/example/tourbook/internal/routes"
)

type fakeRoutes struct {
	routes map[string]routes.Route
	hours  itinerary.HoursIndex
}

func (f *fakeRoutes) Route(_ context.Context, id string) (routes.Route, error) {
	r, ok := f.routes[id]
	if !ok {
		return routes.Route{}, db.ErrNotFound
	}
	return r, nil
}

func (f *fakeRoutes) Hours(context.Context, []string) (itinerary.HoursIndex, error) {
	return f.hours, nil
}

// memLedger mirrors the Postgres ledger: one mutex-guarded compare and
// decrement per call.
type memLedger struct {
	mu       sync.Mutex
	slots    map[string]*ledger.Slot
	holds    map[string]*ledger.Hold
	reserves int

	// failReserve makes Reserve report a storage fault; when applied is
	// set the reservation is recorded first, as if the reply was lost.
	failReserve error
	applied     bool
	failRelease error
}

func newMemLedger(slots ...ledger.Slot) *memLedger {
	l := &memLedger{slots: map[string]*ledger.Slot{}, holds: map[string]*ledger.Hold{}}
	for i := range slots {
		s := slots[i]
		l.slots[s.ID] = &s
	}
	return l
}

func (l *memLedger) Slot(_ context.Context, id string) (ledger.Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[id]
	if !ok {
		return ledger.Slot{}, ledger.ErrSlotNotFound
	}
	return *s, nil
}

func (l *memLedger) remaining(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slots[id].RemainingCapacity
}

func (l *memLedger) Reserve(_ context.Context, holdID, slotID string, units int) (ledger.Hold, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserves++
	s, ok := l.slots[slotID]
	if !ok {
		return ledger.Hold{}, ledger.ErrSlotNotFound
	}
	if l.failReserve != nil && !l.applied {
		return ledger.Hold{}, internaltypes.StorageFault(l.failReserve)
	}
	if !s.IsOpen {
		return ledger.Hold{}, ledger.ErrSlotClosed
	}
	if s.RemainingCapacity < units {
		return ledger.Hold{}, ledger.ErrInsufficientCapacity
	}
	s.RemainingCapacity -= units
	h := &ledger.Hold{ID: holdID, SlotID: slotID, Units: units, Remaining: s.RemainingCapacity, Status: ledger.HoldHeld}
	l.holds[holdID] = h
	if l.failReserve != nil {
		return ledger.Hold{}, internaltypes.StorageFault(l.failReserve)
	}
	return *h, nil
}

func (l *memLedger) Release(_ context.Context, holdID string) (int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failRelease != nil {
		return 0, false, internaltypes.StorageFault(l.failRelease)
	}
	h, ok := l.holds[holdID]
	if !ok {
		return 0, false, ledger.ErrHoldNotFound
	}
	s := l.slots[h.SlotID]
	if h.Status == ledger.HoldReleased {
		return s.RemainingCapacity, false, nil
	}
	h.Status = ledger.HoldReleased
	s.RemainingCapacity += h.Units
	return s.RemainingCapacity, true, nil
}

func (l *memLedger) Lookup(_ context.Context, holdID string) (ledger.Hold, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holds[holdID]
	if !ok {
		return ledger.Hold{}, false, nil
	}
	return *h, true, nil
}

type memStore struct {
	mu       sync.Mutex
	bookings map[string]*bookings.Booking
	events   map[string][]bookings.Event
	refs     map[string]bool

	failCreate  error
	storeAnyway bool // commit, then report failCreate
	dupRefs     int  // first n creates collide on the reference
}

func newMemStore() *memStore {
	return &memStore{
		bookings: map[string]*bookings.Booking{},
		events:   map[string][]bookings.Event{},
		refs:     map[string]bool{},
	}
}

func (m *memStore) Create(_ context.Context, b *bookings.Booking, n *bookings.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dupRefs > 0 {
		m.dupRefs--
		return bookings.ErrDuplicateReference
	}
	if m.failCreate != nil && !m.storeAnyway {
		return internaltypes.StorageFault(m.failCreate)
	}
	if m.refs[b.Reference] {
		return bookings.ErrDuplicateReference
	}
	cp := *b
	cp.Stops = append([]bookings.RestaurantBooking(nil), b.Stops...)
	m.bookings[b.ID] = &cp
	m.refs[b.Reference] = true
	m.events[b.ID] = append(m.events[b.ID], bookings.Event{BookingID: b.ID, Type: bookings.EventCreated})
	n.ID = int64(len(m.bookings))
	if m.failCreate != nil {
		return internaltypes.StorageFault(m.failCreate)
	}
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (bookings.Booking, error) {
	if err := ctx.Err(); err != nil {
		return bookings.Booking{}, internaltypes.StorageFault(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return bookings.Booking{}, db.ErrNotFound
	}
	return *b, nil
}

func (m *memStore) GetByReference(_ context.Context, ref string) (bookings.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bookings {
		if b.Reference == ref {
			return *b, nil
		}
	}
	return bookings.Booking{}, db.ErrNotFound
}

func (m *memStore) Cancel(_ context.Context, id, reason, actor string, at time.Time) (bookings.Booking, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return bookings.Booking{}, false, db.ErrNotFound
	}
	if b.Status == bookings.StatusCancelled {
		return *b, false, nil
	}
	if err := bookings.CheckTransition(b.Status, bookings.StatusCancelled); err != nil {
		return bookings.Booking{}, false, err
	}
	prev := b.Status
	b.Status = bookings.StatusCancelled
	b.CancelledAt = &at
	b.CancelReason = reason
	for i := range b.Stops {
		if !b.Stops[i].Status.IsTerminal() {
			b.Stops[i].Status = bookings.StatusCancelled
		}
	}
	m.events[id] = append(m.events[id], bookings.Event{
		BookingID: id, Type: bookings.EventCancelled, Actor: actor,
		Metadata: map[string]any{"reason": reason, "previous_status": string(prev)},
	})
	return *b, true, nil
}

func (m *memStore) Transition(_ context.Context, id string, to bookings.Status, actor string, _ map[string]any) (bookings.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return bookings.Booking{}, db.ErrNotFound
	}
	if err := bookings.CheckTransition(b.Status, to); err != nil {
		return bookings.Booking{}, err
	}
	b.Status = to
	m.events[id] = append(m.events[id], bookings.Event{BookingID: id, Type: bookings.EventFor(to), Actor: actor})
	return *b, nil
}

func (m *memStore) TransitionStop(_ context.Context, id string, n int, to bookings.Status, actor string) (bookings.RestaurantBooking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return bookings.RestaurantBooking{}, db.ErrNotFound
	}
	if b.Status.IsTerminal() {
		return bookings.RestaurantBooking{}, &internaltypes.InvalidTransitionError{From: string(b.Status), To: string(to)}
	}
	for i := range b.Stops {
		if b.Stops[i].StopNumber != n {
			continue
		}
		if err := bookings.CheckTransition(b.Stops[i].Status, to); err != nil {
			return bookings.RestaurantBooking{}, err
		}
		b.Stops[i].Status = to
		m.events[id] = append(m.events[id], bookings.Event{BookingID: id, Type: bookings.EventStopPrefix + bookings.EventFor(to), Actor: actor})
		if to == bookings.StatusOngoing && b.Status == bookings.StatusConfirmed {
			b.Status = bookings.StatusOngoing
			m.events[id] = append(m.events[id], bookings.Event{BookingID: id, Type: bookings.EventCheckedIn, Actor: actor})
		}
		return b.Stops[i], nil
	}
	return bookings.RestaurantBooking{}, db.ErrNotFound
}

func (m *memStore) Events(_ context.Context, id string) ([]bookings.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bookings.Event(nil), m.events[id]...), nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bookings)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	fail error
	sent []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, bookingID string, _ bookings.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, bookingID)
	return nil
}

var errDBDown = errors.New("connection refused")

func newUUID() string { return uuid.NewString() }
