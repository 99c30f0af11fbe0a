package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/tourbook/internal/bookings"
	"github.com/example/tourbook/internal/internaltypes"
	"github.com/example/tourbook/internal/itinerary"
	"github.com/example/tourbook/internal/ledger"
	"github.com/example/tourbook/internal/logging"
	"github.com/example/tourbook/internal/routes"
)

const (
	routeID     = "6f1c1c5e-5a44-4a51-9a0e-2a8c7c1f0001"
	fridaySlot  = "6f1c1c5e-5a44-4a51-9a0e-2a8c7c1f0101"
	mondaySlot  = "6f1c1c5e-5a44-4a51-9a0e-2a8c7c1f0102"
	otherRoute  = "6f1c1c5e-5a44-4a51-9a0e-2a8c7c1f0002"
	otherSlot   = "6f1c1c5e-5a44-4a51-9a0e-2a8c7c1f0201"
	pricePerPax = 8900
)

type fixture struct {
	svc    *Service
	ledger *memLedger
	store  *memStore
	disp   *fakeDispatcher
}

func newFixture(t *testing.T, fridayCapacity int) *fixture {
	t.Helper()
	mins := func(n int) time.Duration { return time.Duration(n) * time.Minute }
	rt := routes.Route{
		ID: routeID, Name: "North End Tasting", MaxPartySize: 8, Published: true,
		PricePerPersonCents: pricePerPax, Currency: "USD",
		Stops: []itinerary.Stop{
			{OrderIndex: 0, RestaurantID: "r1", RestaurantName: "Osteria", Service: mins(60), WalkToNext: mins(10)},
			{OrderIndex: 1, RestaurantID: "r2", RestaurantName: "Kado", Service: mins(45), WalkToNext: mins(10)},
			{OrderIndex: 2, RestaurantID: "r3", RestaurantName: "Patisserie", Service: mins(30)},
		},
	}
	var hours []itinerary.DayHours
	for d := time.Sunday; d <= time.Saturday; d++ {
		hours = append(hours,
			itinerary.DayHours{RestaurantID: "r1", Weekday: d, Open: 11 * 60, Close: 23 * 60},
			itinerary.DayHours{RestaurantID: "r2", Weekday: d, Open: 12 * 60, Close: 22 * 60, Closed: d == time.Monday},
		)
	}
	// r3 has no hours rows at all
	at18 := itinerary.TimeOfDay(18 * 60)
	l := newMemLedger(
		ledger.Slot{ID: fridaySlot, RouteID: routeID, Date: time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), StartTime: at18, MaxCapacity: fridayCapacity, RemainingCapacity: fridayCapacity, IsOpen: true},
		ledger.Slot{ID: mondaySlot, RouteID: routeID, Date: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), StartTime: at18, MaxCapacity: 10, RemainingCapacity: 10, IsOpen: true},
		ledger.Slot{ID: otherSlot, RouteID: otherRoute, Date: time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), StartTime: at18, MaxCapacity: 10, RemainingCapacity: 10, IsOpen: true},
	)
	st := newMemStore()
	d := &fakeDispatcher{}
	svc := &Service{
		Routes:     &fakeRoutes{routes: map[string]routes.Route{routeID: rt}, hours: itinerary.NewHoursIndex(hours)},
		Ledger:     l,
		Store:      st,
		Dispatcher: d,
		Location:   time.UTC,
		Log:        logging.Discard(),
		NewID:      newUUID,
	}
	return &fixture{svc: svc, ledger: l, store: st, disp: d}
}

func request(slot string, party int) Request {
	return Request{
		RouteID:   routeID,
		SlotID:    slot,
		PartySize: party,
		Customer:  bookings.Customer{Guest: &bookings.GuestContact{Name: "Ada", Email: "ada@example.com"}},
		Payment:   bookings.PaymentResult{Reference: "pi_123", Status: bookings.PaymentPaid},
	}
}

func TestCreateBookingConfirmsWithStopWindows(t *testing.T) {
	f := newFixture(t, 10)
	b, err := f.svc.CreateBooking(context.Background(), request(fridaySlot, 2))
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != bookings.StatusConfirmed || b.TotalCents != 2*pricePerPax || b.HoldID == "" || b.Reference == "" {
		t.Fatalf("booking = %+v", b)
	}
	want := []string{"18:00-19:00", "19:10-19:55", "20:05-20:35"}
	if len(b.Stops) != len(want) {
		t.Fatalf("stops = %d", len(b.Stops))
	}
	for i, s := range b.Stops {
		got := s.EstimatedArrival.Format("15:04") + "-" + s.EstimatedDeparture.Format("15:04")
		if got != want[i] || s.StopNumber != i+1 || s.PartySize != 2 {
			t.Errorf("stop %d = %s (%+v)", i, got, s)
		}
	}
	if r := f.ledger.remaining(fridaySlot); r != 8 {
		t.Fatalf("remaining = %d", r)
	}
	if len(f.disp.sent) != 1 || f.disp.sent[0] != b.ID {
		t.Fatalf("dispatched = %v", f.disp.sent)
	}
}

func TestTwoPartiesRaceForLastTwoSeats(t *testing.T) {
	f := newFixture(t, 2)
	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.CreateBooking(context.Background(), request(fridaySlot, 2))
		}(i)
	}
	close(start)
	wg.Wait()

	ok, full := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, internaltypes.ErrInsufficientCapacity):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || full != 1 {
		t.Fatalf("ok=%d full=%d", ok, full)
	}
	if r := f.ledger.remaining(fridaySlot); r != 0 {
		t.Fatalf("remaining = %d", r)
	}
}

func TestConcurrentBookingsNeverExceedCapacity(t *testing.T) {
	const capacity = 7
	f := newFixture(t, capacity)
	var wg sync.WaitGroup
	var mu sync.Mutex
	seats := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(party int) {
			defer wg.Done()
			b, err := f.svc.CreateBooking(context.Background(), request(fridaySlot, party))
			if err != nil {
				if !errors.Is(err, internaltypes.ErrInsufficientCapacity) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			seats += b.PartySize
			mu.Unlock()
		}(1 + i%3)
	}
	wg.Wait()
	if seats > capacity {
		t.Fatalf("sold %d seats of %d", seats, capacity)
	}
	if r := f.ledger.remaining(fridaySlot); r != capacity-seats {
		t.Fatalf("remaining %d, sold %d", r, seats)
	}
}

func TestClosedRestaurantDeclinesWithoutTouchingCapacity(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.svc.CreateBooking(context.Background(), request(mondaySlot, 2))

	var ue *internaltypes.UnavailableError
	if !errors.As(err, &ue) || len(ue.Restaurants) != 1 || ue.Restaurants[0] != "Kado" {
		t.Fatalf("err = %v", err)
	}
	if f.ledger.reserves != 0 || f.ledger.remaining(mondaySlot) != 10 {
		t.Fatalf("capacity touched: reserves=%d remaining=%d", f.ledger.reserves, f.ledger.remaining(mondaySlot))
	}
}

func TestPersistFailureReleasesCapacity(t *testing.T) {
	f := newFixture(t, 10)
	f.store.failCreate = errDBDown

	_, err := f.svc.CreateBooking(context.Background(), request(fridaySlot, 3))
	if !errors.Is(err, internaltypes.ErrStorageFault) || !errors.Is(err, errDBDown) {
		t.Fatalf("err = %v", err)
	}
	if r := f.ledger.remaining(fridaySlot); r != 10 {
		t.Fatalf("remaining = %d, capacity leaked", r)
	}
	if f.store.count() != 0 {
		t.Fatal("booking stored")
	}
}

func TestPersistFailureAfterCallerCancelStillCompensates(t *testing.T) {
	f := newFixture(t, 10)
	f.store.failCreate = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	f.svc.Ledger = cancelAfterReserve{memLedger: f.ledger, cancel: cancel}
	_, err := f.svc.CreateBooking(ctx, request(fridaySlot, 3))
	if err == nil {
		t.Fatal("expected error")
	}
	if r := f.ledger.remaining(fridaySlot); r != 10 {
		t.Fatalf("remaining = %d", r)
	}
}

type cancelAfterReserve struct {
	*memLedger
	cancel context.CancelFunc
}

func (c cancelAfterReserve) Reserve(ctx context.Context, holdID, slotID string, units int) (ledger.Hold, error) {
	h, err := c.memLedger.Reserve(ctx, holdID, slotID, units)
	c.cancel()
	return h, err
}

func (c cancelAfterReserve) Release(ctx context.Context, holdID string) (int, bool, error) {
	if ctx.Err() != nil {
		return 0, false, ctx.Err()
	}
	return c.memLedger.Release(ctx, holdID)
}

func TestCommitReportedFailedButStoredKeepsCapacity(t *testing.T) {
	f := newFixture(t, 10)
	f.store.failCreate = errDBDown
	f.store.storeAnyway = true

	b, err := f.svc.CreateBooking(context.Background(), request(fridaySlot, 2))
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != bookings.StatusConfirmed {
		t.Fatalf("status %s", b.Status)
	}
	if r := f.ledger.remaining(fridaySlot); r != 8 {
		t.Fatalf("remaining = %d; a stored booking lost its seats", r)
	}
}

func TestCommitReportedFailedAfterCallerCancelReturnsBooking(t *testing.T) {
	f := newFixture(t, 10)
	f.store.failCreate = errDBDown
	f.store.storeAnyway = true

	ctx, cancel := context.WithCancel(context.Background())
	f.svc.Ledger = cancelAfterReserve{memLedger: f.ledger, cancel: cancel}
	b, err := f.svc.CreateBooking(ctx, request(fridaySlot, 2))
	if err != nil {
		t.Fatalf("stored booking reported as failed: %v", err)
	}
	if b.ID == "" || b.Status != bookings.StatusConfirmed || len(b.Stops) != 3 {
		t.Fatalf("booking = %+v", b)
	}
	if r := f.ledger.remaining(fridaySlot); r != 8 {
		t.Fatalf("remaining = %d", r)
	}
}

func TestReserveWithUnknownOutcomeIsReconciled(t *testing.T) {
	t.Run("reservation was applied", func(t *testing.T) {
		f := newFixture(t, 10)
		f.ledger.failReserve = context.DeadlineExceeded
		f.ledger.applied = true

		_, err := f.svc.CreateBooking(context.Background(), request(fridaySlot, 4))
		if !errors.Is(err, internaltypes.ErrStorageFault) {
			t.Fatalf("err = %v", err)
		}
		if r := f.ledger.remaining(fridaySlot); r != 10 {
			t.Fatalf("remaining = %d", r)
		}
	})
	t.Run("reservation was not applied", func(t *testing.T) {
		f := newFixture(t, 10)
		f.ledger.failReserve = context.DeadlineExceeded

		_, err := f.svc.CreateBooking(context.Background(), request(fridaySlot, 4))
		if !errors.Is(err, internaltypes.ErrStorageFault) {
			t.Fatalf("err = %v", err)
		}
		if r := f.ledger.remaining(fridaySlot); r != 10 {
			t.Fatalf("remaining = %d", r)
		}
	})
}

func TestDispatchFailureKeepsBooking(t *testing.T) {
	f := newFixture(t, 10)
	f.disp.fail = errors.New("broker unreachable")

	b, err := f.svc.CreateBooking(context.Background(), request(fridaySlot, 2))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Get(context.Background(), b.ID); err != nil {
		t.Fatalf("booking rolled back: %v", err)
	}
	if r := f.ledger.remaining(fridaySlot); r != 8 {
		t.Fatalf("remaining = %d", r)
	}
}

func TestReferenceCollisionRetries(t *testing.T) {
	f := newFixture(t, 10)
	f.store.dupRefs = 2
	if _, err := f.svc.CreateBooking(context.Background(), request(fridaySlot, 1)); err != nil {
		t.Fatal(err)
	}

	f.store.dupRefs = referenceAttempts
	_, err := f.svc.CreateBooking(context.Background(), request(fridaySlot, 1))
	if !errors.Is(err, internaltypes.ErrStorageFault) {
		t.Fatalf("err = %v", err)
	}
	if r := f.ledger.remaining(fridaySlot); r != 9 {
		t.Fatalf("remaining = %d", r)
	}
}

func TestValidationRejectsBeforeCapacity(t *testing.T) {
	both := request(fridaySlot, 2)
	both.Customer.UserID = "u-1"
	wrongAmount := request(fridaySlot, 2)
	wrongAmount.Payment.AmountCents = 100
	wrongRoute := request(otherSlot, 2)
	badID := request("not-a-uuid", 2)
	unknownSlot := request("6f1c1c5e-5a44-4a51-9a0e-2a8c7c1f9999", 2)

	cases := map[string]Request{
		"zero party":      request(fridaySlot, 0),
		"party too large": request(fridaySlot, 9),
		"two customers":   both,
		"amount mismatch": wrongAmount,
		"slot of other":   wrongRoute,
		"bad slot id":     badID,
		"unknown slot":    unknownSlot,
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 10)
			_, err := f.svc.CreateBooking(context.Background(), req)
			if !errors.Is(err, internaltypes.ErrValidation) {
				t.Fatalf("err = %v", err)
			}
			if f.ledger.reserves != 0 {
				t.Fatal("capacity touched")
			}
		})
	}
}

func TestCreateThenCancelRestoresCapacity(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	b, err := f.svc.CreateBooking(ctx, request(fridaySlot, 3))
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.CancelBooking(ctx, b.ID, "customer request", "staff:alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != bookings.StatusCancelled || got.CancelledAt == nil {
		t.Fatalf("booking = %+v", got)
	}
	for _, s := range got.Stops {
		if s.Status != bookings.StatusCancelled {
			t.Fatalf("stop %d still %s", s.StopNumber, s.Status)
		}
	}
	if r := f.ledger.remaining(fridaySlot); r != 10 {
		t.Fatalf("remaining = %d", r)
	}
	events, _ := f.svc.Events(ctx, b.ID)
	if last := events[len(events)-1]; last.Type != bookings.EventCancelled {
		t.Fatalf("events = %+v", events)
	}

	// twice is the same as once
	again, err := f.svc.CancelBooking(ctx, b.ID, "customer request", "staff:alice")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != bookings.StatusCancelled || f.ledger.remaining(fridaySlot) != 10 {
		t.Fatalf("second cancel changed state: %s remaining=%d", again.Status, f.ledger.remaining(fridaySlot))
	}
	events2, _ := f.svc.Events(ctx, b.ID)
	if len(events2) != len(events) {
		t.Fatalf("second cancel logged again: %d -> %d events", len(events), len(events2))
	}
}

func TestCancelRetriesFailedRelease(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	b, err := f.svc.CreateBooking(ctx, request(fridaySlot, 3))
	if err != nil {
		t.Fatal(err)
	}

	f.ledger.failRelease = errDBDown
	if _, err := f.svc.CancelBooking(ctx, b.ID, "", "staff"); !errors.Is(err, internaltypes.ErrStorageFault) {
		t.Fatalf("err = %v", err)
	}
	if r := f.ledger.remaining(fridaySlot); r != 7 {
		t.Fatalf("remaining = %d", r)
	}

	f.ledger.failRelease = nil
	if _, err := f.svc.CancelBooking(ctx, b.ID, "", "staff"); err != nil {
		t.Fatal(err)
	}
	if r := f.ledger.remaining(fridaySlot); r != 10 {
		t.Fatalf("remaining after retry = %d", r)
	}
}

func TestLifecycleThroughService(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	b, err := f.svc.CreateBooking(ctx, request(fridaySlot, 2))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Transition(ctx, b.ID, bookings.StatusOngoing, "staff", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.TransitionStop(ctx, b.ID, 1, bookings.StatusOngoing, "staff"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Transition(ctx, b.ID, bookings.StatusCompleted, "staff", ""); err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.CancelBooking(ctx, b.ID, "too late", "staff")
	if !errors.Is(err, internaltypes.ErrInvalidTransition) {
		t.Fatalf("cancel completed: %v", err)
	}
	if r := f.ledger.remaining(fridaySlot); r != 8 {
		t.Fatalf("completed booking released capacity: %d", r)
	}
	if _, err := f.svc.Transition(ctx, b.ID, bookings.StatusConfirmed, "staff", ""); !errors.Is(err, internaltypes.ErrInvalidTransition) {
		t.Fatalf("backwards transition: %v", err)
	}
}

func TestStopCheckInStartsTour(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	b, err := f.svc.CreateBooking(ctx, request(fridaySlot, 2))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.TransitionStop(ctx, b.ID, 1, bookings.StatusOngoing, "staff"); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.Booking(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != bookings.StatusOngoing {
		t.Fatalf("booking status = %s", got.Status)
	}
	evs, _ := f.svc.Events(ctx, b.ID)
	var checkIns int
	for _, e := range evs {
		if e.Type == bookings.EventCheckedIn {
			checkIns++
		}
	}
	if checkIns != 1 {
		t.Fatalf("events = %+v", evs)
	}

	if _, err := f.svc.TransitionStop(ctx, b.ID, 1, bookings.StatusCompleted, "staff"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Transition(ctx, b.ID, bookings.StatusCompleted, "staff", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.TransitionStop(ctx, b.ID, 2, bookings.StatusOngoing, "staff"); !errors.Is(err, internaltypes.ErrInvalidTransition) {
		t.Fatalf("stop moved on a completed booking: %v", err)
	}
}

func TestPreviewReportsEveryStop(t *testing.T) {
	f := newFixture(t, 10)
	p, err := f.svc.Preview(context.Background(), routeID, mondaySlot)
	if err != nil {
		t.Fatal(err)
	}
	if p.Feasibility.Feasible() || len(p.Feasibility.Verdicts) != 3 {
		t.Fatalf("verdicts = %+v", p.Feasibility.Verdicts)
	}
	if p.Feasibility.Verdicts[2].Reason != itinerary.ReasonHoursMissing || !p.Feasibility.Verdicts[2].Available {
		t.Fatalf("stop without hours = %+v", p.Feasibility.Verdicts[2])
	}
	if f.ledger.reserves != 0 {
		t.Fatal("preview reserved capacity")
	}
}
