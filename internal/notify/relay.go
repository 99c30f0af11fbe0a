package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/tourbook/internal/bookings"
)

type Broker interface {
	Publish(ctx context.Context, key string, body []byte) error
}

type EventRecorder interface {
	AppendEvent(ctx context.Context, bookingID, typ, actor string, meta map[string]any) error
}

type sentMarker interface {
	MarkSent(ctx context.Context, id int64) error
}

// Sender publishes one outbox row and, once the broker confirms it, marks
// the row sent and logs confirmation_sent on the booking.
type Sender struct {
	Broker  Broker
	Outbox  sentMarker
	Events  EventRecorder
	Timeout time.Duration
	Log     *logrus.Entry
}

func (s *Sender) Dispatch(ctx context.Context, bookingID string, n bookings.Notification) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	if err := s.Broker.Publish(ctx, n.RoutingKey, n.Body); err != nil {
		return err
	}

	log := s.Log.WithFields(logrus.Fields{"booking_id": bookingID, "outbox_id": n.ID, "routing_key": n.RoutingKey})
	if n.ID != 0 {
		if err := s.Outbox.MarkSent(ctx, n.ID); err != nil {
			// the relay will publish it again; consumers see a duplicate
			log.WithError(err).WithField("action", "outbox_mark_failed").Warn("published but not marked sent")
		}
	}
	if n.RoutingKey == RoutingKeyConfirmed {
		meta := map[string]any{"routing_key": n.RoutingKey, "outbox_id": n.ID}
		if err := s.Events.AppendEvent(ctx, bookingID, bookings.EventConfirmationSent, "system", meta); err != nil {
			log.WithError(err).WithField("action", "event_append_failed").Warn("confirmation sent but not logged")
		}
	}
	log.WithField("action", "notification_published").Info("notification published")
	return nil
}

type outboxQueue interface {
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Message, error)
	MarkFailed(ctx context.Context, id int64, attempts int, base time.Duration, cause error) error
}

type orphanSweeper interface {
	ReleaseOrphans(ctx context.Context, olderThan time.Duration) (int, error)
}

// Relay drains the outbox on a fixed interval and sweeps orphaned capacity
// holds on the same tick.
type Relay struct {
	Outbox    outboxQueue
	Sender    *Sender
	Sweeper   orphanSweeper
	Interval  time.Duration
	Batch     int
	OrphanAge time.Duration
	Log       *logrus.Entry
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.Interval)
	defer t.Stop()

	r.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one relay pass. Errors are logged, never returned; the next tick
// retries.
func (r *Relay) Tick(ctx context.Context) {
	r.relay(ctx)
	if r.Sweeper != nil {
		r.sweep(ctx)
	}
}

func (r *Relay) relay(ctx context.Context) {
	batch := r.Batch
	if batch <= 0 {
		batch = 25
	}
	msgs, err := r.Outbox.Claim(ctx, batch, maxBackoff)
	if err != nil {
		r.Log.WithError(err).WithField("action", "outbox_claim_failed").Error("claim outbox")
		return
	}
	for _, m := range msgs {
		n := bookings.Notification{ID: m.ID, RoutingKey: m.RoutingKey, Body: m.Body}
		if err := r.Sender.Dispatch(ctx, m.BookingID, n); err != nil {
			wait := Backoff(m.Attempts, r.Interval)
			r.Log.WithError(err).WithFields(logrus.Fields{
				"action":     "outbox_publish_failed",
				"outbox_id":  m.ID,
				"booking_id": m.BookingID,
				"attempts":   m.Attempts,
				"retry_in":   wait.String(),
			}).Warn("publish failed")
			if err := r.Outbox.MarkFailed(ctx, m.ID, m.Attempts, r.Interval, err); err != nil {
				r.Log.WithError(err).WithField("outbox_id", m.ID).Error("record publish failure")
			}
		}
	}
}

func (r *Relay) sweep(ctx context.Context) {
	n, err := r.Sweeper.ReleaseOrphans(ctx, r.OrphanAge)
	if err != nil {
		r.Log.WithError(err).WithField("action", "orphan_sweep_failed").Error("release orphan holds")
	}
	if n > 0 {
		r.Log.WithFields(logrus.Fields{"action": "orphan_holds_released", "count": n}).Warn("released orphaned capacity holds")
	}
}
