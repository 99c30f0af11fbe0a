package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/example/tourbook/internal/db"
)

const maxBackoff = 10 * time.Minute

// Message is a claimed outbox row.
type Message struct {
	ID         int64
	BookingID  string
	RoutingKey string
	Body       []byte
	Attempts   int
}

// Outbox is the read side of notification_outbox. Rows are written by the
// booking transaction.
type Outbox struct {
	DB db.Querier
}

func NewOutbox(d db.Querier) *Outbox {
	return &Outbox{DB: d}
}

// Claim leases up to limit due rows for lease and counts the attempt. A
// relay that dies mid-batch leaves its rows to be claimed again after the
// lease runs out.
func (o *Outbox) Claim(ctx context.Context, limit int, lease time.Duration) ([]Message, error) {
	rows, err := o.DB.Query(ctx, `
		UPDATE notification_outbox
		SET attempts = attempts + 1,
		    next_attempt_at = now() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE sent_at IS NULL AND next_attempt_at <= now()
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, booking_id::text, routing_key, body::text, attempts`, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var body string
		if err := rows.Scan(&m.ID, &m.BookingID, &m.RoutingKey, &body, &m.Attempts); err != nil {
			return nil, err
		}
		m.Body = []byte(body)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (o *Outbox) MarkSent(ctx context.Context, id int64) error {
	return o.DB.Exec(ctx, `UPDATE notification_outbox SET sent_at = now(), last_error = NULL WHERE id=$1 AND sent_at IS NULL`, id)
}

// MarkFailed records the error and pushes the next attempt out by
// Backoff(attempts, base).
func (o *Outbox) MarkFailed(ctx context.Context, id int64, attempts int, base time.Duration, cause error) error {
	wait := Backoff(attempts, base)
	return o.DB.Exec(ctx, `
		UPDATE notification_outbox
		SET last_error = $2, next_attempt_at = now() + make_interval(secs => $3)
		WHERE id=$1`, id, cause.Error(), wait.Seconds())
}

// Pending counts unsent rows.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	var n int
	err := o.DB.QueryRow(ctx, `SELECT count(*) FROM notification_outbox WHERE sent_at IS NULL`).Scan(&n)
	return n, err
}

// Backoff doubles base per failed attempt, capped at ten minutes.
func Backoff(attempts int, base time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
