package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Notifier delivers a confirmation to the customer. The email integration
// lives outside this repository; LogNotifier stands in for it.
type Notifier interface {
	Confirmed(ctx context.Context, ev ConfirmationEvent) error
}

type LogNotifier struct {
	Log *logrus.Entry
}

func (n LogNotifier) Confirmed(_ context.Context, ev ConfirmationEvent) error {
	to := ev.Customer.Email
	if to == "" {
		to = "user:" + ev.Customer.UserID
	}
	n.Log.WithFields(logrus.Fields{
		"action":     "confirmation_delivered",
		"reference":  ev.Reference,
		"to":         to,
		"route":      ev.RouteName,
		"starts_at":  ev.StartsAt,
		"party_size": ev.PartySize,
		"total":      fmt.Sprintf("%d.%02d %s", ev.TotalCents/100, ev.TotalCents%100, ev.Currency),
	}).Info("booking confirmation")
	return nil
}

var errPoison = errors.New("undecodable message")

// Consumer binds a durable queue to the booking exchange and hands
// confirmation messages to a Notifier.
type Consumer struct {
	Exchange string
	Queue    string
	Prefetch int
	Notifier Notifier
	Log      *logrus.Entry

	conn *amqp.Connection
	ch   *amqp.Channel
}

func (c *Consumer) Connect(url string) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	fail := func(step string, err error) error {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("%s: %w", step, err)
	}
	if err := ch.ExchangeDeclare(c.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	q, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil)
	if err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKeyAll, c.Exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}
	prefetch := c.Prefetch
	if prefetch <= 0 {
		prefetch = 8
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fail("set qos", err)
	}
	c.conn, c.ch = conn, ch
	return nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.ch.ConsumeWithContext(ctx, c.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			err := c.Handle(ctx, d.RoutingKey, d.Body)
			log := c.Log.WithField("routing_key", d.RoutingKey)
			switch {
			case err == nil:
				_ = d.Ack(false)
			case errors.Is(err, errPoison):
				log.WithError(err).WithField("action", "message_dropped").Error("dropping message")
				_ = d.Nack(false, false)
			default:
				log.WithError(err).WithField("action", "message_requeued").Warn("notify failed, requeue")
				_ = d.Nack(false, true)
			}
		}
	}
}

// Handle processes one message body. Unknown routing keys are accepted and
// ignored.
func (c *Consumer) Handle(ctx context.Context, key string, body []byte) error {
	switch key {
	case RoutingKeyConfirmed:
		var ev ConfirmationEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %v", errPoison, err)
		}
		if ev.Reference == "" {
			return fmt.Errorf("%w: missing reference", errPoison)
		}
		return c.Notifier.Confirmed(ctx, ev)
	default:
		c.Log.WithField("routing_key", key).Debug("skip unknown key")
		return nil
	}
}
