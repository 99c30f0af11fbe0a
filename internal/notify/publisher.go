package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrNacked        = errors.New("publish nacked by broker")
	errConfirmClosed = errors.New("rabbitmq channel closed before confirm")
)

// Publisher sends to a durable topic exchange and waits for the broker's
// publisher confirm before returning.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string

	mu sync.Mutex // serializes sequence numbers with publishes

	pmu     sync.Mutex
	pending map[uint64]chan bool // delivery tag -> waiting publish
	closed  bool
}

func DialPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	p := newPublisher(exchange)
	p.conn, p.ch = conn, ch
	go p.confirms(ch.NotifyPublish(make(chan amqp.Confirmation, 16)))
	return p, nil
}

func newPublisher(exchange string) *Publisher {
	return &Publisher{exchange: exchange, pending: make(map[uint64]chan bool)}
}

func (p *Publisher) Publish(ctx context.Context, key string, body []byte) error {
	p.mu.Lock()
	seq := p.ch.GetNextPublishSeqNo()
	done, err := p.track(seq)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now(),
		Body:         body,
	})
	p.mu.Unlock()
	if err != nil {
		p.forget(seq)
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return p.wait(ctx, seq, done)
}

func (p *Publisher) track(seq uint64) (<-chan bool, error) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	if p.closed {
		return nil, errConfirmClosed
	}
	done := make(chan bool, 1)
	p.pending[seq] = done
	return done, nil
}

func (p *Publisher) forget(seq uint64) {
	p.pmu.Lock()
	delete(p.pending, seq)
	p.pmu.Unlock()
}

func (p *Publisher) wait(ctx context.Context, seq uint64, done <-chan bool) error {
	select {
	case ack, ok := <-done:
		if !ok {
			return errConfirmClosed
		}
		if !ack {
			return ErrNacked
		}
		return nil
	case <-ctx.Done():
		// the confirm still arrives and is dropped by confirms
		p.forget(seq)
		return ctx.Err()
	}
}

// confirms hands each broker confirm to the publish waiting on its tag and
// drops the rest, so the connection never blocks on an abandoned publish.
// Waiters still pending when the channel closes are released with an error.
func (p *Publisher) confirms(acks <-chan amqp.Confirmation) {
	for c := range acks {
		p.pmu.Lock()
		done, ok := p.pending[c.DeliveryTag]
		delete(p.pending, c.DeliveryTag)
		p.pmu.Unlock()
		if ok {
			done <- c.Ack
		}
	}
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.closed = true
	for tag, done := range p.pending {
		close(done)
		delete(p.pending, tag)
	}
}

func (p *Publisher) Ping() error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
