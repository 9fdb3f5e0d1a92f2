// Package rabbitmq publishes outbox events to a RabbitMQ topic exchange
// with publisher confirms.
package rabbitmq

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xenking/slotbook/internal/outbox"
)

var _ outbox.Publisher = (*Publisher)(nil)

// ErrNacked is returned when the broker refuses a message.
var ErrNacked = errors.New("broker nacked message")

// Publisher owns one connection and one confirm-mode channel. The channel
// is reopened lazily after the broker closes it.
type Publisher struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher dials the broker and declares the durable topic exchange.
func NewPublisher(ctx context.Context, url, exchange string) (*Publisher, error) {
	p := &Publisher{url: url, exchange: exchange}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect(ctx context.Context) error {
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return errors.Wrap(err, "dial broker")
		}
		p.conn = conn
		p.ch = nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return errors.Wrap(err, "enable confirms")
	}
	if err := ch.ExchangeDeclare(
		p.exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		return errors.Wrapf(err, "declare exchange %q", p.exchange)
	}
	p.ch = ch

	zctx.From(ctx).Info("Connected to broker", zap.String("exchange", p.exchange))
	return nil
}

// Publish sends the event with the topic as routing key and waits for the
// broker to confirm it.
func (p *Publisher) Publish(ctx context.Context, ev outbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		if err := p.connect(ctx); err != nil {
			return err
		}
	}

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		p.exchange,
		ev.Topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID,
			Timestamp:    ev.CreatedAt.UTC(),
			Type:         ev.Topic,
			Headers: amqp.Table{
				"environment_id": ev.EnvironmentID,
				"tenant_id":      ev.TenantID,
				"aggregate_id":   ev.AggregateID,
			},
			Body: ev.Payload,
		},
	)
	if err != nil {
		return errors.Wrapf(err, "publish %s", ev.ID)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "wait confirm of %s", ev.ID)
	}
	if !acked {
		return errors.Wrapf(ErrNacked, "event %s", ev.ID)
	}
	return nil
}

// Healthy reports whether the connection is open.
func (p *Publisher) Healthy(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("broker connection closed")
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
