package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rl1809/storefront-orders/internal/core/domain"
)

const publishTimeout = 3 * time.Second

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher sends order events to the storefront topic exchange.
type AMQPPublisher struct {
	mu  sync.Mutex
	ch  channel
	now func() time.Time
}

func NewAMQPPublisher(conn *amqp.Connection) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	p, err := newPublisher(ch)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return p, nil
}

func newPublisher(ch channel) (*AMQPPublisher, error) {
	// Declare the exchange so publish never fails due to missing infra
	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare %s: %w", EventsExchange, err)
	}
	return &AMQPPublisher{ch: ch, now: time.Now}, nil
}

func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}

func (p *AMQPPublisher) PublishOrderPlaced(ctx context.Context, o domain.Order) error {
	env := BuildOrderPlaced(o, p.now())
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.EventName, err)
	}
	return p.publishJSON(ctx, OrderPlacedRoutingKey, env.EventID, body)
}

func (p *AMQPPublisher) PublishOrderDelivered(ctx context.Context, o domain.Order) error {
	env := BuildOrderDelivered(o, p.now())
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.EventName, err)
	}
	return p.publishJSON(ctx, OrderDeliveredRoutingKey, env.EventID, body)
}

func (p *AMQPPublisher) publishJSON(ctx context.Context, routingKey, messageID string, body []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.PublishWithContext(
		pubCtx,
		EventsExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    p.now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}
