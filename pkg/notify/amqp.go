package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tinyland-inc/guestbridge/pkg/logger"
)

// Publisher sends envelopes to a broker.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

// Nop drops everything. It is used when notifications are disabled.
type Nop struct{}

func (Nop) Publish(context.Context, string, Envelope) error { return nil }
func (Nop) Close() error                                    { return nil }

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes envelopes to a topic exchange, one short-lived
// channel per message.
type AMQPPublisher struct {
	exchange string
	prefix   string
	open     func() (amqpChannel, error)
	closer   func() error
}

// NewAMQPPublisher dials url and declares exchange as a durable topic exchange.
func NewAMQPPublisher(url, exchange, prefix string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	logger.InfoCF("notify", "Connected to AMQP broker", map[string]any{"exchange": exchange})
	return newAMQPPublisher(exchange, prefix, func() (amqpChannel, error) {
		return conn.Channel()
	}, conn.Close), nil
}

func newAMQPPublisher(exchange, prefix string, open func() (amqpChannel, error), closer func() error) *AMQPPublisher {
	return &AMQPPublisher{exchange: exchange, prefix: prefix, open: open, closer: closer}
}

// RoutingKey prefixes key with the configured routing prefix.
func (p *AMQPPublisher) RoutingKey(key string) string {
	if p.prefix == "" {
		return key
	}
	return strings.TrimSuffix(p.prefix, ".") + "." + key
}

func (p *AMQPPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	if msg.Meta.ID == "" {
		return fmt.Errorf("envelope meta id is required")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ch, err := p.open()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	cid := msg.Meta.CorrelationID
	if cid == "" {
		cid = msg.Meta.ID
	}

	routingKey := p.RoutingKey(key)
	err = ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.Meta.ID,
		CorrelationId: cid,
		Type:          msg.Meta.Type,
		Timestamp:     msg.Meta.Time,
		AppId:         producer,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	logger.DebugCF("notify", "Published", map[string]any{
		"exchange": p.exchange,
		"key":      routingKey,
		"id":       msg.Meta.ID,
	})
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
