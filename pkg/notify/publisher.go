// Package notify emits assignment events to the notification collaborator
// over RabbitMQ. Emission is fire-and-forget: delivery and retry semantics
// belong entirely to the consumer side, and a publish failure never unwinds a
// distribution decision.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"distributor/pkg/logx"
	"distributor/pkg/proto"
)

// Publisher delivers distribution events.
type Publisher interface {
	Publish(ctx context.Context, event *proto.Event) error
	Close() error
}

// AMQPPublisher publishes events to a topic exchange with routing key
// "distribution.<tenant_id>.<event_type>".
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *logx.Logger
}

// NewAMQP connects to RabbitMQ and declares the topic exchange.
func NewAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logx.NewLogger("notify"),
	}, nil
}

// Publish sends one event as a persistent JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, event *proto.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("refusing to publish invalid event: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	body, err := event.ToJSON()
	if err != nil {
		return err
	}

	key := fmt.Sprintf("distribution.%s.%s", event.TenantID, event.Type)
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    event.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}

	p.logger.Debug("Published %s (conversation %s)", key, event.ConversationID)
	return nil
}

// Close closes the underlying connection.
func (p *AMQPPublisher) Close() error {
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("failed to close amqp connection: %w", err)
	}
	return nil
}

// NopPublisher drops every event. Used in tests and when no broker is
// configured.
type NopPublisher struct{}

func (NopPublisher) Publish(_ context.Context, _ *proto.Event) error { return nil }
func (NopPublisher) Close() error                                    { return nil }
