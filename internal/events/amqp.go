package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ExchangeName is the topic exchange events are published to.
const ExchangeName = "events"

// amqpChannel is the subset of *amqp.Channel used here.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a durable RabbitMQ topic exchange using
// the event name as routing key.
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel amqpChannel
	logger  *zap.Logger
}

// NewAMQPPublisher dials url, opens a channel and declares the exchange.
func NewAMQPPublisher(url string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logger.Info("amqp event publisher initialized",
		zap.String("exchange", ExchangeName),
	)

	return &AMQPPublisher{conn: conn, channel: ch, logger: logger}, nil
}

// Publish sends evt as a persistent JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, evt Dispatched) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		ExchangeName,
		NotificationDispatched,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    evt.NotificationID,
			Timestamp:    evt.OccurredAt,
			Type:         NotificationDispatched,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to RabbitMQ: %w", err)
	}
	return nil
}

// IsConnected reports whether the underlying connection is still open.
func (p *AMQPPublisher) IsConnected() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
