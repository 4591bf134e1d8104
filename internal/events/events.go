// Package events publishes domain events about dispatched notifications to an
// external bus (AWS SNS or a RabbitMQ topic exchange).
package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// NotificationDispatched is the routing key / event name for Dispatched.
const NotificationDispatched = "notification.dispatched"

// Dispatched describes the outcome of one dispatch.
type Dispatched struct {
	NotificationID string    `json:"notification_id"`
	UserID         string    `json:"user_id"`
	Type           string    `json:"type"`
	Sent           int       `json:"sent"`
	Rejected       int       `json:"rejected"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher sends dispatch events to a bus.
type Publisher interface {
	Publish(ctx context.Context, evt Dispatched) error
	Close() error
}

// Nop discards every event. Used when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Dispatched) error { return nil }
func (Nop) Close() error                              { return nil }

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Dispatched) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logging wraps a Publisher so failures are logged instead of returned.
// Event delivery never affects the dispatch outcome.
type Logging struct {
	next   Publisher
	logger *zap.Logger
}

func NewLogging(next Publisher, logger *zap.Logger) *Logging {
	return &Logging{next: next, logger: logger}
}

func (l *Logging) Publish(ctx context.Context, evt Dispatched) error {
	if err := l.next.Publish(ctx, evt); err != nil {
		l.logger.Warn("failed to publish event",
			zap.String("event", NotificationDispatched),
			zap.String("notification_id", evt.NotificationID),
			zap.Error(err),
		)
	}
	return nil
}

func (l *Logging) Close() error {
	return l.next.Close()
}
