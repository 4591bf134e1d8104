package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/eventhub/internal/dispatch"
	"github.com/lalithlochan/eventhub/internal/metrics"
	"github.com/lalithlochan/eventhub/internal/redis"
	"github.com/lalithlochan/eventhub/internal/sqs"
)

// queueScope namespaces queue request ids among the idempotency keys.
const queueScope = "sqs"

// Dispatcher runs a dispatch request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Queue is the message source consumed by QueueConsumer.
type Queue interface {
	Receive(ctx context.Context) ([]sqs.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// Deduplicator remembers which request ids were already dispatched.
type Deduplicator interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// QueueConsumer runs dispatch requests received from SQS. Messages are deleted
// once dispatched or when they can never succeed; persistence failures leave
// the message on the queue for redelivery. With a Deduplicator, a message that
// comes back after its dispatch succeeded (a lost delete, an expired
// visibility timeout) is deleted without creating a second record.
type QueueConsumer struct {
	queue        Queue
	dispatcher   Dispatcher
	dedup        Deduplicator // nil if Redis not configured
	logger       *zap.Logger
	errorBackoff time.Duration
}

func NewQueueConsumer(queue Queue, dispatcher Dispatcher, logger *zap.Logger) *QueueConsumer {
	return &QueueConsumer{
		queue:        queue,
		dispatcher:   dispatcher,
		logger:       logger,
		errorBackoff: 5 * time.Second,
	}
}

// WithDeduplication enables request id tracking in Redis.
func (c *QueueConsumer) WithDeduplication(dedup Deduplicator) *QueueConsumer {
	c.dedup = dedup
	return c
}

// Start receives until ctx is cancelled.
func (c *QueueConsumer) Start(ctx context.Context) {
	c.logger.Info("queue consumer started")

	for {
		if ctx.Err() != nil {
			c.logger.Info("queue consumer stopping")
			return
		}

		deliveries, err := c.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to receive messages", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.errorBackoff):
			}
			continue
		}

		metrics.SetSQSMessagesInFlight(len(deliveries))
		for _, d := range deliveries {
			c.handle(ctx, d)
		}
		metrics.SetSQSMessagesInFlight(0)
	}
}

func (c *QueueConsumer) handle(ctx context.Context, d sqs.Delivery) {
	if d.Err != nil {
		metrics.RecordQueueMessage("invalid")
		c.delete(ctx, d)
		return
	}

	requestID := d.Message.RequestID
	reserved := false
	if c.dedup != nil && requestID != "" {
		cached, err := c.dedup.CheckOrReserve(ctx, queueScope, requestID)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			// Another consumer holds it; look again once it should be done.
			metrics.RecordQueueMessage("retried")
			c.postpone(ctx, d)
			return
		case err != nil:
			c.logger.Warn("dedup check failed, dispatching anyway",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
		case cached != nil:
			metrics.RecordQueueMessage("duplicate")
			c.logger.Info("queued dispatch already processed",
				zap.String("request_id", requestID),
				zap.String("notification_id", cached.NotificationID),
			)
			c.delete(ctx, d)
			return
		default:
			reserved = true
		}
	}

	result, err := c.dispatcher.Dispatch(ctx, d.Message.Request)
	switch {
	case err == nil:
		metrics.RecordQueueMessage("processed")
		c.logger.Info("queued dispatch processed",
			zap.String("request_id", requestID),
			zap.String("notification_id", result.Record.ID.String()),
			zap.Int("sent", result.Sent),
		)
		if reserved {
			done := &redis.IdempotencyResult{NotificationID: result.Record.ID.String()}
			if err := c.dedup.Store(ctx, queueScope, requestID, done, redis.IdempotencyTTLExact); err != nil {
				c.logger.Warn("failed to record processed request", zap.String("request_id", requestID), zap.Error(err))
			}
		}
		c.delete(ctx, d)

	case errors.Is(err, dispatch.ErrInvalidRequest):
		metrics.RecordQueueMessage("invalid")
		c.logger.Warn("dropping invalid queued dispatch",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		c.release(ctx, requestID, reserved)
		c.delete(ctx, d)

	default:
		metrics.RecordQueueMessage("retried")
		c.logger.Warn("queued dispatch failed, leaving for redelivery",
			zap.String("request_id", requestID),
			zap.Int("receive_count", d.ReceiveCount),
			zap.Error(err),
		)
		c.release(ctx, requestID, reserved)
		c.postpone(ctx, d)
	}
}

// postpone hides the message for the backoff matching its receive count.
func (c *QueueConsumer) postpone(ctx context.Context, d sqs.Delivery) {
	delay := dispatch.RetryDelay(d.ReceiveCount)
	if err := c.queue.ChangeVisibility(ctx, d.ReceiptHandle, int32(delay.Seconds())); err != nil {
		c.logger.Warn("failed to delay redelivery", zap.Error(err))
	}
}

func (c *QueueConsumer) release(ctx context.Context, requestID string, reserved bool) {
	if !reserved {
		return
	}
	if err := c.dedup.Release(ctx, queueScope, requestID); err != nil {
		c.logger.Warn("failed to release request id", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (c *QueueConsumer) delete(ctx context.Context, d sqs.Delivery) {
	if err := c.queue.Delete(ctx, d.ReceiptHandle); err != nil {
		c.logger.Error("failed to delete message",
			zap.String("message_id", d.MessageID),
			zap.Error(err),
		)
	}
}
