package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/eventhub/internal/db"
	"github.com/lalithlochan/eventhub/internal/dispatch"
	"github.com/lalithlochan/eventhub/internal/metrics"
)

// Repository is the storage the retry worker needs.
type Repository interface {
	GetDueDeliveryFailures(ctx context.Context, limit int) ([]*db.DeliveryFailure, error)
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	UpdateDeliveryFailure(ctx context.Context, id uuid.UUID, status string, attempt int, lastError string, nextRetryAt *time.Time, tokens []string) error
}

// Redeliverer pushes an existing notification again, optionally to a subset of
// the user's tokens.
type Redeliverer interface {
	Redeliver(ctx context.Context, notif *db.Notification, tokens []string) (*dispatch.Result, error)
}

// writeTimeout bounds the bookkeeping write that ends a retry. It runs on a
// context detached from shutdown so a claimed row never stays in processing.
const writeTimeout = 5 * time.Second

// Worker retries failed push deliveries with backoff until they succeed or run
// out of attempts, at which point they are marked dead.
type Worker struct {
	repo       Repository
	dispatcher Redeliverer
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

func New(repo Repository, dispatcher Redeliverer, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}

	return &Worker{
		repo:       repo,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Start polls until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("retry worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("max_retries", w.config.MaxRetries),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retry worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	failures, err := w.repo.GetDueDeliveryFailures(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to claim due deliveries", zap.Error(err))
		return
	}
	if len(failures) == 0 {
		return
	}

	w.logger.Debug("retrying failed deliveries", zap.Int("count", len(failures)))

	for i, df := range failures {
		if ctx.Err() != nil {
			w.release(ctx, failures[i:])
			return
		}
		w.processFailure(ctx, df)
	}
}

// release hands claimed rows back to the queue untouched, for when the worker
// is stopping before it got to them.
func (w *Worker) release(ctx context.Context, failures []*db.DeliveryFailure) {
	now := w.now()
	for _, df := range failures {
		w.update(ctx, df, db.DeliveryStatusPending, df.Attempt, df.LastError, &now, df.Tokens)
	}
	w.logger.Info("released claimed deliveries on shutdown", zap.Int("count", len(failures)))
}

func (w *Worker) processFailure(ctx context.Context, df *db.DeliveryFailure) {
	newAttempt := df.Attempt + 1

	notif, err := w.repo.GetNotification(ctx, df.NotificationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			w.markDead(ctx, df, newAttempt, "notification no longer exists", df.Tokens)
			return
		}
		// Storage trouble: put the row back without spending an attempt.
		w.logger.Error("failed to load notification for retry",
			zap.String("notification_id", df.NotificationID.String()),
			zap.Error(err),
		)
		next := w.now().Add(dispatch.RetryDelay(newAttempt))
		w.update(ctx, df, db.DeliveryStatusPending, df.Attempt, df.LastError, &next, df.Tokens)
		return
	}

	result, err := w.dispatcher.Redeliver(ctx, notif, df.Tokens)
	if err != nil {
		remaining := df.Tokens
		if result != nil && result.Sent > 0 {
			remaining = result.Pending
		}

		// Interrupted by shutdown: the gateway never got a fair try.
		if ctx.Err() != nil {
			now := w.now()
			w.update(ctx, df, db.DeliveryStatusPending, df.Attempt, df.LastError, &now, remaining)
			w.logger.Info("delivery retry interrupted, released",
				zap.String("delivery_failure_id", df.ID.String()),
			)
			return
		}

		w.logger.Warn("delivery retry failed",
			zap.String("notification_id", notif.ID.String()),
			zap.Int("attempt", newAttempt),
			zap.Error(err),
		)

		if newAttempt >= w.config.MaxRetries {
			w.markDead(ctx, df, newAttempt, err.Error(), remaining)
			return
		}

		next := w.now().Add(dispatch.RetryDelay(newAttempt + 1))
		w.update(ctx, df, db.DeliveryStatusPending, newAttempt, err.Error(), &next, remaining)
		metrics.RecordDeliveryRetry("rescheduled")
		return
	}

	w.logger.Info("delivery retry succeeded",
		zap.String("notification_id", notif.ID.String()),
		zap.Int("attempt", newAttempt),
		zap.Int("sent", result.Sent),
	)
	w.update(ctx, df, db.DeliveryStatusDelivered, newAttempt, "", nil, nil)
	metrics.RecordDeliveryRetry("delivered")
}

func (w *Worker) markDead(ctx context.Context, df *db.DeliveryFailure, attempt int, lastError string, tokens []string) {
	w.update(ctx, df, db.DeliveryStatusDead, attempt, lastError, nil, tokens)
	metrics.RecordDeliveryRetry("dead")
	w.logger.Warn("delivery moved to dead",
		zap.String("delivery_failure_id", df.ID.String()),
		zap.String("notification_id", df.NotificationID.String()),
		zap.Int("attempts", attempt),
	)
}

func (w *Worker) update(ctx context.Context, df *db.DeliveryFailure, status string, attempt int, lastError string, next *time.Time, tokens []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := w.repo.UpdateDeliveryFailure(ctx, df.ID, status, attempt, lastError, next, tokens); err != nil {
		w.logger.Error("failed to update delivery failure",
			zap.String("delivery_failure_id", df.ID.String()),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}
