package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for notifications, push endpoints and
// failed deliveries
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `id, user_id, type, title, message, data, is_read, created_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var notif Notification
	err := row.Scan(
		&notif.ID,
		&notif.UserID,
		&notif.Type,
		&notif.Title,
		&notif.Message,
		&notif.Data,
		&notif.IsRead,
		&notif.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &notif, nil
}

// CreateNotification inserts a new notification record. The record is always
// written unread.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (id, user_id, type, title, message, data, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING created_at
	`

	// jsonb rejects an empty byte slice, store SQL NULL instead
	var data any
	if len(notif.Data) > 0 {
		data = notif.Data
	}

	err := r.db.Pool().QueryRow(ctx, query,
		notif.ID,
		notif.UserID,
		notif.Type,
		notif.Title,
		notif.Message,
		data,
	).Scan(&notif.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	notif.IsRead = false

	r.logger.Debug("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID),
		zap.String("type", notif.Type),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return notif, nil
}

// ListNotificationsByUser retrieves a user's notifications, newest first.
func (r *Repository) ListNotificationsByUser(
	ctx context.Context,
	userID string,
	unreadOnly bool,
	limit int,
	offset int,
) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1 AND ($2 = FALSE OR is_read = FALSE)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := []*Notification{}
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// CountUnread returns how many unread notifications a user has.
func (r *Repository) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// MarkNotificationRead flags a single notification as read
func (r *Repository) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}

	return nil
}

// MarkAllRead flags every unread notification of a user as read and returns how
// many changed.
func (r *Repository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND is_read = FALSE`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}

	return result.RowsAffected(), nil
}

// ListEndpointsByUser returns every push endpoint of a user, active or not.
func (r *Repository) ListEndpointsByUser(ctx context.Context, userID string) ([]*PushEndpoint, error) {
	query := `
		SELECT id, user_id, token, platform, is_active, created_at, updated_at
		FROM push_endpoints
		WHERE user_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query push endpoints: %w", err)
	}
	defer rows.Close()

	endpoints := []*PushEndpoint{}
	for rows.Next() {
		var ep PushEndpoint
		if err := rows.Scan(
			&ep.ID,
			&ep.UserID,
			&ep.Token,
			&ep.Platform,
			&ep.IsActive,
			&ep.CreatedAt,
			&ep.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan push endpoint: %w", err)
		}
		endpoints = append(endpoints, &ep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return endpoints, nil
}

// RegisterEndpoint stores a push token for a user. Tokens are unique: registering
// a known token moves it to the given user and reactivates it.
func (r *Repository) RegisterEndpoint(ctx context.Context, ep *PushEndpoint) error {
	query := `
		INSERT INTO push_endpoints (id, user_id, token, platform, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (token) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    platform = EXCLUDED.platform,
		    is_active = TRUE,
		    updated_at = NOW()
		RETURNING id, is_active, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query, ep.ID, ep.UserID, ep.Token, ep.Platform).
		Scan(&ep.ID, &ep.IsActive, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to register push endpoint",
			zap.Error(err),
			zap.String("user_id", ep.UserID),
		)
		return fmt.Errorf("upsert push endpoint: %w", err)
	}

	r.logger.Info("push endpoint registered",
		zap.String("endpoint_id", ep.ID.String()),
		zap.String("user_id", ep.UserID),
		zap.String("platform", ep.Platform),
	)

	return nil
}

// DeactivateEndpoint marks a user's token inactive. The row is kept so a later
// registration can reactivate it.
func (r *Repository) DeactivateEndpoint(ctx context.Context, userID, token string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE push_endpoints SET is_active = FALSE, updated_at = NOW() WHERE user_id = $1 AND token = $2`,
		userID, token,
	)
	if err != nil {
		return fmt.Errorf("deactivate push endpoint: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("push endpoint: %w", ErrNotFound)
	}

	return nil
}

const deliveryFailureColumns = `
	id, notification_id, user_id, attempt, last_error, status,
	next_retry_at, tokens, created_at, updated_at
`

// ProcessingLease is how long a claimed failure may stay in processing before
// another claim treats its worker as gone and takes it over.
const ProcessingLease = 5 * time.Minute

func scanDeliveryFailure(row pgx.Row) (*DeliveryFailure, error) {
	var df DeliveryFailure
	err := row.Scan(
		&df.ID,
		&df.NotificationID,
		&df.UserID,
		&df.Attempt,
		&df.LastError,
		&df.Status,
		&df.NextRetryAt,
		&df.Tokens,
		&df.CreatedAt,
		&df.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &df, nil
}

// CreateDeliveryFailure queues a failed delivery for the retry worker
func (r *Repository) CreateDeliveryFailure(ctx context.Context, df *DeliveryFailure) error {
	query := `
		INSERT INTO push_delivery_failures (
			id, notification_id, user_id, attempt, last_error, status, next_retry_at, tokens
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		df.ID,
		df.NotificationID,
		df.UserID,
		df.Attempt,
		df.LastError,
		df.Status,
		df.NextRetryAt,
		nonNilTokens(df.Tokens),
	).Scan(&df.CreatedAt, &df.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert delivery failure: %w", err)
	}

	r.logger.Info("delivery failure queued for retry",
		zap.String("notification_id", df.NotificationID.String()),
		zap.String("last_error", df.LastError),
		zap.Int("tokens", len(df.Tokens)),
	)

	return nil
}

// nonNilTokens keeps the NOT NULL tokens column satisfied; pgx encodes a nil
// slice as NULL.
func nonNilTokens(tokens []string) []string {
	if tokens == nil {
		return []string{}
	}
	return tokens
}

// GetDueDeliveryFailures returns pending failures whose retry time has come and
// claims them by flipping them to processing, so concurrent workers never pick
// the same row. Rows left in processing longer than ProcessingLease belong to a
// worker that died mid-retry and are claimed again.
func (r *Repository) GetDueDeliveryFailures(ctx context.Context, limit int) ([]*DeliveryFailure, error) {
	query := `
		UPDATE push_delivery_failures
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM push_delivery_failures
			WHERE (status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= NOW()))
			   OR (status = 'processing' AND updated_at < NOW() - make_interval(secs => $2))
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + deliveryFailureColumns

	rows, err := r.db.Pool().Query(ctx, query, limit, ProcessingLease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim due delivery failures: %w", err)
	}
	defer rows.Close()

	failures := []*DeliveryFailure{}
	for rows.Next() {
		df, err := scanDeliveryFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery failure: %w", err)
		}
		failures = append(failures, df)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return failures, nil
}

// UpdateDeliveryFailure records the outcome of a retry attempt. tokens replaces
// the stored token list; empty means every active endpoint.
func (r *Repository) UpdateDeliveryFailure(
	ctx context.Context,
	id uuid.UUID,
	status string,
	attempt int,
	lastError string,
	nextRetryAt *time.Time,
	tokens []string,
) error {
	query := `
		UPDATE push_delivery_failures
		SET status = $1, attempt = $2, last_error = $3, next_retry_at = $4, tokens = $5, updated_at = NOW()
		WHERE id = $6
	`

	result, err := r.db.Pool().Exec(ctx, query, status, attempt, lastError, nextRetryAt, nonNilTokens(tokens), id)
	if err != nil {
		r.logger.Error("failed to update delivery failure",
			zap.Error(err),
			zap.String("delivery_failure_id", id.String()),
		)
		return fmt.Errorf("update delivery failure: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery failure %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListDeliveryFailures lists failures, optionally filtered by status
func (r *Repository) ListDeliveryFailures(ctx context.Context, status string, limit, offset int) ([]*DeliveryFailure, error) {
	query := `
		SELECT ` + deliveryFailureColumns + `
		FROM push_delivery_failures
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query delivery failures: %w", err)
	}
	defer rows.Close()

	failures := []*DeliveryFailure{}
	for rows.Next() {
		df, err := scanDeliveryFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery failure: %w", err)
		}
		failures = append(failures, df)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return failures, nil
}

// GetDeliveryFailure retrieves a single failure by ID
func (r *Repository) GetDeliveryFailure(ctx context.Context, id uuid.UUID) (*DeliveryFailure, error) {
	query := `SELECT ` + deliveryFailureColumns + ` FROM push_delivery_failures WHERE id = $1`

	df, err := scanDeliveryFailure(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery failure %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery failure: %w", err)
	}

	return df, nil
}

// staleOrIdle matches rows an operator may act on: pending, dead, or stuck in
// processing past the lease.
const staleOrIdle = `(status IN ('pending', 'dead')
		OR (status = 'processing' AND updated_at < NOW() - make_interval(secs => $2)))`

// RequeueDeliveryFailure puts a dead, pending or stuck failure back in the
// queue for an immediate retry with a fresh attempt budget.
func (r *Repository) RequeueDeliveryFailure(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE push_delivery_failures
		SET status = 'pending', attempt = 0, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND ` + staleOrIdle

	result, err := r.db.Pool().Exec(ctx, query, id, ProcessingLease.Seconds())
	if err != nil {
		return fmt.Errorf("requeue delivery failure: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery failure %s not found or already processed: %w", id, ErrNotFound)
	}

	r.logger.Info("delivery failure requeued", zap.String("delivery_failure_id", id.String()))

	return nil
}

// DiscardDeliveryFailure marks a failure as discarded (won't be retried)
func (r *Repository) DiscardDeliveryFailure(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE push_delivery_failures
		SET status = 'discarded', next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND ` + staleOrIdle

	result, err := r.db.Pool().Exec(ctx, query, id, ProcessingLease.Seconds())
	if err != nil {
		return fmt.Errorf("discard delivery failure: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery failure %s not found or already processed: %w", id, ErrNotFound)
	}

	r.logger.Info("delivery failure discarded", zap.String("delivery_failure_id", id.String()))

	return nil
}
