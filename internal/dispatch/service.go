// Package dispatch persists notifications and fans them out to a user's active
// push endpoints as a single gateway batch.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/eventhub/internal/circuitbreaker"
	"github.com/lalithlochan/eventhub/internal/db"
	"github.com/lalithlochan/eventhub/internal/events"
	"github.com/lalithlochan/eventhub/internal/i18n"
	"github.com/lalithlochan/eventhub/internal/metrics"
	"github.com/lalithlochan/eventhub/internal/push"
)

var (
	// ErrInvalidRequest means the request failed validation. Nothing was persisted.
	ErrInvalidRequest = errors.New("invalid dispatch request")

	// ErrPersistence means the notification record could not be written. No
	// delivery was attempted.
	ErrPersistence = errors.New("notification persistence failed")
)

// pushSound is the sound played on the device for every push message.
const pushSound = "default"

// Store is the persistence the service needs.
type Store interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	ListEndpointsByUser(ctx context.Context, userID string) ([]*db.PushEndpoint, error)
}

// FailureRecorder queues failed deliveries for the retry worker.
type FailureRecorder interface {
	CreateDeliveryFailure(ctx context.Context, df *db.DeliveryFailure) error
}

// Result is the outcome of one dispatch. Sent counts messages accepted by the
// gateway for submission, not confirmed device deliveries. When the gateway
// fails part way through a large batch, Sent is the accepted part and Pending
// lists the tokens that still need the notification.
type Result struct {
	Record   *db.Notification `json:"record"`
	Sent     int              `json:"sent"`
	Rejected int              `json:"rejected"`
	Error    string           `json:"error,omitempty"`
	Pending  []string         `json:"-"`
}

// Option configures optional collaborators.
type Option func(*Service)

// WithCatalog enables rendering of omitted titles and messages.
func WithCatalog(c *i18n.Catalog) Option {
	return func(s *Service) { s.catalog = c }
}

// WithPublisher sets the domain event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithFailureRecorder enables queueing of failed deliveries for retry.
func WithFailureRecorder(f FailureRecorder) Option {
	return func(s *Service) { s.failures = f }
}

// WithDefaultLocale sets the locale used when a request names none.
func WithDefaultLocale(locale string) Option {
	return func(s *Service) { s.defaultLocale = locale }
}

// Service is the notification dispatch service.
type Service struct {
	store         Store
	gateway       push.Gateway
	catalog       *i18n.Catalog
	publisher     events.Publisher
	failures      FailureRecorder
	defaultLocale string
	logger        *zap.Logger

	now   func() time.Time
	newID func() (uuid.UUID, error)
}

// New creates a dispatch service.
func New(store Store, gateway push.Gateway, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:         store,
		gateway:       gateway,
		publisher:     events.Nop{},
		defaultLocale: i18n.DefaultLocale,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewV7,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch validates req, persists exactly one notification record and then
// attempts delivery to every active endpoint of the user.
//
// A returned error is either ErrInvalidRequest (nothing persisted) or
// ErrPersistence (no record, no delivery). Delivery problems never produce an
// error: the persisted record is returned with Sent 0 and Error set.
func (s *Service) Dispatch(ctx context.Context, req Request) (*Result, error) {
	notif, err := s.build(req)
	if err != nil {
		metrics.RecordDispatch(req.Type, "invalid")
		return nil, err
	}

	if err := s.store.CreateNotification(ctx, notif); err != nil {
		metrics.RecordDispatch(notif.Type, "persistence_failed")
		s.logger.Error("failed to persist notification",
			zap.String("user_id", notif.UserID),
			zap.String("type", notif.Type),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	result := s.deliver(ctx, notif, nil)

	switch {
	case result.Error != "":
		metrics.RecordDispatch(notif.Type, "delivery_failed")
		s.queueRetry(ctx, notif, result)
	case result.Sent == 0:
		metrics.RecordDispatch(notif.Type, "no_endpoints")
	default:
		metrics.RecordDispatch(notif.Type, "delivered")
	}

	s.logger.Info("notification dispatched",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID),
		zap.String("type", notif.Type),
		zap.Int("sent", result.Sent),
		zap.Int("rejected", result.Rejected),
		zap.String("error", result.Error),
	)

	s.publish(ctx, result)

	return result, nil
}

// Redeliver pushes an already persisted notification again. A non-empty tokens
// list restricts the push to those endpoints, so devices that already got the
// notification are not pushed twice. It never creates a record or queues a new
// failure; the caller owns the retry bookkeeping. A non-nil error is the
// delivery failure, and the result still reports any partial progress.
func (s *Service) Redeliver(ctx context.Context, notif *db.Notification, tokens []string) (*Result, error) {
	result := s.deliver(ctx, notif, tokens)
	if result.Error != "" {
		return result, errors.New(result.Error)
	}
	s.publish(ctx, result)
	return result, nil
}

// build validates the request and assembles the record to insert.
func (s *Service) build(req Request) (*db.Notification, error) {
	data, err := req.validate()
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	message := strings.TrimSpace(req.Message)

	if (title == "" || message == "") && s.catalog != nil {
		var vars map[string]any
		if len(data) > 0 {
			if err := json.Unmarshal(data, &vars); err != nil {
				return nil, invalid("data must be a JSON object")
			}
		}
		locale := req.Locale
		if locale == "" {
			locale = s.defaultLocale
		}
		renderedTitle, renderedMessage, err := s.catalog.Render(locale, req.Type, vars)
		if err != nil {
			return nil, invalid("%v", err)
		}
		if title == "" {
			title = renderedTitle
		}
		if message == "" {
			message = renderedMessage
		}
	}

	if title == "" {
		return nil, invalid("title is required")
	}
	if message == "" {
		return nil, invalid("message is required")
	}

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("generate notification id: %w", err)
	}

	return &db.Notification{
		ID:        id,
		UserID:    strings.TrimSpace(req.UserID),
		Type:      req.Type,
		Title:     title,
		Message:   message,
		Data:      data,
		IsRead:    false,
		CreatedAt: s.now().UTC(),
	}, nil
}

// deliver looks up the user's active endpoints and submits one batch. A
// non-empty only list narrows the batch to those tokens. It reports failures
// through Result.Error and never mutates the record.
func (s *Service) deliver(ctx context.Context, notif *db.Notification, only []string) *Result {
	result := &Result{Record: notif}

	endpoints, err := s.store.ListEndpointsByUser(ctx, notif.UserID)
	if err != nil {
		s.logger.Error("failed to load push endpoints",
			zap.String("notification_id", notif.ID.String()),
			zap.String("user_id", notif.UserID),
			zap.Error(err),
		)
		result.Error = fmt.Sprintf("load endpoints: %v", err)
		return result
	}

	var wanted map[string]bool
	if len(only) > 0 {
		wanted = make(map[string]bool, len(only))
		for _, token := range only {
			wanted[token] = true
		}
	}

	messages := make([]push.Message, 0, len(endpoints))
	for _, ep := range endpoints {
		if !ep.IsActive {
			continue
		}
		if wanted != nil && !wanted[ep.Token] {
			continue
		}
		messages = append(messages, push.Message{
			To:    ep.Token,
			Sound: pushSound,
			Title: notif.Title,
			Body:  notif.Message,
			Data:  notif.Data,
		})
	}

	if len(messages) == 0 {
		return result
	}

	start := time.Now()
	receipt, err := s.gateway.Send(ctx, messages)
	if err != nil {
		outcome := "error"
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			outcome = "circuit_open"
		}
		metrics.RecordGatewayRequest(outcome, time.Since(start))

		accepted := 0
		if receipt != nil {
			accepted = min(receipt.Accepted, len(messages))
		}
		s.logger.Warn("push delivery failed",
			zap.String("notification_id", notif.ID.String()),
			zap.Int("batch_size", len(messages)),
			zap.Int("accepted", accepted),
			zap.Error(err),
		)
		result.Error = err.Error()
		result.Pending = make([]string, 0, len(messages)-accepted)
		for _, m := range messages[accepted:] {
			result.Pending = append(result.Pending, m.To)
		}
		if accepted == 0 {
			return result
		}
		messages = messages[:accepted]
	} else {
		metrics.RecordGatewayRequest("ok", time.Since(start))
	}

	result.Sent = len(messages)
	result.Rejected = receipt.Rejected()
	metrics.RecordMessagesSent(notif.Type, result.Sent)

	if receipt != nil {
		for i, ticket := range receipt.Tickets {
			if ticket.Status != push.TicketStatusError {
				continue
			}
			metrics.RecordTicketRejected(ticket.Details.Error)
			fields := []zap.Field{
				zap.String("notification_id", notif.ID.String()),
				zap.String("reason", ticket.Details.Error),
				zap.String("message", ticket.Message),
			}
			if i < len(messages) {
				fields = append(fields, zap.String("token", messages[i].To))
			}
			s.logger.Warn("push message rejected by gateway", fields...)
		}
	}

	return result
}

// queueRetry records a failed delivery for the retry worker. After a partial
// send only the tokens still pending are stored; an empty list means every
// active endpoint. Failures to queue are logged only.
func (s *Service) queueRetry(ctx context.Context, notif *db.Notification, result *Result) {
	if s.failures == nil {
		return
	}

	id, err := s.newID()
	if err != nil {
		s.logger.Error("failed to generate delivery failure id", zap.Error(err))
		return
	}

	next := s.now().UTC().Add(RetryDelay(1))
	df := &db.DeliveryFailure{
		ID:             id,
		NotificationID: notif.ID,
		UserID:         notif.UserID,
		Attempt:        0,
		LastError:      result.Error,
		Status:         db.DeliveryStatusPending,
		NextRetryAt:    &next,
	}
	if result.Sent > 0 {
		df.Tokens = result.Pending
	}

	if err := s.failures.CreateDeliveryFailure(ctx, df); err != nil {
		s.logger.Error("failed to queue delivery for retry",
			zap.String("notification_id", notif.ID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.RecordDeliveryFailureQueued()
}

func (s *Service) publish(ctx context.Context, result *Result) {
	evt := events.Dispatched{
		NotificationID: result.Record.ID.String(),
		UserID:         result.Record.UserID,
		Type:           result.Record.Type,
		Sent:           result.Sent,
		Rejected:       result.Rejected,
		Error:          result.Error,
		OccurredAt:     s.now().UTC(),
	}

	if err := s.publisher.Publish(ctx, evt); err != nil {
		metrics.RecordEventPublished("error")
		s.logger.Warn("failed to publish dispatch event",
			zap.String("notification_id", evt.NotificationID),
			zap.Error(err),
		)
		return
	}
	metrics.RecordEventPublished("ok")
}

var retryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// RetryDelay returns the wait before retry number attempt (1-based). Attempts
// past the schedule reuse the last delay.
func RetryDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryDelays) {
		idx = len(retryDelays) - 1
	}
	return retryDelays[idx]
}
