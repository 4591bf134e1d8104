package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/eventhub/internal/db"
	"github.com/lalithlochan/eventhub/internal/dispatch"
	"github.com/lalithlochan/eventhub/internal/metrics"
	"github.com/lalithlochan/eventhub/internal/redis"
)

// Repository defines the database operations used by the API
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotificationsByUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]*db.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)

	ListEndpointsByUser(ctx context.Context, userID string) ([]*db.PushEndpoint, error)
	RegisterEndpoint(ctx context.Context, ep *db.PushEndpoint) error
	DeactivateEndpoint(ctx context.Context, userID, token string) error

	ListDeliveryFailures(ctx context.Context, status string, limit, offset int) ([]*db.DeliveryFailure, error)
	GetDeliveryFailure(ctx context.Context, id uuid.UUID) (*db.DeliveryFailure, error)
	RequeueDeliveryFailure(ctx context.Context, id uuid.UUID) error
	DiscardDeliveryFailure(ctx context.Context, id uuid.UUID) error
}

// Dispatcher runs a synchronous dispatch
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Enqueuer hands a dispatch request to the async queue
type Enqueuer interface {
	Enqueue(ctx context.Context, req dispatch.Request) (requestID, messageID string, err error)
}

// IdempotencyStore caches dispatch responses by Idempotency-Key
type IdempotencyStore interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	dispatcher  Dispatcher
	idempotency IdempotencyStore // nil if Redis not configured
	producer    Enqueuer         // nil if SQS not configured

	// nil limiters disable rate limiting for their routes
	dispatchLimit *redis.RateLimiter
	inboxLimit    *redis.RateLimiter
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, dispatcher Dispatcher) *Handler {
	return &Handler{
		logger:     logger,
		repo:       repo,
		dispatcher: dispatcher,
	}
}

// WithIdempotency enables Idempotency-Key support on dispatch
func (h *Handler) WithIdempotency(store IdempotencyStore) *Handler {
	h.idempotency = store
	return h
}

// WithProducer enables the async dispatch endpoint
func (h *Handler) WithProducer(producer Enqueuer) *Handler {
	h.producer = producer
	return h
}

// WithRateLimits sets the budgets for service routes (dispatch and delivery
// administration) and for user-facing inbox and endpoint routes. A caller who
// exhausts one budget can still use the other.
func (h *Handler) WithRateLimits(dispatchLimit, inboxLimit *redis.RateLimiter) *Handler {
	h.dispatchLimit = dispatchLimit
	h.inboxLimit = inboxLimit
	return h
}

// Register mounts the /v1 routes on r. Authentication, when enabled, must
// already be applied to r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireService)
		r.Use(RateLimitMiddleware(h.dispatchLimit, h.logger, CallerKeyFunc))

		r.Post("/notifications", h.CreateNotification)
		r.Post("/notifications/async", h.EnqueueNotification)

		r.Get("/deliveries/failed", h.ListFailedDeliveries)
		r.Get("/deliveries/failed/{id}", h.GetFailedDelivery)
		r.Post("/deliveries/failed/{id}/retry", h.RetryFailedDelivery)
		r.Post("/deliveries/failed/{id}/discard", h.DiscardFailedDelivery)
	})

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(h.inboxLimit, h.logger, CallerKeyFunc))

		r.Get("/notifications/{id}", h.GetNotification)
		r.Patch("/notifications/{id}/read", h.MarkNotificationRead)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Use(RequireUser("userID"))

			r.Get("/notifications", h.ListUserNotifications)
			r.Get("/notifications/unread-count", h.UnreadCount)
			r.Post("/notifications/read-all", h.MarkAllRead)

			r.Get("/endpoints", h.ListEndpoints)
			r.Post("/endpoints", h.RegisterEndpoint)
			r.Delete("/endpoints/{token}", h.DeactivateEndpoint)
		})
	})
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	scope := callerScope(r)
	useIdempotency := idempotencyKey != "" && h.idempotency != nil

	if useIdempotency {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			useIdempotency = false
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_, _ = w.Write(cachedResult.Body)
			return
		}
	}

	result, err := h.dispatcher.Dispatch(ctx, req)
	if err != nil {
		if useIdempotency {
			if relErr := h.idempotency.Release(ctx, scope, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		if errors.Is(err, dispatch.ErrInvalidRequest) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", err.Error())
			return
		}
		h.logger.Error("dispatch failed",
			zap.Error(err),
			zap.String("user_id", req.UserID),
			zap.String("type", req.Type),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create notification", "")
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return
	}

	if useIdempotency {
		cached := &redis.IdempotencyResult{
			NotificationID: result.Record.ID.String(),
			StatusCode:     http.StatusCreated,
			Body:           body,
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, cached, redis.IdempotencyTTLExact); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// EnqueueNotification handles POST /v1/notifications/async
func (h *Handler) EnqueueNotification(w http.ResponseWriter, r *http.Request) {
	if h.producer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "Async dispatch is not configured", "")
		return
	}

	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.UserID == "" || !db.ValidType(req.Type) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"user_id and a known type are required")
		return
	}

	requestID, messageID, err := h.producer.Enqueue(r.Context(), req)
	if err != nil {
		h.logger.Error("failed to enqueue dispatch", zap.Error(err), zap.String("user_id", req.UserID))
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue notification", "")
		return
	}

	metrics.RecordQueueMessage("enqueued")
	h.logger.Info("dispatch enqueued",
		zap.String("request_id", requestID),
		zap.String("sqs_message_id", messageID),
		zap.String("user_id", req.UserID),
	)

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": requestID,
		"message_id": messageID,
		"status":     "queued",
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	notif, ok := h.loadOwnedNotification(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, notif)
}

// MarkNotificationRead handles PATCH /v1/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	notif, ok := h.loadOwnedNotification(w, r)
	if !ok {
		return
	}

	if err := h.repo.MarkNotificationRead(r.Context(), notif.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to mark notification read", zap.Error(err), zap.String("id", notif.ID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update notification", "")
		return
	}

	notif.IsRead = true
	h.writeJSON(w, http.StatusOK, notif)
}

// loadOwnedNotification fetches {id} and checks the caller may see it. It
// writes the error response itself and reports whether to continue.
func (h *Handler) loadOwnedNotification(w http.ResponseWriter, r *http.Request) (*db.Notification, bool) {
	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return nil, false
	}

	notif, err := h.repo.GetNotification(r.Context(), notifID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return nil, false
		}
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return nil, false
	}

	// Report foreign notifications as missing so ids cannot be enumerated.
	if authorize(r, notif.UserID) != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return nil, false
	}

	return notif, true
}

// ListUserNotifications handles GET /v1/users/{userID}/notifications?limit=20&offset=0&unread=true
func (h *Handler) ListUserNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, offset := parsePage(r)
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))

	notifications, err := h.repo.ListNotificationsByUser(r.Context(), userID, unreadOnly, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// UnreadCount handles GET /v1/users/{userID}/notifications/unread-count
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	count, err := h.repo.CountUnread(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to count unread", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"unread":  count,
	})
}

// MarkAllRead handles POST /v1/users/{userID}/notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	updated, err := h.repo.MarkAllRead(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to mark all read", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"updated": updated,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// parsePage reads limit (1-100, default 20) and offset (default 0).
func parsePage(r *http.Request) (limit, offset int) {
	limit = 20

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

// callerScope namespaces idempotency keys per caller.
func callerScope(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
		return "user:" + claims.Subject
	}
	return "anonymous"
}
