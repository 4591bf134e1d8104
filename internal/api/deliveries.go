package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/eventhub/internal/db"
)

// ListFailedDeliveries handles GET /v1/deliveries/failed?status=dead&limit=20&offset=0
// Defaults to dead rows, the ones needing an operator.
func (h *Handler) ListFailedDeliveries(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = db.DeliveryStatusDead
	}

	switch status {
	case db.DeliveryStatusPending, db.DeliveryStatusProcessing, db.DeliveryStatusDelivered,
		db.DeliveryStatusDead, db.DeliveryStatusDiscarded:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, processing, delivered, dead, discarded")
		return
	}

	limit, offset := parsePage(r)

	items, err := h.repo.ListDeliveryFailures(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list delivery failures", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list failed deliveries", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   items,
		"status": status,
		"limit":  limit,
		"offset": offset,
		"count":  len(items),
	})
}

// GetFailedDelivery handles GET /v1/deliveries/failed/{id}
func (h *Handler) GetFailedDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseFailureID(w, r)
	if !ok {
		return
	}

	item, err := h.repo.GetDeliveryFailure(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Failed delivery not found", "")
			return
		}
		h.logger.Error("failed to get delivery failure", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get failed delivery", "")
		return
	}

	h.writeJSON(w, http.StatusOK, item)
}

// RetryFailedDelivery handles POST /v1/deliveries/failed/{id}/retry
// The row goes back to pending with a fresh attempt budget.
func (h *Handler) RetryFailedDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseFailureID(w, r)
	if !ok {
		return
	}

	if err := h.repo.RequeueDeliveryFailure(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Failed delivery not found or already processed", "")
			return
		}
		h.logger.Error("failed to requeue delivery failure", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to requeue delivery", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":      id.String(),
		"status":  db.DeliveryStatusPending,
		"message": "delivery requeued for retry",
	})
}

// DiscardFailedDelivery handles POST /v1/deliveries/failed/{id}/discard
func (h *Handler) DiscardFailedDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseFailureID(w, r)
	if !ok {
		return
	}

	if err := h.repo.DiscardDeliveryFailure(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Failed delivery not found or already processed", "")
			return
		}
		h.logger.Error("failed to discard delivery failure", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to discard delivery", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":      id.String(),
		"status":  db.DeliveryStatusDiscarded,
		"message": "delivery discarded",
	})
}

func (h *Handler) parseFailureID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
