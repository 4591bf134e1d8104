package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/eventhub/internal/db"
)

// RegisterEndpointRequest is the body of POST /v1/users/{userID}/endpoints
type RegisterEndpointRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func validPlatform(p string) bool {
	switch p {
	case db.PlatformIOS, db.PlatformAndroid, db.PlatformWeb:
		return true
	}
	return false
}

// ListEndpoints handles GET /v1/users/{userID}/endpoints
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	endpoints, err := h.repo.ListEndpointsByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list endpoints", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list endpoints", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  endpoints,
		"count": len(endpoints),
	})
}

// RegisterEndpoint handles POST /v1/users/{userID}/endpoints
func (h *Handler) RegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req RegisterEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "token is required")
		return
	}
	if !validPlatform(req.Platform) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid platform",
			"platform must be one of: ios, android, web")
		return
	}

	ep := &db.PushEndpoint{
		ID:       uuid.New(),
		UserID:   userID,
		Token:    req.Token,
		Platform: req.Platform,
	}

	if err := h.repo.RegisterEndpoint(r.Context(), ep); err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to register endpoint", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, ep)
}

// DeactivateEndpoint handles DELETE /v1/users/{userID}/endpoints/{token}
func (h *Handler) DeactivateEndpoint(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	token := chi.URLParam(r, "token")

	if err := h.repo.DeactivateEndpoint(r.Context(), userID, token); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Endpoint not found", "")
			return
		}
		h.logger.Error("failed to deactivate endpoint", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to deactivate endpoint", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
