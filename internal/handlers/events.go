package handlers

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"lurkbot/internal/models"
	"lurkbot/internal/repository"
)

// EventStore reads the audit log.
type EventStore interface {
	Recent(ctx context.Context, channelID string, limit int) ([]models.LoopEvent, error)
}

type EventsHandler struct {
	store     EventStore
	channelID string
	logger    *zap.Logger
}

// NewEventsHandler accepts a nil store when no database is configured.
func NewEventsHandler(store EventStore, channelID string, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{store: store, channelID: channelID, logger: logger}
}

// List handles GET /api/v1/events?limit=N
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResp("AUDIT_DISABLED", "No database configured", r))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
				map[string]string{"limit": "must be a positive integer"}, r))
			return
		}
		limit = n
	}

	events, err := h.store.Recent(r.Context(), h.channelID, repository.ClampLimit(limit))
	if err != nil {
		h.logger.Error("Failed to list loop events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL", "Failed to load events", r))
		return
	}
	if events == nil {
		events = []models.LoopEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
