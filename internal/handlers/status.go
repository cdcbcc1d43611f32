package handlers

import (
	"net/http"

	"lurkbot/internal/models"
)

// StatusSource is implemented by the poll loop.
type StatusSource interface {
	Status() models.LoopStatus
}

type StatusHandler struct {
	source StatusSource
}

func NewStatusHandler(source StatusSource) *StatusHandler {
	return &StatusHandler{source: source}
}

// Get returns the loop snapshot.
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Status())
}

// Health reports liveness only; a stalled backend still answers ok.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
