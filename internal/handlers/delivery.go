package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/halarumdigital/site-hortibless-sub000/internal/events"
)

// DeliveryInspector exposes the conversation event delivery state.
type DeliveryInspector interface {
	Enabled() bool
	Stats() events.Stats
	EventStatus(eventID string) (events.Delivery, bool)
	Pending(eventType string, limit int) ([]events.Delivery, int)
	RetryPending() int
	RetryEvent(eventID string) bool
}

type DeliveryHandler struct {
	manager DeliveryInspector
}

// NewDeliveryHandler accepts a nil manager; every endpoint then answers 503.
func NewDeliveryHandler(manager DeliveryInspector) *DeliveryHandler {
	return &DeliveryHandler{manager: manager}
}

func (h *DeliveryHandler) available(w http.ResponseWriter) bool {
	if h.manager == nil || !h.manager.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "event delivery is not configured")
		return false
	}
	return true
}

// Status reports the delivery manager configuration and counters.
func (h *DeliveryHandler) Status(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "running",
		"stats":   h.manager.Stats(),
	})
}

// EventStatus returns a single pending event
func (h *DeliveryHandler) EventStatus(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	eventID := mux.Vars(r)["eventId"]
	if eventID == "" {
		respondError(w, http.StatusBadRequest, "event id is required")
		return
	}
	d, ok := h.manager.EventStatus(eventID)
	if !ok {
		respondError(w, http.StatusNotFound, "event not found or already delivered")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"delivery": d,
	})
}

// Metrics lists pending events, filtered by ?type= and capped by ?limit=.
func (h *DeliveryHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	eventType := r.URL.Query().Get("type")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	pending, matched := h.manager.Pending(eventType, limit)
	stats := h.manager.Stats()
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"total_pending":  stats.Pending,
		"filtered_count": matched,
		"shown_count":    len(pending),
		"events":         pending,
	})
}

// Retry re-dispatches every pending event, or a single one when the path
// names it.
func (h *DeliveryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	eventID := mux.Vars(r)["eventId"]
	if eventID == "" {
		n := h.manager.RetryPending()
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"retried": n,
		})
		return
	}
	if !h.manager.RetryEvent(eventID) {
		respondError(w, http.StatusNotFound, "event not found or already being delivered")
		return
	}
	log.Ctx(r.Context()).Info().Str("eventID", eventID).Msg("Manual retry requested")
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"retried": 1,
	})
}
