package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db         Pinger
	components map[string]bool
}

// NewHealthHandler reports the database state plus which optional
// components are configured.
func NewHealthHandler(db Pinger, components map[string]bool) *HealthHandler {
	return &HealthHandler{db: db, components: components}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	database := "ok"
	if h.db == nil {
		database = "not configured"
	} else if err := h.db.Ping(ctx); err != nil {
		database = err.Error()
		status, code = "degraded", http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, map[string]interface{}{
		"status":     status,
		"database":   database,
		"components": h.components,
	})
}
