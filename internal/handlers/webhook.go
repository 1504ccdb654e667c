package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/halarumdigital/site-hortibless-sub000/internal/adapters/evolution"
	"github.com/halarumdigital/site-hortibless-sub000/internal/services"
)

const maxWebhookBody = 32 << 20 // inline base64 audio can be large

// WebhookProcessor runs the inbound pipeline for one gateway delivery.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload *evolution.WebhookPayload) *services.Result
}

// EvolutionWebhookHandler receives Evolution API webhooks. It always
// acknowledges with 200 so the gateway does not retry.
type EvolutionWebhookHandler struct {
	processor WebhookProcessor
}

func NewEvolutionWebhookHandler(processor WebhookProcessor) *EvolutionWebhookHandler {
	if processor == nil {
		log.Fatal().Msg("WebhookProcessor cannot be nil for EvolutionWebhookHandler")
	}
	return &EvolutionWebhookHandler{processor: processor}
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (h *EvolutionWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())
	defer func() {
		if rv := recover(); rv != nil {
			logger.Error().
				Interface("panic", rv).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic in webhook pipeline")
			respondWithJSON(w, http.StatusOK, webhookResponse{Success: true, Error: fmt.Sprintf("internal error: %v", rv)})
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read webhook body")
		respondWithJSON(w, http.StatusOK, webhookResponse{Success: true})
		return
	}

	var payload evolution.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Warn().Err(err).Int("bytes", len(body)).Msg("Invalid JSON in webhook body, acknowledging")
		respondWithJSON(w, http.StatusOK, webhookResponse{Success: true})
		return
	}
	// "webhook by events" mode puts the event name in the path.
	if payload.Event == "" {
		payload.Event = mux.Vars(r)["event"]
	}

	logger.Info().
		Str("event", payload.Event).
		Str("instance", payload.Instance).
		Msg("Received Evolution webhook")

	result := h.processor.HandleWebhook(r.Context(), &payload)
	resp := webhookResponse{Success: true}
	if err := result.Err(); err != nil {
		resp.Error = err.Error()
	}
	respondWithJSON(w, http.StatusOK, resp)
}
