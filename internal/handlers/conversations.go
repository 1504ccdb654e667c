package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/halarumdigital/site-hortibless-sub000/internal/models"
	"github.com/halarumdigital/site-hortibless-sub000/internal/services"
)

// ConversationAdmin is what the admin UI can do with conversations.
type ConversationAdmin interface {
	List(ctx context.Context) ([]models.Conversation, error)
	Get(ctx context.Context, id int64) (*models.Conversation, []models.ConversationMessage, error)
	UpdateStatus(ctx context.Context, id int64, status string) (*models.Conversation, error)
	MarkRead(ctx context.Context, id int64) (int64, error)
	PostAgentMessage(ctx context.Context, id int64, text, senderName string) (*models.ConversationMessage, error)
}

type ConversationHandler struct {
	conversations ConversationAdmin
}

func NewConversationHandler(conversations ConversationAdmin) *ConversationHandler {
	if conversations == nil {
		log.Fatal().Msg("ConversationAdmin cannot be nil for ConversationHandler")
	}
	return &ConversationHandler{conversations: conversations}
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=open in_progress closed"`
}

type agentMessageRequest struct {
	Message    string `json:"message" validate:"required"`
	SenderName string `json:"senderName" validate:"max=255"`
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	convs, err := h.conversations.List(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"conversations": convs,
	})
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	conv, msgs, err := h.conversations.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"conversation": conv,
		"messages":     msgs,
	})
}

func (h *ConversationHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req updateStatusRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, err := h.conversations.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"conversation": conv,
	})
}

// PostMessage sends a human agent reply. A dispatch failure answers 502 but
// the message stays stored and is returned.
func (h *ConversationHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req agentMessageRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message cannot be empty")
		return
	}

	msg, err := h.conversations.PostAgentMessage(r.Context(), id, req.Message, req.SenderName)
	if err != nil {
		if msg != nil && errors.Is(err, services.ErrDispatchFailed) {
			log.Ctx(r.Context()).Warn().Err(err).Int64("conversationID", id).Msg("Agent message stored but not delivered")
			respondWithJSON(w, http.StatusBadGateway, map[string]interface{}{
				"success": false,
				"error":   err.Error(),
				"message": msg,
			})
			return
		}
		respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": msg,
	})
}

func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	n, err := h.conversations.MarkRead(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"updated": n,
	})
}
