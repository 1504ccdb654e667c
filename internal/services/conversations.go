package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/halarumdigital/site-hortibless-sub000/internal/events"
	"github.com/halarumdigital/site-hortibless-sub000/internal/models"
	"github.com/halarumdigital/site-hortibless-sub000/internal/store"
	"github.com/halarumdigital/site-hortibless-sub000/pkg/keylock"
)

// DefaultAgentName is recorded when a human agent posts without a name.
const DefaultAgentName = "Atendente"

// DirectGenerator answers a one-off message with a channel's AI settings.
type DirectGenerator interface {
	GenerateDirect(ctx context.Context, message string, cfg models.AIConfig) (string, error)
}

// ConversationService backs the admin API: listing, status changes, human
// replies and AI configuration tests.
type ConversationService struct {
	repo       ConversationRepository
	dispatcher ReplySender
	generator  DirectGenerator
	events     EventPublisher
	locks      *keylock.KeyLock
}

// NewConversationService shares locks with the ingestion pipeline so a human
// reply and an inbound message never interleave on the same conversation.
func NewConversationService(repo ConversationRepository, dispatcher ReplySender, generator DirectGenerator, publisher EventPublisher, locks *keylock.KeyLock) (*ConversationService, error) {
	if repo == nil {
		return nil, fmt.Errorf("conversation repository cannot be nil for ConversationService")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil for ConversationService")
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &ConversationService{
		repo:       repo,
		dispatcher: dispatcher,
		generator:  generator,
		events:     publisher,
		locks:      locks,
	}, nil
}

func (s *ConversationService) List(ctx context.Context) ([]models.Conversation, error) {
	return s.repo.ListConversations(ctx)
}

// Get returns the conversation with its full message history.
func (s *ConversationService) Get(ctx context.Context, id int64) (*models.Conversation, []models.ConversationMessage, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.repo.GetMessages(ctx, id, 0)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// UpdateStatus moves the conversation to status and emits a change event
// when the status actually changed.
func (s *ConversationService) UpdateStatus(ctx context.Context, id int64, status string) (*models.Conversation, error) {
	if !models.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	before, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	conv, err := s.repo.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	if before.Status != status {
		publish(s.events, events.TypeConversationStatusChanged, conv.InstanceName, conv.ID, statusChange{From: before.Status, To: status})
	}
	return conv, nil
}

func (s *ConversationService) MarkRead(ctx context.Context, id int64) (int64, error) {
	return s.repo.MarkRead(ctx, id)
}

// PostAgentMessage stores a human reply, moves an open conversation to
// in_progress and sends the text to the customer. The stored message is
// returned even when dispatch fails.
func (s *ConversationService) PostAgentMessage(ctx context.Context, id int64, text, senderName string) (*models.ConversationMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}
	if strings.TrimSpace(senderName) == "" {
		senderName = DefaultAgentName
	}

	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, conv.Key())
	if err != nil {
		return nil, fmt.Errorf("waiting for conversation lock: %w", err)
	}
	defer unlock()
	// The inbound pipeline may have changed the status while we waited.
	conv, err = s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	msg, err := s.repo.AppendMessage(ctx, store.NewMessage{
		ConversationID: conv.ID,
		Sender:         models.SenderAgent,
		SenderName:     senderName,
		Text:           text,
		Metadata:       encodeMetadata(models.MessageMetadata{Author: models.AuthorHuman}),
	})
	if err != nil {
		return nil, err
	}
	publish(s.events, events.TypeMessageCreated, conv.InstanceName, conv.ID, msg)

	if conv.Status == models.StatusOpen {
		if _, err := s.repo.UpdateStatus(ctx, conv.ID, models.StatusInProgress); err != nil {
			log.Error().Err(err).Int64("conversationID", conv.ID).Msg("Failed to move conversation to in_progress")
		} else {
			publish(s.events, events.TypeConversationStatusChanged, conv.InstanceName, conv.ID, statusChange{From: models.StatusOpen, To: models.StatusInProgress})
		}
	}

	if _, err := s.dispatcher.Send(ctx, conv.InstanceName, conv.CustomerWhatsapp, text); err != nil {
		return msg, withKind(ErrDispatchFailed, err)
	}
	return msg, nil
}

// TestAI runs a one-off generation with cfg, without touching any
// conversation.
func (s *ConversationService) TestAI(ctx context.Context, message string, cfg models.AIConfig) (string, error) {
	if s.generator == nil {
		return "", withKind(ErrGenerationFailed, fmt.Errorf("no response generator configured"))
	}
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("message cannot be empty")
	}
	return s.generator.GenerateDirect(ctx, message, cfg)
}
