package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"github.com/halarumdigital/site-hortibless-sub000/internal/adapters/evolution"
	"github.com/halarumdigital/site-hortibless-sub000/internal/events"
	"github.com/halarumdigital/site-hortibless-sub000/internal/models"
	"github.com/halarumdigital/site-hortibless-sub000/internal/store"
	"github.com/halarumdigital/site-hortibless-sub000/pkg/keylock"
)

// Fixed texts sent or stored by the pipeline.
const (
	AISenderName     = "Assistente IA"
	AIDisabledNotice = "Atendimento automático por IA desativado para esta conexão."
	AudioApology     = "Desculpe, não consegui entender o seu áudio. Pode enviar a mensagem por texto?"
)

// ConversationRepository is the conversation store used by the services.
type ConversationRepository interface {
	CreateOrGetConversation(ctx context.Context, instance, customer, displayName string) (*models.Conversation, bool, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	AppendMessage(ctx context.Context, in store.NewMessage) (*models.ConversationMessage, error)
	GetMessages(ctx context.Context, conversationID int64, limit int) ([]models.ConversationMessage, error)
	UpdateStatus(ctx context.Context, conversationID int64, status string) (*models.Conversation, error)
	MarkRead(ctx context.Context, conversationID int64) (int64, error)
}

// ChannelRegistry resolves a gateway instance to its connection.
type ChannelRegistry interface {
	GetByInstance(ctx context.Context, instance string) (*models.WhatsAppConnection, error)
}

// ReplyGenerator produces AI replies.
type ReplyGenerator interface {
	Generate(ctx context.Context, message string, history []HistoryTurn, cfg models.AIConfig) (string, error)
}

// AudioFetcher fetches voice notes and scopes them to a temp file.
type AudioFetcher interface {
	Fetch(ctx context.Context, instance string, msg *evolution.InboundMessage) (*AudioClip, error)
	WithTempFile(clip *AudioClip, fn func(path string) error) error
}

// AudioTranscriber converts an audio file to text.
type AudioTranscriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// AudioArchiver keeps a copy of inbound audio and returns its URL.
type AudioArchiver interface {
	StoreAudio(ctx context.Context, instance, customer, messageID, mimeType string, data []byte) (string, error)
}

// ReplySender dispatches outbound text.
type ReplySender interface {
	Send(ctx context.Context, instance, to, text string) (*evolution.SendTextResponse, error)
}

// EventPublisher receives conversation events. Delivery is asynchronous.
type EventPublisher interface {
	Deliver(event *events.Event)
}

// Disposition is what happened to one inbound message.
type Disposition string

const (
	DispositionReplied    Disposition = "replied"
	DispositionStored     Disposition = "stored"
	DispositionApologized Disposition = "apologized"
	DispositionDropped    Disposition = "dropped"
	DispositionFailed     Disposition = "failed"
)

// MessageResult reports the handling of one envelope.
type MessageResult struct {
	MessageID      string
	Disposition    Disposition
	Reason         string
	ConversationID int64
	Reply          string
	Err            error
}

// Result reports the handling of one webhook delivery. Dropped is set when
// the whole event was discarded before any message was looked at.
type Result struct {
	Event    string
	Instance string
	Dropped  error
	Messages []MessageResult
}

// Err joins the errors of messages that failed after being accepted.
func (r *Result) Err() error {
	var errs []error
	for _, m := range r.Messages {
		if m.Err != nil {
			errs = append(errs, m.Err)
		}
	}
	return errors.Join(errs...)
}

// IngestionDeps wires the ingestion pipeline. Archive, Events and Dedup are
// optional.
type IngestionDeps struct {
	Conversations   ConversationRepository
	Channels        ChannelRegistry
	Media           AudioFetcher
	Transcriber     AudioTranscriber
	Generator       ReplyGenerator
	Dispatcher      ReplySender
	Archive         AudioArchiver
	Events          EventPublisher
	Dedup           Deduplicator
	Locks           *keylock.KeyLock
	HistoryLimit    int
	PipelineTimeout time.Duration
}

// IngestionService runs the inbound pipeline for gateway webhooks.
type IngestionService struct {
	conversations   ConversationRepository
	channels        ChannelRegistry
	media           AudioFetcher
	transcriber     AudioTranscriber
	generator       ReplyGenerator
	dispatcher      ReplySender
	archive         AudioArchiver
	events          EventPublisher
	dedup           Deduplicator
	locks           *keylock.KeyLock
	historyLimit    int
	pipelineTimeout time.Duration
}

func NewIngestionService(deps IngestionDeps) (*IngestionService, error) {
	if deps.Conversations == nil {
		return nil, fmt.Errorf("conversation repository cannot be nil for IngestionService")
	}
	if deps.Channels == nil {
		return nil, fmt.Errorf("channel registry cannot be nil for IngestionService")
	}
	if deps.Media == nil || deps.Transcriber == nil {
		return nil, fmt.Errorf("media fetcher and transcriber are required for IngestionService")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("response generator cannot be nil for IngestionService")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil for IngestionService")
	}
	if deps.Locks == nil {
		deps.Locks = keylock.New()
	}
	if deps.Dedup == nil {
		deps.Dedup = NewMemoryDeduplicator(24 * time.Hour)
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = 20
	}
	if deps.PipelineTimeout <= 0 {
		deps.PipelineTimeout = 2 * time.Minute
	}
	return &IngestionService{
		conversations:   deps.Conversations,
		channels:        deps.Channels,
		media:           deps.Media,
		transcriber:     deps.Transcriber,
		generator:       deps.Generator,
		dispatcher:      deps.Dispatcher,
		archive:         deps.Archive,
		events:          deps.Events,
		dedup:           deps.Dedup,
		locks:           deps.Locks,
		historyLimit:    deps.HistoryLimit,
		pipelineTimeout: deps.PipelineTimeout,
	}, nil
}

// HandleWebhook processes one gateway delivery. It never panics on bad input
// and reports every outcome in the Result; callers acknowledge regardless.
func (s *IngestionService) HandleWebhook(ctx context.Context, payload *evolution.WebhookPayload) *Result {
	ctx, cancel := context.WithTimeout(ctx, s.pipelineTimeout)
	defer cancel()

	result := &Result{}
	if payload != nil {
		result.Event = payload.Event
		result.Instance = payload.Instance
	}

	event, err := evolution.ParseWebhook(payload)
	if err != nil {
		if errors.Is(err, evolution.ErrIgnoredEvent) {
			if evolution.IsKnownEvent(result.Event) {
				log.Debug().Str("event", result.Event).Str("instance", result.Instance).Msg("Ignoring gateway event")
			} else {
				log.Warn().Str("event", result.Event).Str("instance", result.Instance).Msg("Ignoring unrecognized gateway event")
			}
			result.Dropped = err
			return result
		}
		log.Warn().Err(err).Str("event", result.Event).Str("instance", result.Instance).Msg("Dropping malformed gateway event")
		result.Dropped = withKind(ErrMalformedEvent, err)
		return result
	}
	if event.Skipped > 0 {
		log.Debug().Int("skipped", event.Skipped).Str("instance", event.Instance).Msg("Skipped envelopes from unsupported chats")
	}

	var inbound []evolution.InboundMessage
	for _, msg := range event.Messages {
		if msg.FromMe {
			result.Messages = append(result.Messages, MessageResult{MessageID: msg.ID, Disposition: DispositionDropped, Reason: "sent by this instance"})
			continue
		}
		inbound = append(inbound, msg)
	}
	if len(inbound) == 0 {
		return result
	}

	conn, err := s.channels.GetByInstance(ctx, event.Instance)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Str("instance", event.Instance).Msg("Webhook for unknown instance, dropping")
			result.Dropped = withKind(ErrUnknownChannel, err)
			return result
		}
		log.Error().Err(err).Str("instance", event.Instance).Msg("Channel lookup failed")
		result.Dropped = fmt.Errorf("channel lookup failed: %w", err)
		return result
	}
	if !conn.IsActive {
		log.Warn().Str("instance", event.Instance).Msg("Webhook for inactive instance, dropping")
		result.Dropped = withKind(ErrUnknownChannel, fmt.Errorf("instance %q is inactive", event.Instance))
		return result
	}

	for i := range inbound {
		mr := s.handleMessage(ctx, conn, &inbound[i])
		logger := log.Info()
		if mr.Err != nil {
			logger = log.Error().Err(mr.Err)
		}
		logger.
			Str("instance", conn.InstanceName).
			Str("messageID", mr.MessageID).
			Int64("conversationID", mr.ConversationID).
			Str("disposition", string(mr.Disposition)).
			Str("reason", mr.Reason).
			Msg("Inbound message handled")
		result.Messages = append(result.Messages, mr)
	}
	return result
}

func (s *IngestionService) handleMessage(ctx context.Context, conn *models.WhatsAppConnection, msg *evolution.InboundMessage) MessageResult {
	res := MessageResult{MessageID: msg.ID}
	instance := conn.InstanceName

	if msg.Kind == evolution.ContentUnknown {
		res.Disposition, res.Reason = DispositionDropped, "unsupported content"
		return res
	}

	dedupKey := instance + ":" + msg.ID
	claimed, err := s.dedup.Claim(ctx, dedupKey)
	if err != nil {
		log.Warn().Err(err).Str("messageID", msg.ID).Msg("Deduplication unavailable, processing anyway")
		claimed = true
	}
	if !claimed {
		res.Disposition, res.Reason = DispositionDropped, "duplicate delivery"
		return res
	}

	unlock, err := s.locks.Lock(ctx, models.ConversationKey(instance, msg.CustomerID))
	if err != nil {
		s.releaseClaim(ctx, dedupKey)
		res.Disposition, res.Err = DispositionFailed, fmt.Errorf("waiting for conversation lock: %w", err)
		return res
	}
	defer unlock()

	text := msg.Text
	messageType := models.MessageTypeText
	meta := models.MessageMetadata{GatewayMessageID: msg.ID}
	var mediaURL *string

	if msg.Kind == evolution.ContentAudio {
		transcript, clip, url, err := s.transcribeAudio(ctx, instance, msg)
		if err != nil {
			if _, sendErr := s.dispatcher.Send(ctx, instance, msg.CustomerID, AudioApology); sendErr != nil {
				log.Error().Err(sendErr).Str("messageID", msg.ID).Msg("Could not send audio apology")
			}
			res.Disposition, res.Err = DispositionApologized, err
			return res
		}
		text = transcript
		messageType = models.MessageTypeAudio
		meta.MimeType = clip.MimeType
		mediaURL = url
	}

	text = strings.TrimSpace(text)
	if text == "" {
		res.Disposition, res.Reason = DispositionDropped, "empty message"
		return res
	}

	conv, err := s.openConversation(ctx, instance, msg)
	if err != nil {
		s.releaseClaim(ctx, dedupKey)
		res.Disposition, res.Err = DispositionFailed, err
		return res
	}
	res.ConversationID = conv.ID

	userMsg, err := s.appendMessage(ctx, conv, store.NewMessage{
		ConversationID: conv.ID,
		Sender:         models.SenderUser,
		SenderName:     msg.DisplayName,
		Text:           text,
		MessageType:    messageType,
		MediaURL:       mediaURL,
		Metadata:       encodeMetadata(meta),
	})
	if err != nil {
		s.releaseClaim(ctx, dedupKey)
		res.Disposition, res.Err = DispositionFailed, err
		return res
	}

	if !conn.AIEnabled {
		if _, err := s.appendMessage(ctx, conv, store.NewMessage{
			ConversationID: conv.ID,
			Sender:         models.SenderSystem,
			SenderName:     "Sistema",
			Text:           AIDisabledNotice,
		}); err != nil {
			res.Disposition, res.Err = DispositionFailed, err
			return res
		}
		res.Disposition, res.Reason = DispositionStored, "ai disabled"
		return res
	}

	history, err := s.history(ctx, conv.ID, userMsg.ID)
	if err != nil {
		res.Disposition, res.Err = DispositionFailed, err
		return res
	}

	reply, err := s.generator.Generate(ctx, text, history, conn.AIConfig())
	if err != nil {
		res.Disposition, res.Err = DispositionFailed, withKind(ErrGenerationFailed, err)
		return res
	}
	res.Reply = reply

	agentMsg, err := s.appendMessage(ctx, conv, store.NewMessage{
		ConversationID: conv.ID,
		Sender:         models.SenderAgent,
		SenderName:     AISenderName,
		Text:           reply,
		Metadata:       encodeMetadata(models.MessageMetadata{Author: models.AuthorAI}),
	})
	if err != nil {
		res.Disposition, res.Err = DispositionFailed, err
		return res
	}

	if _, err := s.dispatcher.Send(ctx, instance, msg.CustomerID, reply); err != nil {
		log.Error().Err(err).Int64("messageID", agentMsg.ID).Msg("Reply persisted but not dispatched")
		res.Disposition, res.Err = DispositionFailed, withKind(ErrDispatchFailed, err)
		return res
	}
	res.Disposition = DispositionReplied
	return res
}

// releaseClaim forgets the delivery id of a message that was never stored, so
// the gateway's redelivery gets processed.
func (s *IngestionService) releaseClaim(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.dedup.Release(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Could not release delivery claim")
	}
}

// transcribeAudio fetches, transcribes and optionally archives a voice note.
func (s *IngestionService) transcribeAudio(ctx context.Context, instance string, msg *evolution.InboundMessage) (string, *AudioClip, *string, error) {
	clip, err := s.media.Fetch(ctx, instance, msg)
	if err != nil {
		return "", nil, nil, err
	}

	var transcript string
	err = s.media.WithTempFile(clip, func(path string) error {
		text, err := s.transcriber.Transcribe(ctx, path)
		transcript = text
		return err
	})
	if err != nil {
		return "", nil, nil, err
	}

	var mediaURL *string
	if s.archive != nil {
		url, err := s.archive.StoreAudio(ctx, instance, msg.CustomerID, msg.ID, clip.MimeType, clip.Data)
		if err != nil {
			log.Warn().Err(err).Str("messageID", msg.ID).Msg("Audio archive failed, continuing without media URL")
		} else {
			mediaURL = &url
		}
	}
	return transcript, clip, mediaURL, nil
}

// openConversation creates or loads the conversation and reopens it if it was
// closed.
func (s *IngestionService) openConversation(ctx context.Context, instance string, msg *evolution.InboundMessage) (*models.Conversation, error) {
	conv, created, err := s.conversations.CreateOrGetConversation(ctx, instance, msg.CustomerID, msg.DisplayName)
	if err != nil {
		return nil, err
	}
	if created {
		publish(s.events, events.TypeConversationCreated, conv.InstanceName, conv.ID, conv)
		return conv, nil
	}
	if conv.Status == models.StatusClosed {
		reopened, err := s.conversations.UpdateStatus(ctx, conv.ID, models.StatusOpen)
		if err != nil {
			return nil, err
		}
		publish(s.events, events.TypeConversationStatusChanged, conv.InstanceName, conv.ID, statusChange{From: models.StatusClosed, To: models.StatusOpen})
		conv = reopened
	}
	return conv, nil
}

func (s *IngestionService) appendMessage(ctx context.Context, conv *models.Conversation, in store.NewMessage) (*models.ConversationMessage, error) {
	msg, err := s.conversations.AppendMessage(ctx, in)
	if err != nil {
		return nil, err
	}
	publish(s.events, events.TypeMessageCreated, conv.InstanceName, conv.ID, msg)
	return msg, nil
}

// history loads up to historyLimit messages before the one just stored.
func (s *IngestionService) history(ctx context.Context, conversationID, currentID int64) ([]HistoryTurn, error) {
	msgs, err := s.conversations.GetMessages(ctx, conversationID, s.historyLimit+1)
	if err != nil {
		return nil, err
	}
	prior := make([]models.ConversationMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != currentID {
			prior = append(prior, m)
		}
	}
	if len(prior) > s.historyLimit {
		prior = prior[len(prior)-s.historyLimit:]
	}
	return TurnsFromMessages(prior), nil
}

type statusChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func publish(p EventPublisher, eventType, instance string, conversationID int64, data any) {
	if p == nil {
		return
	}
	p.Deliver(events.New(eventType, instance, conversationID, data))
}

func encodeMetadata(meta models.MessageMetadata) datatypes.JSON {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
