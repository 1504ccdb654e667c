package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/halarumdigital/site-hortibless-sub000/internal/adapters/evolution"
	"github.com/halarumdigital/site-hortibless-sub000/internal/db"
	"github.com/halarumdigital/site-hortibless-sub000/internal/events"
	"github.com/halarumdigital/site-hortibless-sub000/internal/models"
	"github.com/halarumdigital/site-hortibless-sub000/internal/store"
	"github.com/halarumdigital/site-hortibless-sub000/pkg/keylock"
)

const (
	testInstance = "hortibless"
	testJID      = "5511999999999@s.whatsapp.net"
	testCustomer = "5511999999999"
)

type pipeline struct {
	svc           *IngestionService
	conversations *store.ConversationStore
	connections   *store.ConnectionStore
	generator     *fakeGenerator
	sender        *fakeSender
	speech        *fakeSpeech
	source        *fakeMediaSource
	archive       *fakeArchive
	events        *recordingPublisher
	tempDir       string
}

func newPipeline(t *testing.T, aiEnabled bool) *pipeline {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(models.All()...); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	conversations, err := store.NewConversationStore(database.SQL)
	if err != nil {
		t.Fatal(err)
	}
	connections, err := store.NewConnectionStore(database.ORM, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := connections.Create(context.Background(), &models.WhatsAppConnection{
		Name:         "Hortibless",
		InstanceName: testInstance,
		IsActive:     true,
		AIEnabled:    aiEnabled,
	}); err != nil {
		t.Fatal(err)
	}

	p := &pipeline{
		conversations: conversations,
		connections:   connections,
		generator:     &fakeGenerator{reply: "A cesta mensal custa R$ 120,00."},
		sender:        &fakeSender{},
		speech:        &fakeSpeech{text: "Quero saber o preço da cesta"},
		source:        &fakeMediaSource{},
		archive:       &fakeArchive{},
		events:        &recordingPublisher{},
		tempDir:       t.TempDir(),
	}
	fetcher := newTestFetcher(t, p.source)
	fetcher.tempDir = p.tempDir

	p.svc, err = NewIngestionService(IngestionDeps{
		Conversations: conversations,
		Channels:      connections,
		Media:         fetcher,
		Transcriber:   NewTranscriber(p.speech, "whisper-1", "pt", time.Second),
		Generator:     p.generator,
		Dispatcher:    NewDispatcher(p.sender, time.Second),
		Archive:       p.archive,
		Events:        p.events,
		Dedup:         NewMemoryDeduplicator(time.Hour),
		Locks:         keylock.New(),
		HistoryLimit:  20,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func textPayload(id, text string) *evolution.WebhookPayload {
	return &evolution.WebhookPayload{
		Event:    "messages.upsert",
		Instance: testInstance,
		Data: &evolution.WebhookData{MessageEnvelope: evolution.MessageEnvelope{
			Key:      &evolution.MessageKey{RemoteJid: testJID, ID: id},
			PushName: "Maria",
			Message:  &evolution.MessageContent{Conversation: text},
		}},
	}
}

func audioPayload(id string) *evolution.WebhookPayload {
	return &evolution.WebhookPayload{
		Event:    "MESSAGES_UPSERT",
		Instance: testInstance,
		Data: &evolution.WebhookData{MessageEnvelope: evolution.MessageEnvelope{
			Key:      &evolution.MessageKey{RemoteJid: testJID, ID: id},
			PushName: "Maria",
			Message: &evolution.MessageContent{
				AudioMessage: &evolution.AudioMessage{Mimetype: "audio/ogg; codecs=opus", Seconds: 3, PTT: true},
				Base64:       base64.StdEncoding.EncodeToString(oggBytes),
			},
		}},
	}
}

func (p *pipeline) messages(t *testing.T) []models.ConversationMessage {
	t.Helper()
	convs, err := p.conversations.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) == 0 {
		return nil
	}
	msgs, err := p.conversations.GetMessages(context.Background(), convs[0].ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestIngestTextMessageReplies(t *testing.T) {
	p := newPipeline(t, true)

	result := p.svc.HandleWebhook(context.Background(), textPayload("3EB0A1", "Qual o preço da cesta mensal?"))
	if result.Dropped != nil || result.Err() != nil {
		t.Fatalf("result = %+v, err = %v", result, result.Err())
	}
	if len(result.Messages) != 1 || result.Messages[0].Disposition != DispositionReplied {
		t.Fatalf("messages = %+v", result.Messages)
	}

	msgs := p.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	user, agent := msgs[0], msgs[1]
	if user.Sender != models.SenderUser || user.Message != "Qual o preço da cesta mensal?" || user.SenderName != "Maria" || user.IsRead {
		t.Errorf("user message = %+v", user)
	}
	var meta models.MessageMetadata
	if err := json.Unmarshal(user.Metadata, &meta); err != nil || meta.GatewayMessageID != "3EB0A1" {
		t.Errorf("user metadata = %s (%v)", user.Metadata, err)
	}
	if agent.Sender != models.SenderAgent || agent.SenderName != AISenderName || agent.Message != "A cesta mensal custa R$ 120,00." {
		t.Errorf("agent message = %+v", agent)
	}
	if agent.ID <= user.ID {
		t.Error("inbound message must be stored before the reply")
	}

	sent := p.sender.messages()
	if len(sent) != 1 || sent[0].Number != testCustomer || sent[0].Instance != testInstance || sent[0].Text != agent.Message {
		t.Errorf("sent = %+v", sent)
	}
	if got := strings.Join(p.events.types(), ","); got != "conversation.created,message.created,message.created" {
		t.Errorf("events = %s", got)
	}
}

func TestIngestIgnoresOwnMessages(t *testing.T) {
	p := newPipeline(t, true)
	payload := textPayload("3EB0A2", "enviado pelo atendente")
	payload.Data.Key.FromMe = true

	result := p.svc.HandleWebhook(context.Background(), payload)
	if len(result.Messages) != 1 || result.Messages[0].Disposition != DispositionDropped {
		t.Fatalf("messages = %+v", result.Messages)
	}
	if msgs := p.messages(t); len(msgs) != 0 {
		t.Errorf("stored %d messages for fromMe event", len(msgs))
	}
	if p.generator.calls() != 0 || len(p.sender.messages()) != 0 {
		t.Error("fromMe event must not reach the generator or the gateway")
	}
}

func TestIngestAIDisabledStoresNotice(t *testing.T) {
	p := newPipeline(t, false)

	result := p.svc.HandleWebhook(context.Background(), textPayload("3EB0A3", "Oi"))
	if result.Messages[0].Disposition != DispositionStored {
		t.Fatalf("disposition = %s", result.Messages[0].Disposition)
	}
	msgs := p.messages(t)
	if len(msgs) != 2 || msgs[0].Sender != models.SenderUser || msgs[1].Sender != models.SenderSystem || msgs[1].Message != AIDisabledNotice {
		t.Fatalf("messages = %+v", msgs)
	}
	if p.generator.calls() != 0 || len(p.sender.messages()) != 0 {
		t.Error("AI disabled must not generate or dispatch")
	}
}

func TestIngestRedeliveryProcessedOnce(t *testing.T) {
	p := newPipeline(t, true)
	ctx := context.Background()

	p.svc.HandleWebhook(ctx, textPayload("3EB0A4", "Oi"))
	second := p.svc.HandleWebhook(ctx, textPayload("3EB0A4", "Oi"))

	if second.Messages[0].Disposition != DispositionDropped || second.Messages[0].Reason != "duplicate delivery" {
		t.Errorf("redelivery = %+v", second.Messages[0])
	}
	if msgs := p.messages(t); len(msgs) != 2 {
		t.Errorf("stored %d messages, want 2", len(msgs))
	}
	if p.generator.calls() != 1 || len(p.sender.messages()) != 1 {
		t.Errorf("generator calls = %d, sends = %d", p.generator.calls(), len(p.sender.messages()))
	}
}

func TestIngestRedeliveryAfterLockTimeoutIsProcessed(t *testing.T) {
	p := newPipeline(t, true)

	unlock, err := p.svc.locks.Lock(context.Background(), models.ConversationKey(testInstance, testCustomer))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	first := p.svc.HandleWebhook(ctx, textPayload("3EB0B1", "Oi"))
	cancel()
	unlock()

	if first.Messages[0].Disposition != DispositionFailed {
		t.Fatalf("first delivery = %+v", first.Messages[0])
	}
	if msgs := p.messages(t); len(msgs) != 0 {
		t.Fatalf("stored %d messages after a failed delivery, want 0", len(msgs))
	}

	second := p.svc.HandleWebhook(context.Background(), textPayload("3EB0B1", "Oi"))
	if second.Messages[0].Disposition != DispositionReplied {
		t.Fatalf("redelivery = %+v, err = %v", second.Messages[0], second.Err())
	}
	if msgs := p.messages(t); len(msgs) != 2 {
		t.Errorf("stored %d messages, want 2", len(msgs))
	}
	if len(p.sender.messages()) != 1 {
		t.Errorf("sends = %d, want 1", len(p.sender.messages()))
	}
}

func TestIngestAudioMessage(t *testing.T) {
	p := newPipeline(t, true)

	result := p.svc.HandleWebhook(context.Background(), audioPayload("3EB0A5"))
	if result.Err() != nil || result.Messages[0].Disposition != DispositionReplied {
		t.Fatalf("result = %+v, err = %v", result.Messages, result.Err())
	}

	msgs := p.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	user := msgs[0]
	if user.MessageType != models.MessageTypeAudio || user.Message != "Quero saber o preço da cesta" {
		t.Errorf("audio message = %+v", user)
	}
	if user.MediaURL == nil || !strings.Contains(*user.MediaURL, "3EB0A5") {
		t.Errorf("media url = %v", user.MediaURL)
	}
	if p.generator.messages[0] != "Quero saber o preço da cesta" {
		t.Errorf("generator got %q", p.generator.messages[0])
	}

	entries, err := os.ReadDir(p.tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 || len(p.speech.paths) != 1 {
		t.Errorf("temp files left = %d, transcriptions = %d", len(entries), len(p.speech.paths))
	}
}

func TestIngestAudioFailureSendsApology(t *testing.T) {
	p := newPipeline(t, true)
	p.speech.err = errors.New("provider unavailable")

	result := p.svc.HandleWebhook(context.Background(), audioPayload("3EB0A6"))
	if result.Messages[0].Disposition != DispositionApologized {
		t.Fatalf("disposition = %s", result.Messages[0].Disposition)
	}
	if !errors.Is(result.Err(), ErrTranscriptionFailed) {
		t.Errorf("Err() = %v, want ErrTranscriptionFailed", result.Err())
	}

	sent := p.sender.messages()
	if len(sent) != 1 || sent[0].Text != AudioApology || sent[0].Number != testCustomer {
		t.Errorf("sent = %+v", sent)
	}
	if convs, _ := p.conversations.ListConversations(context.Background()); len(convs) != 0 {
		t.Errorf("failed audio created %d conversations", len(convs))
	}
	if p.generator.calls() != 0 {
		t.Error("failed audio must not reach the generator")
	}
	if entries, _ := os.ReadDir(p.tempDir); len(entries) != 0 {
		t.Errorf("temp files left = %d", len(entries))
	}
}

func TestIngestReopensClosedConversation(t *testing.T) {
	p := newPipeline(t, true)
	ctx := context.Background()

	p.svc.HandleWebhook(ctx, textPayload("3EB0A7", "Oi"))
	convs, _ := p.conversations.ListConversations(ctx)
	if _, err := p.conversations.UpdateStatus(ctx, convs[0].ID, models.StatusClosed); err != nil {
		t.Fatal(err)
	}

	p.svc.HandleWebhook(ctx, textPayload("3EB0A8", "Voltei"))
	conv, err := p.conversations.GetConversation(ctx, convs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != models.StatusOpen {
		t.Errorf("status = %s, want open", conv.Status)
	}
	if all, _ := p.conversations.ListConversations(ctx); len(all) != 1 {
		t.Errorf("conversations = %d, want 1", len(all))
	}

	var changed *events.Event
	for _, e := range p.events.events {
		if e.Type == events.TypeConversationStatusChanged {
			changed = e
		}
	}
	if changed == nil || !strings.Contains(string(changed.Data), `"to":"open"`) {
		t.Errorf("status change event = %+v", changed)
	}
}

func TestIngestHistoryExcludesCurrentMessage(t *testing.T) {
	p := newPipeline(t, true)
	ctx := context.Background()

	p.svc.HandleWebhook(ctx, textPayload("3EB0A9", "Oi"))
	p.generator.reply = "Temos entregas às terças."
	p.svc.HandleWebhook(ctx, textPayload("3EB0AA", "Quando vocês entregam?"))

	history := p.generator.history[1]
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Sender != models.SenderUser || history[0].Text != "Oi" || history[1].Sender != models.SenderAgent {
		t.Errorf("history = %+v", history)
	}
}

func TestIngestDropsUnknownOrInactiveChannel(t *testing.T) {
	p := newPipeline(t, true)
	ctx := context.Background()

	payload := textPayload("3EB0AB", "Oi")
	payload.Instance = "outra-loja"
	result := p.svc.HandleWebhook(ctx, payload)
	if !errors.Is(result.Dropped, ErrUnknownChannel) {
		t.Errorf("Dropped = %v, want ErrUnknownChannel", result.Dropped)
	}

	inactive := &models.WhatsAppConnection{Name: "Pausada", InstanceName: "pausada"}
	if err := p.connections.Create(ctx, inactive); err != nil {
		t.Fatal(err)
	}
	payload = textPayload("3EB0AC", "Oi")
	payload.Instance = "pausada"
	result = p.svc.HandleWebhook(ctx, payload)
	if !errors.Is(result.Dropped, ErrUnknownChannel) {
		t.Errorf("inactive Dropped = %v, want ErrUnknownChannel", result.Dropped)
	}

	if msgs := p.messages(t); len(msgs) != 0 {
		t.Errorf("stored %d messages for unknown channels", len(msgs))
	}
	if len(p.sender.messages()) != 0 {
		t.Error("unknown channel must not dispatch")
	}
}

func TestIngestMalformedAndIgnoredEvents(t *testing.T) {
	p := newPipeline(t, true)
	ctx := context.Background()

	if result := p.svc.HandleWebhook(ctx, nil); !errors.Is(result.Dropped, ErrMalformedEvent) {
		t.Errorf("nil payload Dropped = %v", result.Dropped)
	}
	noKey := &evolution.WebhookPayload{Event: "messages.upsert", Instance: testInstance, Data: &evolution.WebhookData{}}
	if result := p.svc.HandleWebhook(ctx, noKey); !errors.Is(result.Dropped, ErrMalformedEvent) {
		t.Errorf("missing key Dropped = %v", result.Dropped)
	}
	status := &evolution.WebhookPayload{Event: "CONNECTION_UPDATE", Instance: testInstance, Data: &evolution.WebhookData{}}
	if result := p.svc.HandleWebhook(ctx, status); !errors.Is(result.Dropped, evolution.ErrIgnoredEvent) {
		t.Errorf("connection.update Dropped = %v", result.Dropped)
	}
	if msgs := p.messages(t); len(msgs) != 0 {
		t.Errorf("stored %d messages", len(msgs))
	}
}

func TestIngestLogsUnrecognizedEventsAsWarnings(t *testing.T) {
	p := newPipeline(t, true)

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	defer func() { log.Logger = prev }()

	cases := []struct {
		event string
		level string
	}{
		{"CONNECTION_UPDATE", "debug"},
		{"presence.update", "debug"},
		{"totally.made.up", "warn"},
	}
	for _, tc := range cases {
		buf.Reset()
		result := p.svc.HandleWebhook(context.Background(), &evolution.WebhookPayload{Event: tc.event, Instance: testInstance})
		if !errors.Is(result.Dropped, evolution.ErrIgnoredEvent) {
			t.Errorf("%s: Dropped = %v", tc.event, result.Dropped)
		}
		var entry struct {
			Level string `json:"level"`
			Event string `json:"event"`
		}
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("%s: log line %q: %v", tc.event, buf.String(), err)
		}
		if entry.Level != tc.level || entry.Event != tc.event {
			t.Errorf("%s: logged %+v, want level %s", tc.event, entry, tc.level)
		}
	}
}

func TestIngestDispatchFailureKeepsReply(t *testing.T) {
	p := newPipeline(t, true)
	p.sender.err = errors.New("gateway down")

	result := p.svc.HandleWebhook(context.Background(), textPayload("3EB0AD", "Oi"))
	if !errors.Is(result.Err(), ErrDispatchFailed) {
		t.Errorf("Err() = %v, want ErrDispatchFailed", result.Err())
	}
	msgs := p.messages(t)
	if len(msgs) != 2 || msgs[1].Sender != models.SenderAgent {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestIngestGenerationFailureKeepsInbound(t *testing.T) {
	p := newPipeline(t, true)
	p.generator.err = errors.New("timeout")

	result := p.svc.HandleWebhook(context.Background(), textPayload("3EB0AE", "Oi"))
	if !errors.Is(result.Err(), ErrGenerationFailed) {
		t.Errorf("Err() = %v, want ErrGenerationFailed", result.Err())
	}
	msgs := p.messages(t)
	if len(msgs) != 1 || msgs[0].Sender != models.SenderUser {
		t.Errorf("messages = %+v", msgs)
	}
	if len(p.sender.messages()) != 0 {
		t.Error("nothing should be dispatched when generation fails")
	}
}
