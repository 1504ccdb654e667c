package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func decodePayload(t *testing.T, body string) *WebhookPayload {
	t.Helper()
	var p WebhookPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &p
}

func TestParseWebhookText(t *testing.T) {
	p := decodePayload(t, `{
		"event": "MESSAGES_UPSERT",
		"instance": "hortibless",
		"data": {
			"key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": false, "id": "3EB0A1"},
			"pushName": "Maria",
			"message": {"conversation": "Qual o preço da cesta mensal?"}
		}
	}`)

	event, err := ParseWebhook(p)
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if event.Instance != "hortibless" || len(event.Messages) != 1 {
		t.Fatalf("event = %+v", event)
	}
	msg := event.Messages[0]
	if msg.Kind != ContentText || msg.Text != "Qual o preço da cesta mensal?" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.CustomerID != "5511999999999" || msg.DisplayName != "Maria" || msg.ID != "3EB0A1" {
		t.Errorf("sender fields = %+v", msg)
	}
}

func TestParseWebhookVariants(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantKind ContentKind
		wantText string
	}{
		{
			name:     "extended text",
			body:     `{"event":"messages.upsert","instance":"i","data":{"key":{"remoteJid":"5511@s.whatsapp.net","id":"a"},"message":{"extendedTextMessage":{"text":"oi"}}}}`,
			wantKind: ContentText,
			wantText: "oi",
		},
		{
			name:     "audio",
			body:     `{"event":"messages-upsert","instance":"i","data":{"key":{"remoteJid":"5511@s.whatsapp.net","id":"b"},"message":{"audioMessage":{"mimetype":"audio/ogg; codecs=opus","seconds":4},"base64":"T2dnUw=="}}}`,
			wantKind: ContentAudio,
		},
		{
			name:     "sticker is unknown",
			body:     `{"event":"messages.upsert","instance":"i","data":{"key":{"remoteJid":"5511@s.whatsapp.net","id":"c"},"message":{"stickerMessage":{}}}}`,
			wantKind: ContentUnknown,
		},
		{
			name:     "batch form",
			body:     `{"event":"messages.upsert","instance":"i","data":{"messages":[{"key":{"remoteJid":"5511@s.whatsapp.net","id":"d"},"message":{"conversation":"batch"}}]}}`,
			wantKind: ContentText,
			wantText: "batch",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := ParseWebhook(decodePayload(t, tt.body))
			if err != nil {
				t.Fatalf("ParseWebhook() error = %v", err)
			}
			if len(event.Messages) != 1 {
				t.Fatalf("messages = %d", len(event.Messages))
			}
			msg := event.Messages[0]
			if msg.Kind != tt.wantKind || msg.Text != tt.wantText {
				t.Errorf("got kind=%v text=%q", msg.Kind, msg.Text)
			}
			if tt.wantKind == ContentAudio && (msg.Audio == nil || msg.Audio.Inline != "T2dnUw==" || msg.Audio.Seconds != 4) {
				t.Errorf("audio = %+v", msg.Audio)
			}
		})
	}
}

func TestParseWebhookRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"no event", `{"instance":"i","data":{}}`, ErrMalformedPayload},
		{"other event", `{"event":"connection.update","instance":"i","data":{"state":"open"}}`, ErrIgnoredEvent},
		{"no instance", `{"event":"messages.upsert","data":{"key":{"remoteJid":"1@s.whatsapp.net","id":"x"}}}`, ErrMalformedPayload},
		{"no data", `{"event":"messages.upsert","instance":"i"}`, ErrMalformedPayload},
		{"no key", `{"event":"messages.upsert","instance":"i","data":{"message":{"conversation":"x"}}}`, ErrMalformedPayload},
		{"key without jid", `{"event":"messages.upsert","instance":"i","data":{"messages":[{"key":{"id":"x"}}]}}`, ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseWebhook(decodePayload(t, tt.body)); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseWebhookSkipsGroupChats(t *testing.T) {
	p := decodePayload(t, `{"event":"messages.upsert","instance":"i","data":{"key":{"remoteJid":"120363000000@g.us","id":"g"},"message":{"conversation":"hi all"}}}`)
	event, err := ParseWebhook(p)
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if len(event.Messages) != 0 || event.Skipped != 1 {
		t.Fatalf("event = %+v, want one skipped envelope", event)
	}
}

func TestNormalizeJID(t *testing.T) {
	tests := map[string]string{
		"5511999999999@s.whatsapp.net":    "5511999999999",
		"5511999999999:12@s.whatsapp.net": "5511999999999",
		"5511999999999@c.us":              "5511999999999",
		"123456789@lid":                   "123456789@lid",
	}
	for in, want := range tests {
		got, err := NormalizeJID(in)
		if err != nil {
			t.Errorf("NormalizeJID(%q) error = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizeJID(%q) = %q, want %q", in, got, want)
		}
	}
	for _, in := range []string{"status@broadcast", "120363000000@g.us"} {
		if _, err := NormalizeJID(in); !errors.Is(err, ErrUnsupportedChat) {
			t.Errorf("NormalizeJID(%q) error = %v, want ErrUnsupportedChat", in, err)
		}
	}
}

func TestNormalizeEvent(t *testing.T) {
	for _, in := range []string{"MESSAGES_UPSERT", "messages-upsert", " messages.upsert "} {
		if got := NormalizeEvent(in); got != EventMessagesUpsert {
			t.Errorf("NormalizeEvent(%q) = %q", in, got)
		}
	}
	if !IsKnownEvent("CONNECTION_UPDATE") || IsKnownEvent("made.up") {
		t.Error("IsKnownEvent mismatch")
	}
}

func TestClientSendText(t *testing.T) {
	var gotBody SendTextRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message/sendText/hortibless" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "secret" {
			t.Errorf("apikey header = %q", r.Header.Get("apikey"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"key":{"remoteJid":"5511999999999@s.whatsapp.net","fromMe":true,"id":"OUT1"},"status":"PENDING"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "secret", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.SendText(context.Background(), "hortibless", "5511999999999", "Olá!")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if resp.Key.ID != "OUT1" {
		t.Errorf("Key.ID = %q", resp.Key.ID)
	}
	if gotBody.Number != "5511999999999" || gotBody.Text != "Olá!" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestClientSendTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":400,"error":"Bad Request"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "secret", time.Second)
	_, err := c.SendText(context.Background(), "hortibless", "1", "x")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("SendText() error = %v, want status 400 error", err)
	}
}

func TestClientSendTextErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":400,"error":"Bad Request","response":{"message":[{"exists":false,"jid":"1@s.whatsapp.net","number":"1"}]}}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "secret", time.Second)
	_, err := c.SendText(context.Background(), "hortibless", "1", "x")
	if err == nil || !strings.Contains(err.Error(), "exists:false") {
		t.Fatalf("SendText() error = %v, want the gateway message", err)
	}

	srv404 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status":404,"error":"Not Found","response":{"message":"The \"hortibless\" instance does not exist"}}`))
	}))
	defer srv404.Close()

	c, _ = NewClient(srv404.URL, "secret", time.Second)
	_, err = c.GetBase64FromMediaMessage(context.Background(), "hortibless", "3EB0")
	if err == nil || !strings.Contains(err.Error(), "instance does not exist") {
		t.Fatalf("GetBase64FromMediaMessage() error = %v", err)
	}
}

func TestErrorResponseMessage(t *testing.T) {
	var e ErrorResponse
	if err := json.Unmarshal([]byte(`{"status":401,"error":"Unauthorized","response":{}}`), &e); err != nil {
		t.Fatal(err)
	}
	if e.Message() != "Unauthorized" {
		t.Errorf("Message() = %q, want the error field", e.Message())
	}
	if err := json.Unmarshal([]byte(`{"status":400,"error":"Bad Request","response":{"message":["a","b"]}}`), &e); err != nil {
		t.Fatal(err)
	}
	if e.Message() != "a; b" {
		t.Errorf("Message() = %q", e.Message())
	}
}

func TestClientGetBase64FromMediaMessage(t *testing.T) {
	var gotBody MediaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/getBase64FromMediaMessage/hortibless" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"mediaType":"audioMessage","mimetype":"audio/ogg; codecs=opus","base64":"T2dnUw=="}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "secret", time.Second)
	media, err := c.GetBase64FromMediaMessage(context.Background(), "hortibless", "3EB0A1")
	if err != nil {
		t.Fatalf("GetBase64FromMediaMessage() error = %v", err)
	}
	if media.Base64 != "T2dnUw==" || media.Mimetype != "audio/ogg; codecs=opus" {
		t.Errorf("media = %+v", media)
	}
	if gotBody.Message.Key.ID != "3EB0A1" || gotBody.ConvertToMp4 {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestNewClientValidates(t *testing.T) {
	if _, err := NewClient("", "k", 0); err == nil {
		t.Error("empty base URL accepted")
	}
	if _, err := NewClient("http://x", "", 0); err == nil {
		t.Error("empty api key accepted")
	}
}
