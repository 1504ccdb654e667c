package evolution

import (
	"fmt"
	"strings"
)

// WebhookPayload is the body Evolution API posts to the webhook URL.
type WebhookPayload struct {
	Event       string       `json:"event"`
	Instance    string       `json:"instance"`
	Data        *WebhookData `json:"data"`
	Destination string       `json:"destination,omitempty"`
	DateTime    string       `json:"date_time,omitempty"`
	Sender      string       `json:"sender,omitempty"`
	ServerURL   string       `json:"server_url,omitempty"`
}

// WebhookData carries either a single message envelope (the usual
// messages.upsert shape) or a batch under "messages".
type WebhookData struct {
	MessageEnvelope
	Messages []MessageEnvelope `json:"messages,omitempty"`
}

// MessageEnvelope is one WhatsApp message as relayed by the gateway.
type MessageEnvelope struct {
	Key         *MessageKey     `json:"key,omitempty"`
	PushName    string          `json:"pushName,omitempty"`
	Message     *MessageContent `json:"message,omitempty"`
	MessageType string          `json:"messageType,omitempty"`
}

type MessageKey struct {
	RemoteJid   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// MessageContent holds the content variants relevant to the store. Base64 is
// filled when the instance has "webhook base64" enabled.
type MessageContent struct {
	Conversation        string               `json:"conversation,omitempty"`
	ExtendedTextMessage *ExtendedTextMessage `json:"extendedTextMessage,omitempty"`
	AudioMessage        *AudioMessage        `json:"audioMessage,omitempty"`
	Base64              string               `json:"base64,omitempty"`
}

type ExtendedTextMessage struct {
	Text string `json:"text"`
}

type AudioMessage struct {
	URL      string `json:"url,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	Seconds  int    `json:"seconds,omitempty"`
	PTT      bool   `json:"ptt,omitempty"`
}

// SendTextRequest is the body of POST /message/sendText/{instance}.
type SendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// SendTextResponse is the subset of the gateway answer we keep.
type SendTextResponse struct {
	Key              MessageKey `json:"key"`
	Status           string     `json:"status,omitempty"`
	MessageTimestamp any        `json:"messageTimestamp,omitempty"`
}

// MediaRequest is the body of POST /chat/getBase64FromMediaMessage/{instance}.
type MediaRequest struct {
	Message      MediaRequestMessage `json:"message"`
	ConvertToMp4 bool                `json:"convertToMp4"`
}

type MediaRequestMessage struct {
	Key MediaRequestKey `json:"key"`
}

type MediaRequestKey struct {
	ID string `json:"id"`
}

// MediaResponse is the decoded media returned by the gateway.
type MediaResponse struct {
	MediaType string `json:"mediaType,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	Mimetype  string `json:"mimetype"`
	Base64    string `json:"base64"`
}

// ErrorResponse is the error body Evolution API returns.
type ErrorResponse struct {
	Status   int    `json:"status"`
	Error    string `json:"error"`
	Response struct {
		Message any `json:"message"`
	} `json:"response"`
}

// Message returns the most specific description in the body. The gateway sends
// response.message as a string or as a list of strings.
func (e *ErrorResponse) Message() string {
	switch m := e.Response.Message.(type) {
	case string:
		if m != "" {
			return m
		}
	case []any:
		parts := make([]string, 0, len(m))
		for _, v := range m {
			parts = append(parts, fmt.Sprint(v))
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	return e.Error
}
