package evolution

import (
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

var (
	// ErrMalformedPayload means required fields are missing.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrIgnoredEvent means the event type carries no inbound message.
	ErrIgnoredEvent = errors.New("event type not handled")
	// ErrUnsupportedChat is returned for group, broadcast and newsletter chats.
	ErrUnsupportedChat = errors.New("unsupported chat type")
)

// ContentKind tags which content variant an inbound message carries.
type ContentKind int

const (
	ContentUnknown ContentKind = iota
	ContentText
	ContentAudio
)

func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentAudio:
		return "audio"
	}
	return "unknown"
}

// InboundMessage is a gateway envelope reduced to what the pipeline needs.
// Kind decides which of Text or Audio is meaningful.
type InboundMessage struct {
	ID          string
	RemoteJID   string
	CustomerID  string // normalized identifier the conversation is keyed on
	DisplayName string
	FromMe      bool
	Kind        ContentKind
	Text        string
	Audio       *AudioRef
}

// AudioRef points at a voice note. Inline holds the base64 content when the
// gateway already sent it.
type AudioRef struct {
	Mimetype string
	Seconds  int
	Inline   string
}

// InboundEvent is a parsed messages.upsert event.
type InboundEvent struct {
	Instance string
	Messages []InboundMessage
	Skipped  int // envelopes dropped as unparsable or from unsupported chats
}

// ParseWebhook validates a payload and converts its envelopes. Payloads that
// are not messages.upsert return ErrIgnoredEvent; missing required fields
// return ErrMalformedPayload.
func ParseWebhook(p *WebhookPayload) (*InboundEvent, error) {
	if p == nil || strings.TrimSpace(p.Event) == "" {
		return nil, fmt.Errorf("missing event: %w", ErrMalformedPayload)
	}
	if NormalizeEvent(p.Event) != EventMessagesUpsert {
		return nil, fmt.Errorf("%s: %w", p.Event, ErrIgnoredEvent)
	}
	if strings.TrimSpace(p.Instance) == "" {
		return nil, fmt.Errorf("missing instance: %w", ErrMalformedPayload)
	}
	if p.Data == nil {
		return nil, fmt.Errorf("missing data: %w", ErrMalformedPayload)
	}

	envelopes := p.Data.Messages
	if p.Data.Key != nil {
		envelopes = append([]MessageEnvelope{p.Data.MessageEnvelope}, envelopes...)
	}
	if len(envelopes) == 0 {
		return nil, fmt.Errorf("no message envelopes: %w", ErrMalformedPayload)
	}

	event := &InboundEvent{Instance: p.Instance}
	for _, env := range envelopes {
		msg, err := ParseEnvelope(env)
		if err != nil {
			event.Skipped++
			continue
		}
		event.Messages = append(event.Messages, *msg)
	}
	if len(event.Messages) == 0 && event.Skipped > 0 && allMalformed(envelopes) {
		return nil, fmt.Errorf("no valid envelopes: %w", ErrMalformedPayload)
	}
	return event, nil
}

func allMalformed(envelopes []MessageEnvelope) bool {
	for _, env := range envelopes {
		if env.Key != nil && env.Key.RemoteJid != "" && env.Key.ID != "" {
			return false
		}
	}
	return true
}

// ParseEnvelope decides the content variant of one envelope.
func ParseEnvelope(env MessageEnvelope) (*InboundMessage, error) {
	if env.Key == nil || env.Key.RemoteJid == "" || env.Key.ID == "" {
		return nil, fmt.Errorf("missing key fields: %w", ErrMalformedPayload)
	}
	customer, err := NormalizeJID(env.Key.RemoteJid)
	if err != nil {
		return nil, err
	}

	msg := &InboundMessage{
		ID:          env.Key.ID,
		RemoteJID:   env.Key.RemoteJid,
		CustomerID:  customer,
		DisplayName: strings.TrimSpace(env.PushName),
		FromMe:      env.Key.FromMe,
	}
	if msg.DisplayName == "" {
		msg.DisplayName = customer
	}

	content := env.Message
	switch {
	case content == nil:
		msg.Kind = ContentUnknown
	case content.Conversation != "":
		msg.Kind = ContentText
		msg.Text = content.Conversation
	case content.ExtendedTextMessage != nil && content.ExtendedTextMessage.Text != "":
		msg.Kind = ContentText
		msg.Text = content.ExtendedTextMessage.Text
	case content.AudioMessage != nil:
		msg.Kind = ContentAudio
		msg.Audio = &AudioRef{
			Mimetype: content.AudioMessage.Mimetype,
			Seconds:  content.AudioMessage.Seconds,
			Inline:   content.Base64,
		}
	default:
		msg.Kind = ContentUnknown
	}
	return msg, nil
}

// NormalizeJID turns a remote JID into the customer identifier: the phone
// number for regular users (device suffix dropped) and the bare JID for
// hidden-user (lid) addresses.
func NormalizeJID(remoteJid string) (string, error) {
	jid, err := types.ParseJID(remoteJid)
	if err != nil {
		return "", fmt.Errorf("invalid jid %q: %w", remoteJid, ErrMalformedPayload)
	}
	switch jid.Server {
	case types.DefaultUserServer, types.LegacyUserServer:
		if jid.User == "" {
			return "", fmt.Errorf("empty user in jid %q: %w", remoteJid, ErrMalformedPayload)
		}
		return jid.User, nil
	case types.HiddenUserServer:
		return jid.ToNonAD().String(), nil
	case types.GroupServer, types.BroadcastServer, types.NewsletterServer:
		return "", fmt.Errorf("%s: %w", jid.Server, ErrUnsupportedChat)
	}
	return "", fmt.Errorf("server %q: %w", jid.Server, ErrUnsupportedChat)
}
