package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Conversation event types.
const (
	TypeConversationCreated       = "conversation.created"
	TypeConversationStatusChanged = "conversation.status_changed"
	TypeMessageCreated            = "message.created"
)

// Event is a conversation change published to downstream consumers.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	InstanceName   string          `json:"instanceName"`
	ConversationID int64           `json:"conversationId"`
	Data           json.RawMessage `json:"data"`
	OccurredAt     time.Time       `json:"occurredAt"`
}

// New builds an event with a fresh id. data is marshalled to JSON; a value
// that cannot be marshalled yields an event with null data.
func New(eventType, instance string, conversationID int64, data any) *Event {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return &Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		InstanceName:   instance,
		ConversationID: conversationID,
		Data:           raw,
		OccurredAt:     time.Now().UTC(),
	}
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event *Event) error
}
