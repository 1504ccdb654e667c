package models

import (
	"time"

	"gorm.io/datatypes"
)

// Conversation statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusClosed     = "closed"
)

// Message senders.
const (
	SenderUser   = "user"
	SenderAgent  = "agent"
	SenderSystem = "system"
)

// Message content types.
const (
	MessageTypeText  = "text"
	MessageTypeAudio = "audio"
)

// ChannelWhatsApp is the only channel conversations are opened on.
const ChannelWhatsApp = "whatsapp"

// ValidStatus reports whether s is a known conversation status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusClosed:
		return true
	}
	return false
}

// Conversation is one customer thread on one gateway instance.
// (InstanceName, CustomerWhatsapp) is unique.
type Conversation struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" db:"id" json:"id"`
	InstanceName     string     `gorm:"column:instance_name;size:191;not null;uniqueIndex:idx_conversation_customer" db:"instance_name" json:"instanceName"`
	CustomerWhatsapp string     `gorm:"column:customer_whatsapp;size:191;not null;uniqueIndex:idx_conversation_customer" db:"customer_whatsapp" json:"customerWhatsapp"`
	CustomerName     string     `gorm:"column:customer_name;size:255" db:"customer_name" json:"customerName"`
	Status           string     `gorm:"column:status;size:32;not null;default:open;index" db:"status" json:"status"`
	Channel          string     `gorm:"column:channel;size:32;not null;default:whatsapp" db:"channel" json:"channel"`
	LastMessageAt    *time.Time `gorm:"column:last_message_at;index" db:"last_message_at" json:"lastMessageAt"`
	CreatedAt        time.Time  `gorm:"column:created_at" db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `gorm:"column:updated_at" db:"updated_at" json:"updatedAt"`
}

func (Conversation) TableName() string { return "conversations" }

// Key is the serialization key for work on this conversation.
func (c *Conversation) Key() string {
	return ConversationKey(c.InstanceName, c.CustomerWhatsapp)
}

// ConversationKey builds the per-conversation lock key.
func ConversationKey(instance, customer string) string {
	return instance + "|" + customer
}

// ConversationMessage is an append-only entry in a conversation.
type ConversationMessage struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" db:"id" json:"id"`
	ConversationID int64          `gorm:"column:conversation_id;not null;index" db:"conversation_id" json:"conversationId"`
	Sender         string         `gorm:"column:sender;size:16;not null" db:"sender" json:"sender"`
	SenderName     string         `gorm:"column:sender_name;size:255" db:"sender_name" json:"senderName"`
	Message        string         `gorm:"column:message;type:text;not null" db:"message" json:"message"`
	MessageType    string         `gorm:"column:message_type;size:16;not null;default:text" db:"message_type" json:"messageType"`
	MediaURL       *string        `gorm:"column:media_url;type:text" db:"media_url" json:"mediaUrl"`
	IsRead         bool           `gorm:"column:is_read;not null;default:false" db:"is_read" json:"isRead"`
	Metadata       datatypes.JSON `gorm:"column:metadata;not null" db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at" db:"created_at" json:"createdAt"`
}

func (ConversationMessage) TableName() string { return "conversation_messages" }

// MessageMetadata is the structured content of ConversationMessage.Metadata.
type MessageMetadata struct {
	GatewayMessageID string `json:"gatewayMessageId,omitempty"`
	MimeType         string `json:"mimeType,omitempty"`
	Author           string `json:"author,omitempty"` // "ai" or "human" for agent messages
}

// Message authors recorded in metadata.
const (
	AuthorAI    = "ai"
	AuthorHuman = "human"
)

// WhatsAppConnection is a gateway instance registered for the store, with its
// AI settings. Instances are created on the gateway side.
type WhatsAppConnection struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name          string    `gorm:"size:255;not null" json:"name"`
	PhoneNumber   string    `gorm:"size:32" json:"phoneNumber"`
	InstanceName  string    `gorm:"size:191;not null;uniqueIndex" json:"instanceName"`
	Status        string    `gorm:"size:32;not null;default:disconnected" json:"status"`
	IsActive      bool      `gorm:"not null" json:"isActive"`
	AIEnabled     bool      `gorm:"column:ai_enabled;not null" json:"aiEnabled"`
	AIModel       string    `gorm:"column:ai_model;size:100" json:"aiModel"`
	AITemperature string    `gorm:"column:ai_temperature;size:16" json:"aiTemperature"`
	AIMaxTokens   int       `gorm:"column:ai_max_tokens" json:"aiMaxTokens"`
	AIPrompt      string    `gorm:"column:ai_prompt;type:text" json:"aiPrompt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (WhatsAppConnection) TableName() string { return "whatsapp_connections" }

// AIConfig is the per-channel generation setup.
type AIConfig struct {
	Enabled     bool   `json:"aiEnabled"`
	Model       string `json:"aiModel"`
	Temperature string `json:"aiTemperature"`
	MaxTokens   int    `json:"aiMaxTokens"`
	Prompt      string `json:"aiPrompt"`
}

// AIConfig extracts the AI settings of the connection.
func (c *WhatsAppConnection) AIConfig() AIConfig {
	return AIConfig{
		Enabled:     c.AIEnabled,
		Model:       c.AIModel,
		Temperature: c.AITemperature,
		MaxTokens:   c.AIMaxTokens,
		Prompt:      c.AIPrompt,
	}
}

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{&WhatsAppConnection{}, &Conversation{}, &ConversationMessage{}}
}
