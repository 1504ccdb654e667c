package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"github.com/halarumdigital/site-hortibless-sub000/internal/models"
)

var (
	// ErrNotFound is returned when a conversation or connection does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidStatus is returned for a status outside open/in_progress/closed.
	ErrInvalidStatus = errors.New("invalid conversation status")
)

const conversationColumns = `id, instance_name, customer_whatsapp, customer_name, status, channel,
	last_message_at, created_at, updated_at`

const messageColumns = `id, conversation_id, sender, sender_name, message, message_type,
	media_url, is_read, metadata, created_at`

// NewMessage is the input of AppendMessage.
type NewMessage struct {
	ConversationID int64
	Sender         string
	SenderName     string
	Text           string
	MessageType    string
	MediaURL       *string
	Metadata       datatypes.JSON
}

// ConversationStore persists conversations and their messages with sqlx.
// Callers serialize writes per conversation; the unique index on
// (instance_name, customer_whatsapp) guards creation across processes.
type ConversationStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewConversationStore(db *sqlx.DB) (*ConversationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle cannot be nil for ConversationStore")
	}
	return &ConversationStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateOrGetConversation returns the conversation for (instance, customer),
// creating it with status open when absent. created reports whether this call
// inserted it. A known display name fills in an empty customer_name.
func (s *ConversationStore) CreateOrGetConversation(ctx context.Context, instance, customer, displayName string) (*models.Conversation, bool, error) {
	if instance == "" || customer == "" {
		return nil, false, fmt.Errorf("instance and customer are required")
	}
	if displayName == "" {
		displayName = customer
	}

	now := s.now()
	insert := s.db.Rebind(`INSERT INTO conversations
		(instance_name, customer_whatsapp, customer_name, status, channel, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_name, customer_whatsapp) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, insert, instance, customer, displayName, models.StatusOpen, models.ChannelWhatsApp, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read insert result: %w", err)
	}
	created := affected > 0

	conv, err := s.getByKey(ctx, instance, customer)
	if err != nil {
		return nil, false, err
	}

	if !created && conv.CustomerName == conv.CustomerWhatsapp && displayName != customer {
		update := s.db.Rebind(`UPDATE conversations SET customer_name = ?, updated_at = ? WHERE id = ?`)
		if _, err := s.db.ExecContext(ctx, update, displayName, now, conv.ID); err != nil {
			log.Warn().Err(err).Int64("conversationID", conv.ID).Msg("Could not update customer name")
		} else {
			conv.CustomerName = displayName
			conv.UpdatedAt = now
		}
	}

	if created {
		log.Info().Int64("conversationID", conv.ID).Str("instance", instance).Str("customer", customer).Msg("Conversation created")
	}
	return conv, created, nil
}

func (s *ConversationStore) getByKey(ctx context.Context, instance, customer string) (*models.Conversation, error) {
	var conv models.Conversation
	query := s.db.Rebind(`SELECT ` + conversationColumns + ` FROM conversations
		WHERE instance_name = ? AND customer_whatsapp = ?`)
	if err := s.db.GetContext(ctx, &conv, query, instance, customer); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s/%s: %w", instance, customer, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &conv, nil
}

// GetConversation loads a conversation by id.
func (s *ConversationStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var conv models.Conversation
	query := s.db.Rebind(`SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`)
	if err := s.db.GetContext(ctx, &conv, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load conversation %d: %w", id, err)
	}
	return &conv, nil
}

// ListConversations returns every conversation, most recent activity first.
func (s *ConversationStore) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	convs := []models.Conversation{}
	query := `SELECT ` + conversationColumns + ` FROM conversations
		ORDER BY CASE WHEN last_message_at IS NULL THEN 1 ELSE 0 END, last_message_at DESC, id DESC`
	if err := s.db.SelectContext(ctx, &convs, query); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// AppendMessage adds a message and bumps the conversation's last_message_at.
func (s *ConversationStore) AppendMessage(ctx context.Context, in NewMessage) (*models.ConversationMessage, error) {
	switch in.Sender {
	case models.SenderUser, models.SenderAgent, models.SenderSystem:
	default:
		return nil, fmt.Errorf("invalid sender %q", in.Sender)
	}
	if in.MessageType == "" {
		in.MessageType = models.MessageTypeText
	}
	if len(in.Metadata) == 0 {
		in.Metadata = datatypes.JSON("{}")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`), now, now, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("conversation %d: %w", in.ConversationID, ErrNotFound)
	}

	msg := &models.ConversationMessage{
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		SenderName:     in.SenderName,
		Message:        in.Text,
		MessageType:    in.MessageType,
		MediaURL:       in.MediaURL,
		IsRead:         in.Sender != models.SenderUser,
		Metadata:       in.Metadata,
		CreatedAt:      now,
	}
	insert := tx.Rebind(`INSERT INTO conversation_messages
		(conversation_id, sender, sender_name, message, message_type, media_url, is_read, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	if err := tx.QueryRowxContext(ctx, insert,
		msg.ConversationID, msg.Sender, msg.SenderName, msg.Message, msg.MessageType,
		msg.MediaURL, msg.IsRead, msg.Metadata, msg.CreatedAt,
	).Scan(&msg.ID); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	log.Debug().
		Int64("conversationID", msg.ConversationID).
		Int64("messageID", msg.ID).
		Str("sender", msg.Sender).
		Str("messageType", msg.MessageType).
		Msg("Message appended")
	return msg, nil
}

// GetMessages returns messages in creation order. limit <= 0 returns the full
// history; otherwise only the most recent limit messages.
func (s *ConversationStore) GetMessages(ctx context.Context, conversationID int64, limit int) ([]models.ConversationMessage, error) {
	msgs := []models.ConversationMessage{}
	var err error
	if limit <= 0 {
		query := s.db.Rebind(`SELECT ` + messageColumns + ` FROM conversation_messages
			WHERE conversation_id = ? ORDER BY id ASC`)
		err = s.db.SelectContext(ctx, &msgs, query, conversationID)
	} else {
		query := s.db.Rebind(`SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM conversation_messages
			WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		) recent ORDER BY id ASC`)
		err = s.db.SelectContext(ctx, &msgs, query, conversationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for conversation %d: %w", conversationID, err)
	}
	return msgs, nil
}

// UpdateStatus sets the conversation status after checking the value and
// that the conversation exists.
func (s *ConversationStore) UpdateStatus(ctx context.Context, conversationID int64, status string) (*models.Conversation, error) {
	status = strings.TrimSpace(status)
	if !models.ValidStatus(status) {
		return nil, fmt.Errorf("%q: %w", status, ErrInvalidStatus)
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == status {
		return conv, nil
	}

	now := s.now()
	query := s.db.Rebind(`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, status, now, conversationID); err != nil {
		return nil, fmt.Errorf("failed to update status of conversation %d: %w", conversationID, err)
	}
	log.Info().
		Int64("conversationID", conversationID).
		Str("from", conv.Status).
		Str("to", status).
		Msg("Conversation status changed")
	conv.Status = status
	conv.UpdatedAt = now
	return conv, nil
}

// MarkRead flags the unread customer messages of a conversation as read and
// returns how many changed.
func (s *ConversationStore) MarkRead(ctx context.Context, conversationID int64) (int64, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	query := s.db.Rebind(`UPDATE conversation_messages SET is_read = ?
		WHERE conversation_id = ? AND sender = ? AND is_read = ?`)
	res, err := s.db.ExecContext(ctx, query, true, conversationID, models.SenderUser, false)
	if err != nil {
		return 0, fmt.Errorf("failed to mark conversation %d read: %w", conversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read update result: %w", err)
	}
	return n, nil
}
