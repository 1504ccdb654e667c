package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/halarumdigital/site-hortibless-sub000/internal/models"
)

// ConnectionStore is the channel registry: gateway instances and their AI
// configuration. Lookups by instance name are cached because every webhook
// performs one.
type ConnectionStore struct {
	db    *gorm.DB
	cache *cache.Cache
}

func NewConnectionStore(db *gorm.DB, cacheTTL time.Duration) (*ConnectionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm handle cannot be nil for ConnectionStore")
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &ConnectionStore{
		db:    db,
		cache: cache.New(cacheTTL, 2*cacheTTL),
	}, nil
}

// GetByInstance returns the connection registered for a gateway instance.
func (s *ConnectionStore) GetByInstance(ctx context.Context, instance string) (*models.WhatsAppConnection, error) {
	if cached, found := s.cache.Get(instance); found {
		conn := *cached.(*models.WhatsAppConnection)
		return &conn, nil
	}

	var conn models.WhatsAppConnection
	err := s.db.WithContext(ctx).Where("instance_name = ?", instance).First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("connection for instance %q: %w", instance, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load connection for instance %q: %w", instance, err)
	}

	stored := conn
	s.cache.Set(instance, &stored, cache.DefaultExpiration)
	return &conn, nil
}

// Get returns a connection by id.
func (s *ConnectionStore) Get(ctx context.Context, id int64) (*models.WhatsAppConnection, error) {
	var conn models.WhatsAppConnection
	if err := s.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("connection %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load connection %d: %w", id, err)
	}
	return &conn, nil
}

func (s *ConnectionStore) List(ctx context.Context) ([]models.WhatsAppConnection, error) {
	conns := []models.WhatsAppConnection{}
	if err := s.db.WithContext(ctx).Order("id").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

// Create registers a gateway instance that already exists on the gateway.
func (s *ConnectionStore) Create(ctx context.Context, conn *models.WhatsAppConnection) error {
	if conn.InstanceName == "" {
		return fmt.Errorf("instance name is required")
	}
	if conn.Status == "" {
		conn.Status = "disconnected"
	}
	if err := s.db.WithContext(ctx).Create(conn).Error; err != nil {
		return fmt.Errorf("failed to create connection %q: %w", conn.InstanceName, err)
	}
	s.cache.Delete(conn.InstanceName)
	log.Info().Int64("connectionID", conn.ID).Str("instance", conn.InstanceName).Msg("WhatsApp connection registered")
	return nil
}

// UpdateAIConfig replaces the AI settings of a connection.
func (s *ConnectionStore) UpdateAIConfig(ctx context.Context, id int64, cfg models.AIConfig) (*models.WhatsAppConnection, error) {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Select forces zero values (aiEnabled=false, empty prompt) to be written.
	err = s.db.WithContext(ctx).Model(conn).
		Select("ai_enabled", "ai_model", "ai_temperature", "ai_max_tokens", "ai_prompt", "updated_at").
		Updates(models.WhatsAppConnection{
			AIEnabled:     cfg.Enabled,
			AIModel:       cfg.Model,
			AITemperature: cfg.Temperature,
			AIMaxTokens:   cfg.MaxTokens,
			AIPrompt:      cfg.Prompt,
			UpdatedAt:     time.Now().UTC(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update AI config of connection %d: %w", id, err)
	}
	s.cache.Delete(conn.InstanceName)

	log.Info().
		Int64("connectionID", id).
		Bool("aiEnabled", cfg.Enabled).
		Str("aiModel", cfg.Model).
		Msg("AI configuration updated")
	return s.Get(ctx, id)
}
