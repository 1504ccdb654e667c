package services

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Deduplicator remembers processed gateway message ids for a retention window.
type Deduplicator interface {
	// Claim returns true the first time key is seen within the window.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets a claim so a redelivery of key is processed again.
	Release(ctx context.Context, key string) error
}

// MemoryDeduplicator keeps claimed ids in process memory.
type MemoryDeduplicator struct {
	cache *cache.Cache
}

func NewMemoryDeduplicator(ttl time.Duration) *MemoryDeduplicator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDeduplicator{cache: cache.New(ttl, ttl/2)}
}

func (d *MemoryDeduplicator) Claim(_ context.Context, key string) (bool, error) {
	// Add fails when the key is already present and unexpired.
	if err := d.cache.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		return false, nil
	}
	return true, nil
}

func (d *MemoryDeduplicator) Release(_ context.Context, key string) error {
	d.cache.Delete(key)
	return nil
}

// RedisDeduplicator shares the window between replicas with SET NX EX.
type RedisDeduplicator struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisDeduplicator connects to redisURL and pings it.
func NewRedisDeduplicator(ctx context.Context, redisURL string, ttl time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Redis connected for event deduplication")
	return NewRedisDeduplicatorWithClient(client, ttl), nil
}

func NewRedisDeduplicatorWithClient(client redis.UniversalClient, ttl time.Duration) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduplicator{client: client, ttl: ttl, prefix: "hortibless:webhook:seen:"}
}

func (d *RedisDeduplicator) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX failed: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduplicator) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
