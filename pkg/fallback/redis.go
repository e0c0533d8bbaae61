package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-telemetry-relay/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Key is the list that records are pushed onto.
	Key string
}

// RedisStore pushes fallback records onto a Redis list. Durability is whatever
// the Redis server's persistence settings provide (AOF with fsync always is
// the equivalent of the sqlite backend).
type RedisStore struct {
	redisClient *redis.Client
	key         string
	logger      zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedisStore connects to Redis and pings it before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis fallback store requires an address")
	}
	key := cfg.Key
	if key == "" {
		key = "telemetry:fallback"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Str("key", key).Msg("Successfully connected to Redis.")

	return &RedisStore{
		redisClient: rdb,
		key:         key,
		logger:      logger.With().Str("component", "RedisFallbackStore").Logger(),
	}, nil
}

// Append pushes the JSON-encoded record onto the tail of the list.
func (s *RedisStore) Append(ctx context.Context, record types.FallbackRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal fallback record %s: %w", record.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := s.redisClient.RPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push fallback record to redis: %w", err)
	}
	s.logger.Debug().Str("record_id", record.ID).Str("reason", record.Reason).Msg("Fallback record pushed.")
	return nil
}

// Count returns the list length.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n, err := s.redisClient.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read fallback list length: %w", err)
	}
	return int(n), nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info().Msg("Closing Redis client connection...")
	return s.redisClient.Close()
}
