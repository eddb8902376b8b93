package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a processed-event marker is kept. A redelivery
// arriving later than this is treated as new; handlers stay idempotent at
// the state level regardless.
const DefaultTTL = 24 * time.Hour

// Store records which event identifiers have already been handled.
type Store interface {
	// IsProcessed reports whether the event was already handled.
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed records the event as handled. The marker is write-once:
	// marking an already-marked event is a no-op.
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}

// RedisStore keeps processed-event markers in Redis under processed:{eventId}.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func key(eventID string) string {
	return fmt.Sprintf("processed:%s", eventID)
}

func (s *RedisStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	_, err := s.client.Get(ctx, key(eventID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	return true, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// SETNX keeps the marker write-once per event identifier
	if err := s.client.SetNX(ctx, key(eventID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("idempotency mark failed: %w", err)
	}
	return nil
}
