// Package dedup provides idempotency-key storage for payment-confirmation
// events. Payment providers redeliver webhooks; an event id must apply its
// side effects at most once no matter how many copies arrive.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// retention is how long a processed event id is remembered. Providers stop
// redelivering long before this window closes.
const retention = 30 * 24 * time.Hour

// RedisStore implements payment-event idempotency tracking using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed event store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "payevent:",
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "payevent:",
	}
}

func (s *RedisStore) key(eventID string) string {
	return s.prefix + eventID
}

// Seen reports whether an event id has already been claimed. It is a read
// used to short-circuit known replays without touching the key.
func (s *RedisStore) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("check payment event: %w", err)
	}
	return n > 0, nil
}

// FirstDelivery atomically claims an event id. It returns true exactly once
// per id; replays see the existing key and get false.
func (s *RedisStore) FirstDelivery(ctx context.Context, eventID, listingID string) (bool, error) {
	claimed, err := s.client.SetNX(ctx, s.key(eventID), listingID, retention).Result()
	if err != nil {
		return false, fmt.Errorf("claim payment event: %w", err)
	}
	return claimed, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
