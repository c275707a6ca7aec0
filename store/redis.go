package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements SessionStore and BucketStore using Redis.
// It leverages Redis's native TTL for automatic expiration of both.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig contains configuration options for Redis.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string `yaml:"addr"`

	// Password is the Redis password (empty for no auth)
	Password string `yaml:"password"`

	// DB is the Redis database number (0-15)
	DB int `yaml:"db"`

	// KeyPrefix is prepended to all keys (default: "bifrost:").
	// typically ends with a colon.
	KeyPrefix string `yaml:"key_prefix"`
}

// NewRedis creates a Redis store from an existing client and a key prefix.
func NewRedis(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "bifrost:"
	}
	return &RedisStore{
		client: client,
		prefix: keyPrefix,
	}
}

// NewRedisFromConfig connects to Redis and verifies the connection.
func NewRedisFromConfig(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}

	return NewRedis(client, cfg.KeyPrefix), nil
}

// Client exposes the underlying client so other Redis-backed components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) sessionKey(handle string) string {
	return s.prefix + "session:" + handle
}

func (s *RedisStore) bucketKey(owner string) string {
	return s.prefix + "buckets:" + owner
}

// Put stores a session record with a Redis TTL.
func (s *RedisStore) Put(ctx context.Context, handle string, rec *SessionRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal session: %w", err)
	}

	if err := s.client.Set(ctx, s.sessionKey(handle), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set session: %w", err)
	}
	return nil
}

// Get loads a session record.
func (s *RedisStore) Get(ctx context.Context, handle string) (*SessionRecord, error) {
	data, err := s.client.Get(ctx, s.sessionKey(handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get session: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ErrMalformed
	}
	return &rec, nil
}

// Delete removes a session record.
func (s *RedisStore) Delete(ctx context.Context, handle string) error {
	if err := s.client.Del(ctx, s.sessionKey(handle)).Err(); err != nil {
		return fmt.Errorf("redis: failed to delete session: %w", err)
	}
	return nil
}

// LoadBuckets reads the rate-limit snapshot of owner.
func (s *RedisStore) LoadBuckets(ctx context.Context, owner string) (Snapshot, error) {
	data, err := s.client.Get(ctx, s.bucketKey(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get buckets: %w", err)
	}

	snap := Snapshot{}
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt snapshot only loses history; start over.
		return Snapshot{}, nil
	}
	return snap, nil
}

// SaveBuckets writes the rate-limit snapshot of owner.
func (s *RedisStore) SaveBuckets(ctx context.Context, owner string, snap Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal buckets: %w", err)
	}

	if err := s.client.Set(ctx, s.bucketKey(owner), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set buckets: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
